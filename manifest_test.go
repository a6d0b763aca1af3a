package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
)

func TestDecodeManifests_TargetsAndItems(t *testing.T) {
	t.Parallel()

	ms, err := decodeManifests(strings.NewReader(`
kind: member_add
caller_tag: roster
priority: 2
targets: ["1001", "1002"]
---
kind: gift_redeem
payload: SPRING
items:
  - target: "2001"
  - target: "2002"
    payload: AUTUMN
`))
	require.NoError(t, err)
	require.Len(t, ms, 2)

	first := ms[0].request()
	assert.Equal(t, coordinator.KindMemberAdd, first.Kind)
	assert.Equal(t, "roster", first.CallerTag)
	assert.Equal(t, 2, first.Priority)
	assert.Equal(t, []string{"1001", "1002"}, first.Targets)
	assert.Nil(t, first.Payloads)

	second := ms[1].request()
	assert.Equal(t, []string{"2001", "2002"}, second.Targets)
	assert.Equal(t, []string{"SPRING", "AUTUMN"}, second.Payloads)
}

func TestDecodeManifests_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "", "no batches"},
		{"missing kind", `targets: ["1"]`, "kind is required"},
		{"no targets", `kind: member_add`, "no targets"},
		{"both forms", "kind: member_add\ntargets: [\"1\"]\nitems: [{target: \"2\"}]", "mutually exclusive"},
		{"item without target", "kind: gift_redeem\nitems: [{payload: X}]", "items[0]"},
		{"unknown field", "kind: member_add\ntargets: [\"1\"]\ncolour: red", "colour"},
		{"second document", "kind: member_add\ntargets: [\"1\"]\n---\nkind: member_add\n", "document 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeManifests(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadManifests_NamesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "kind: [\n")

	_, err := loadManifests(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)

	_, err = loadManifests(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
