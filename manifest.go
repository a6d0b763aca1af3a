package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
)

// manifest is one batch in a YAML manifest file. A file may hold several
// manifests as separate YAML documents.
type manifest struct {
	Kind      coordinator.Kind `yaml:"kind"`
	CallerTag string           `yaml:"caller_tag"`
	Priority  int              `yaml:"priority"`
	Payload   string           `yaml:"payload"`
	Targets   []string         `yaml:"targets"`
	Items     []manifestItem   `yaml:"items"`
}

// manifestItem is a target with its own payload.
type manifestItem struct {
	Target  string `yaml:"target"`
	Payload string `yaml:"payload"`
}

// loadManifests reads every manifest document in path.
func loadManifests(path string) ([]manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	out, err := decodeManifests(f)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	return out, nil
}

func decodeManifests(r io.Reader) ([]manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var out []manifest

	for i := 0; ; i++ {
		var m manifest

		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}

		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}

		out = append(out, m)
	}

	if len(out) == 0 {
		return nil, errors.New("no batches defined")
	}

	return out, nil
}

// validate checks the manifest's shape. Kind and payload rules are left to
// the coordinator so both entry points share one set of checks.
func (m *manifest) validate() error {
	if m.Kind == "" {
		return errors.New("kind is required")
	}

	if len(m.Targets) > 0 && len(m.Items) > 0 {
		return errors.New("targets and items are mutually exclusive")
	}

	if len(m.Targets) == 0 && len(m.Items) == 0 {
		return errors.New("no targets")
	}

	for i, it := range m.Items {
		if it.Target == "" {
			return fmt.Errorf("items[%d]: target is required", i)
		}
	}

	return nil
}

// request converts the manifest into a submission. Items without their own
// payload inherit the manifest payload.
func (m *manifest) request() coordinator.Request {
	req := coordinator.Request{
		Kind:      m.Kind,
		Payload:   m.Payload,
		CallerTag: m.CallerTag,
		Priority:  m.Priority,
	}

	if len(m.Items) == 0 {
		req.Targets = m.Targets
		return req
	}

	req.Targets = make([]string, len(m.Items))
	req.Payloads = make([]string, len(m.Items))

	for i, it := range m.Items {
		req.Targets[i] = it.Target
		req.Payloads[i] = it.Payload

		if it.Payload == "" {
			req.Payloads[i] = m.Payload
		}
	}

	return req
}
