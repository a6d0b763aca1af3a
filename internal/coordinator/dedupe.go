package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/width"
)

// RequestKey identifies one logical request for idempotence.
type RequestKey struct {
	Kind    Kind
	Target  string
	Payload string
}

// SuccessIndex records completed requests so a resubmission within the
// dedupe window is answered without a provider call.
type SuccessIndex interface {
	SucceededSince(ctx context.Context, key RequestKey, since time.Time) (bool, error)
	RecordSuccess(ctx context.Context, key RequestKey, at time.Time) error
}

// NormalizeIdentity folds full-width characters and trims whitespace so the
// same identity typed two ways maps to one key.
func NormalizeIdentity(s string) string {
	return strings.TrimSpace(width.Narrow.String(s))
}

// NormalizePayload trims surrounding whitespace. Payloads such as gift
// codes are otherwise case- and width-sensitive, so nothing else is folded.
func NormalizePayload(s string) string {
	return strings.TrimSpace(s)
}

func keyOf(op *Operation) RequestKey {
	return RequestKey{
		Kind:    op.Kind,
		Target:  NormalizeIdentity(op.Target),
		Payload: NormalizePayload(op.Payload),
	}
}

// memoryIndex is the default in-process SuccessIndex.
type memoryIndex struct {
	mu   sync.Mutex
	done map[RequestKey]time.Time
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{done: make(map[RequestKey]time.Time)}
}

func (m *memoryIndex) SucceededSince(_ context.Context, key RequestKey, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.done[key]

	return ok && !at.Before(since), nil
}

func (m *memoryIndex) RecordSuccess(_ context.Context, key RequestKey, at time.Time) error {
	m.mu.Lock()
	m.done[key] = at
	m.mu.Unlock()

	return nil
}
