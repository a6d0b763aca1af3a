package coordinator

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Outcome is the result recorded for one dispatch attempt or terminal
// transition.
type Outcome string

// Audit outcomes.
const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeAuthRetry      Outcome = "auth_retry"
	OutcomeAuthFatal      Outcome = "auth_fatal"
	OutcomeFailed         Outcome = "failed"
	OutcomeAbandoned      Outcome = "abandoned"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeDuplicate      Outcome = "duplicate"
)

// AuditRecord is an immutable log entry for one operation event.
type AuditRecord struct {
	OperationID  string    `json:"operation_id"`
	BatchID      string    `json:"batch_id"`
	Kind         Kind      `json:"kind"`
	Target       string    `json:"target"`
	Timestamp    time.Time `json:"timestamp"`
	Outcome      Outcome   `json:"outcome"`
	Attempt      int       `json:"attempt"`
	ProviderCode int       `json:"provider_code,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// AuditSink receives audit records in the order they were produced.
type AuditSink interface {
	RecordAudit(ctx context.Context, rec AuditRecord) error
}

// RemovalSink receives removal entries, at most one per identity.
type RemovalSink interface {
	RecordRemoval(ctx context.Context, entry RemovalEntry) error
}

// FormatAuditLine renders a record as a single log line:
// timestamp, operation id, kind, outcome, then provider code and detail.
func FormatAuditLine(rec AuditRecord) string {
	var b strings.Builder

	b.WriteString(rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteString(" op=")
	b.WriteString(rec.OperationID)
	b.WriteString(" kind=")
	b.WriteString(string(rec.Kind))
	b.WriteString(" outcome=")
	b.WriteString(string(rec.Outcome))
	b.WriteString(" target=")
	b.WriteString(rec.Target)
	b.WriteString(" attempt=")
	b.WriteString(strconv.Itoa(rec.Attempt))

	if rec.ProviderCode != 0 {
		b.WriteString(" code=")
		b.WriteString(strconv.Itoa(rec.ProviderCode))
	}

	if rec.Detail != "" {
		b.WriteString(" detail=")
		b.WriteString(strconv.Quote(rec.Detail))
	}

	return b.String()
}

// LineSink writes audit records as text lines to w.
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineSink creates a LineSink writing to w.
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

// RecordAudit implements AuditSink.
func (s *LineSink) RecordAudit(_ context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintln(s.w, FormatAuditLine(rec)); err != nil {
		return fmt.Errorf("coordinator: writing audit line: %w", err)
	}

	return nil
}

// MemorySink keeps audit records and removal entries in memory. It is the
// default sink when none is configured.
type MemorySink struct {
	mu       sync.Mutex
	audit    []AuditRecord
	removals []RemovalEntry
}

// RecordAudit implements AuditSink.
func (s *MemorySink) RecordAudit(_ context.Context, rec AuditRecord) error {
	s.mu.Lock()
	s.audit = append(s.audit, rec)
	s.mu.Unlock()

	return nil
}

// RecordRemoval implements RemovalSink.
func (s *MemorySink) RecordRemoval(_ context.Context, entry RemovalEntry) error {
	s.mu.Lock()
	s.removals = append(s.removals, entry)
	s.mu.Unlock()

	return nil
}

// Records returns a copy of the audit log.
func (s *MemorySink) Records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]AuditRecord, len(s.audit))
	copy(out, s.audit)

	return out
}

// Removals returns a copy of the removal feed.
func (s *MemorySink) Removals() []RemovalEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RemovalEntry, len(s.removals))
	copy(out, s.removals)

	return out
}

// outbox buffers sink writes produced under the coordinator lock so the
// writes themselves happen outside it.
type outbox struct {
	audit    []AuditRecord
	removals []RemovalEntry
}
