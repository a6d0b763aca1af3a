// Package coordinator serializes operation batches from many callers onto a
// single rate-limited provider. It owns the pending queue, the pacing clock
// and the per-operation retry state machine; callers interact only through
// Submit, Cancel, Subscribe and Summary.
//
// All shared state is guarded by one mutex. Dispatch runs on the single
// goroutine that calls Run, so at most one operation is in flight at a time.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/theycallmek/kingshot-coordinator/internal/provider"
	"github.com/theycallmek/kingshot-coordinator/internal/session"
)

// Provider executes one call with a session token.
type Provider interface {
	Execute(ctx context.Context, token string, call provider.Call) (*provider.Response, error)
}

// Sessions hands out valid sessions and accepts invalidation.
type Sessions interface {
	Acquire(ctx context.Context) (session.Session, error)
	Invalidate()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAuditSink sets the durable audit sink.
func WithAuditSink(s AuditSink) Option {
	return func(c *Coordinator) { c.audit = s }
}

// WithRemovalSink sets the removal feed sink.
func WithRemovalSink(s RemovalSink) Option {
	return func(c *Coordinator) { c.removalSink = s }
}

// WithSuccessIndex sets the completed-request index.
func WithSuccessIndex(idx SuccessIndex) Option {
	return func(c *Coordinator) { c.index = idx }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithPauseHandler registers fn to be called, outside any lock, whenever
// dispatch pauses on a fatal authentication error.
func WithPauseHandler(fn func(error)) Option {
	return func(c *Coordinator) { c.onPause = fn }
}

// Coordinator is the single serialization point between callers and the
// provider.
type Coordinator struct {
	provider Provider
	sessions Sessions
	logger   *slog.Logger
	metrics  *Metrics
	onPause  func(error)

	audit       AuditSink
	removalSink RemovalSink
	index       SuccessIndex

	mu             sync.Mutex
	cfg            Config
	gov            *governor
	queue          opQueue
	batches        map[string]*batch
	completed      map[string]completedBatch
	completedOrder []string
	removed        map[string]bool
	inFlight       *Operation
	seq            uint64
	paused         bool
	pauseErr       error
	out            outbox

	// sinkMu serializes flushes so records reach the sinks in the order
	// they were produced.
	sinkMu sync.Mutex

	wake       chan struct{}
	running    atomic.Bool
	dispatched atomic.Uint64

	nowFunc   func() time.Time                      // injectable for testing
	afterFunc func(time.Duration) <-chan time.Time // injectable for testing
}

// New creates a Coordinator. Call Run to start dispatching.
func New(cfg Config, p Provider, s Sessions, opts ...Option) (*Coordinator, error) {
	if cfg.SummaryRetention <= 0 {
		cfg.SummaryRetention = DefaultSummaryRetention
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator: invalid config: %w", err)
	}

	c := &Coordinator{
		provider:  p,
		sessions:  s,
		logger:    slog.Default(),
		cfg:       cfg,
		batches:   make(map[string]*batch),
		completed: make(map[string]completedBatch),
		removed:   make(map[string]bool),
		wake:      make(chan struct{}, 1),
		nowFunc:   time.Now,
		afterFunc: time.After,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.audit == nil || c.removalSink == nil {
		mem := &MemorySink{}
		if c.audit == nil {
			c.audit = mem
		}

		if c.removalSink == nil {
			c.removalSink = mem
		}
	}

	if c.index == nil {
		c.index = newMemoryIndex()
	}

	c.gov = newGovernor(cfg.PacingInterval, cfg.MaxPacingInterval, cfg.RateLimitCooldown, c.logger)
	c.metrics.recordPacing(context.Background(), cfg.PacingInterval)

	return c, nil
}

// Submit validates and enqueues a batch. Operations whose request already
// succeeded within the dedupe window complete immediately without a
// provider call. Returns ErrQueueOverflow when the batch would push the
// pending queue past MaxPending.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*BatchHandle, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	now := c.nowFunc()
	batchID := uuid.NewString()

	ops := make([]*Operation, len(req.Targets))
	for i, target := range req.Targets {
		payload := req.Payload
		if req.Payloads != nil {
			payload = req.Payloads[i]
		}

		ops[i] = &Operation{
			ID:       uuid.NewString(),
			Kind:     req.Kind,
			Target:   NormalizeIdentity(target),
			Payload:  NormalizePayload(payload),
			BatchID:  batchID,
			Status:   StatusPending,
			priority: req.Priority,
		}
	}

	dups := c.findDuplicates(ctx, ops, now)

	c.mu.Lock()

	queued := len(ops) - len(dups)
	if c.queue.len()+queued > c.cfg.MaxPending {
		pending := c.queue.len()
		c.mu.Unlock()

		return nil, fmt.Errorf("%w: %d pending + %d submitted exceeds %d",
			ErrQueueOverflow, pending, queued, c.cfg.MaxPending)
	}

	b := &batch{
		id:          batchID,
		callerTag:   req.CallerTag,
		kind:        req.Kind,
		ops:         ops,
		submittedAt: now,
	}
	c.batches[batchID] = b

	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
		c.seq++
		op.seq = c.seq

		if dups[op.ID] {
			c.finish(op, StatusSucceeded, ReasonNone)
			c.recordAudit(op, now, OutcomeDuplicate, 0, "already completed within dedupe window")

			continue
		}

		c.queue.push(op)
	}

	c.metrics.addPending(ctx, queued)
	c.report(ctx, b)
	c.mu.Unlock()

	c.logger.Info("batch submitted",
		slog.String("batch_id", batchID),
		slog.String("caller_tag", req.CallerTag),
		slog.String("kind", string(req.Kind)),
		slog.Int("operations", len(ops)),
		slog.Int("duplicates", len(dups)),
	)

	c.flush(ctx)
	c.signal()

	return &BatchHandle{ID: batchID, OperationIDs: ids, c: c}, nil
}

func validateRequest(req Request) error {
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}

	if len(req.Targets) == 0 {
		return fmt.Errorf("%w: no targets", ErrInvalidRequest)
	}

	if req.Payloads != nil && len(req.Payloads) != len(req.Targets) {
		return fmt.Errorf("%w: %d payloads for %d targets",
			ErrInvalidRequest, len(req.Payloads), len(req.Targets))
	}

	for i, target := range req.Targets {
		if NormalizeIdentity(target) == "" {
			return fmt.Errorf("%w: target %d is empty", ErrInvalidRequest, i)
		}

		if req.Kind == KindGiftRedeem {
			payload := req.Payload
			if req.Payloads != nil {
				payload = req.Payloads[i]
			}

			if NormalizePayload(payload) == "" {
				return fmt.Errorf("%w: gift redemption for target %d has no code", ErrInvalidRequest, i)
			}
		}
	}

	return nil
}

// findDuplicates consults the completed-request index without holding the
// lock. Index errors are logged and treated as "not completed".
func (c *Coordinator) findDuplicates(ctx context.Context, ops []*Operation, now time.Time) map[string]bool {
	dups := make(map[string]bool)

	c.mu.Lock()
	window := c.cfg.DedupeWindow
	c.mu.Unlock()

	if window <= 0 {
		return dups
	}

	for _, op := range ops {
		if !op.Kind.sideEffecting() {
			continue
		}

		done, err := c.index.SucceededSince(ctx, keyOf(op), now.Add(-window))
		if err != nil {
			c.logger.Warn("coordinator: completed-request lookup failed",
				slog.String("target", op.Target),
				slog.String("error", err.Error()),
			)

			continue
		}

		if done {
			dups[op.ID] = true
		}
	}

	return dups
}

// Cancel marks a batch cancelled. Its queued operations are abandoned
// without dispatch; an operation already in flight completes normally.
// Cancelling a completed batch is a no-op.
func (c *Coordinator) Cancel(batchID string) error {
	ctx := context.Background()

	c.mu.Lock()

	b, ok := c.batches[batchID]
	if !ok {
		_, done := c.completed[batchID]
		c.mu.Unlock()

		if done {
			return nil
		}

		return fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}

	b.cancelled = true
	now := c.nowFunc()

	removed := c.queue.removeBatch(batchID)
	for _, op := range removed {
		c.finish(op, StatusAbandoned, ReasonCancelled)
		c.recordAudit(op, now, OutcomeCancelled, 0, "batch cancelled before dispatch")
	}

	c.metrics.addPending(ctx, -len(removed))
	c.report(ctx, b)
	c.mu.Unlock()

	c.logger.Info("batch cancelled",
		slog.String("batch_id", batchID),
		slog.Int("abandoned", len(removed)),
	)

	c.flush(ctx)

	return nil
}

// Subscribe returns the event stream for a batch: a replay of events so far,
// then live progress, then the summary, after which the channel is closed.
func (c *Coordinator) Subscribe(batchID string) (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.batches[batchID]; ok {
		return b.subscribe(), nil
	}

	if cb, ok := c.completed[batchID]; ok {
		ch := make(chan Event, len(cb.events))
		for _, ev := range cb.events {
			ch <- ev
		}

		close(ch)

		return ch, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
}

// Summary returns the final summary of a completed batch. ok is false while
// the batch is still open; ErrUnknownBatch if the id was never seen or has
// aged out of retention.
func (c *Coordinator) Summary(batchID string) (Summary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.completed[batchID]; ok {
		return cb.summary, true, nil
	}

	if _, ok := c.batches[batchID]; ok {
		return Summary{}, false, nil
	}

	return Summary{}, false, fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
}

// Status reports the coordinator's current state.
func (c *Coordinator) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{
		Running:        c.running.Load(),
		Paused:         c.paused,
		Pending:        c.queue.len(),
		PacingInterval: c.gov.current,
		OpenBatches:    len(c.batches),
		Dispatched:     c.dispatched.Load(),
	}

	if c.pauseErr != nil {
		st.PauseCause = c.pauseErr.Error()
	}

	if c.inFlight != nil {
		snap := c.inFlight.snapshot()
		st.InFlight = &snap
	}

	return st
}

// Err returns a non-nil error wrapping ErrPaused while dispatch is paused.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.paused {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrPaused, c.pauseErr)
}

// Resume clears a fatal authentication pause. Pending operations resume
// dispatch on the next loop iteration.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	wasPaused := c.paused
	c.paused = false
	c.pauseErr = nil
	c.mu.Unlock()

	if wasPaused {
		c.logger.Info("dispatch resumed")
		c.signal()
	}
}

// Reconfigure applies new settings to the running coordinator. Operations
// already waiting keep their scheduled retry times.
func (c *Coordinator) Reconfigure(cfg Config) error {
	if cfg.SummaryRetention <= 0 {
		cfg.SummaryRetention = DefaultSummaryRetention
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("coordinator: invalid config: %w", err)
	}

	c.mu.Lock()
	c.cfg = cfg
	c.gov.reconfigure(cfg.PacingInterval, cfg.MaxPacingInterval, cfg.RateLimitCooldown)
	current := c.gov.current
	c.mu.Unlock()

	c.metrics.recordPacing(context.Background(), current)
	c.logger.Info("coordinator reconfigured",
		slog.Duration("pacing_interval", cfg.PacingInterval),
		slog.Int("max_attempts", cfg.MaxAttempts),
		slog.Duration("operation_timeout", cfg.OperationTimeout),
	)
	c.signal()

	return nil
}

// signal wakes the dispatch loop without blocking.
func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// finish moves op to a terminal state. Caller holds c.mu.
func (c *Coordinator) finish(op *Operation, status Status, reason AbandonReason) {
	op.Status = status
	op.Reason = reason
	op.NextEligibleAt = time.Time{}
}

// recordAudit queues an audit record for the next flush. Caller holds c.mu.
func (c *Coordinator) recordAudit(op *Operation, at time.Time, outcome Outcome, code int, detail string) {
	c.out.audit = append(c.out.audit, AuditRecord{
		OperationID:  op.ID,
		BatchID:      op.BatchID,
		Kind:         op.Kind,
		Target:       op.Target,
		Timestamp:    at,
		Outcome:      outcome,
		Attempt:      op.dispatches,
		ProviderCode: code,
		Detail:       detail,
	})
}

// flush delivers queued records to the sinks outside c.mu. Sink failures
// are logged; they never stop dispatch.
func (c *Coordinator) flush(ctx context.Context) {
	// Records describe work that already happened; persist them even when
	// the caller's context is done.
	ctx = context.WithoutCancel(ctx)

	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	c.mu.Lock()
	out := c.out
	c.out = outbox{}
	c.mu.Unlock()

	for _, rec := range out.audit {
		if err := c.audit.RecordAudit(ctx, rec); err != nil {
			c.logger.Error("coordinator: audit sink write failed",
				slog.String("operation_id", rec.OperationID),
				slog.String("outcome", string(rec.Outcome)),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, entry := range out.removals {
		if err := c.removalSink.RecordRemoval(ctx, entry); err != nil {
			c.logger.Error("coordinator: removal sink write failed",
				slog.String("target", entry.Target),
				slog.String("error", err.Error()),
			)
		}
	}
}
