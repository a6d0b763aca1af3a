package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/theycallmek/kingshot-coordinator/internal/provider"
	"github.com/theycallmek/kingshot-coordinator/internal/session"
)

// Run is the dispatch loop. It waits for pacing clearance, claims the next
// eligible operation, executes it and applies the classified outcome, one
// operation at a time, until ctx is done. Returns ErrRunning if another Run
// is active, nil on shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer c.running.Store(false)

	c.logger.Info("coordinator started")

	for {
		if ctx.Err() != nil {
			c.logger.Info("coordinator stopped",
				slog.Uint64("dispatched", c.dispatched.Load()),
			)

			return nil
		}

		op, cfg, wait := c.claim(ctx)
		if op == nil {
			c.idle(ctx, wait)
			continue
		}

		c.dispatch(ctx, op, cfg)
		c.flush(ctx)
	}
}

// claim marks the next eligible operation InFlight. When nothing can be
// dispatched yet it returns how long to wait; zero means wait for a signal.
func (c *Coordinator) claim(ctx context.Context) (*Operation, Config, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return nil, Config{}, 0
	}

	now := c.nowFunc()

	if earliest := c.gov.earliest(); now.Before(earliest) {
		return nil, Config{}, earliest.Sub(now)
	}

	op, eligibleAt := c.queue.next(now)
	if op == nil {
		if eligibleAt.IsZero() {
			return nil, Config{}, 0
		}

		return nil, Config{}, eligibleAt.Sub(now)
	}

	op.Status = StatusInFlight
	c.inFlight = op
	c.metrics.addPending(ctx, -1)

	return op, c.cfg, 0
}

// idle blocks until wait elapses, the loop is signalled, or ctx is done.
func (c *Coordinator) idle(ctx context.Context, wait time.Duration) {
	var timer <-chan time.Time
	if wait > 0 {
		timer = c.afterFunc(wait)
	}

	select {
	case <-ctx.Done():
	case <-c.wake:
	case <-timer:
	}
}

// dispatch runs one claimed operation through dedupe, session acquisition,
// the provider call and classification.
func (c *Coordinator) dispatch(ctx context.Context, op *Operation, cfg Config) {
	bg := context.WithoutCancel(ctx)
	key := keyOf(op)
	dedupe := cfg.DedupeWindow > 0 && op.Kind.sideEffecting()

	if dedupe {
		done, err := c.index.SucceededSince(ctx, key, c.nowFunc().Add(-cfg.DedupeWindow))
		if err != nil {
			c.logger.Warn("coordinator: completed-request lookup failed",
				slog.String("operation_id", op.ID),
				slog.String("error", err.Error()),
			)
		} else if done {
			c.completeDuplicate(ctx, op)
			return
		}
	}

	sess, err := c.sessions.Acquire(ctx)
	if err != nil {
		c.sessionUnavailable(ctx, op, err)
		return
	}

	c.mu.Lock()
	c.gov.markDispatch(c.nowFunc())
	op.dispatches++
	c.mu.Unlock()
	c.dispatched.Add(1)

	// The call outlives shutdown up to its own timeout: an operation already
	// sent must finish and be audited.
	callCtx, cancel := context.WithTimeout(bg, cfg.OperationTimeout)
	resp, callErr := c.execute(callCtx, sess.Token, op)
	cancel()

	v := cfg.Codes.Classify(resp, callErr)
	c.metrics.recordDispatch(bg, op.Kind, v.Class)

	c.logger.Debug("operation dispatched",
		slog.String("operation_id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("target", op.Target),
		slog.String("class", v.Class.String()),
		slog.Int("code", v.Code),
	)

	if v.Class == ClassSuccess && dedupe {
		if err := c.index.RecordSuccess(bg, key, c.nowFunc()); err != nil {
			c.logger.Warn("coordinator: recording completed request failed",
				slog.String("operation_id", op.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if v.Class == ClassAuth {
		c.sessions.Invalidate()
	}

	c.apply(bg, op, cfg, v)
}

// execute calls the provider, converting a panic into an error so one bad
// reply cannot take down the dispatch loop.
func (c *Coordinator) execute(ctx context.Context, token string, op *Operation) (resp *provider.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("coordinator: panic in provider call",
				slog.String("operation_id", op.ID),
				slog.Any("panic", r),
			)

			resp, err = nil, fmt.Errorf("coordinator: provider call panicked: %v", r)
		}
	}()

	return c.provider.Execute(ctx, token, provider.Call{
		Kind:    string(op.Kind),
		Target:  op.Target,
		Payload: op.Payload,
	})
}

// apply moves op to its next state per the classification.
func (c *Coordinator) apply(ctx context.Context, op *Operation, cfg Config, v Verdict) {
	var pauseErr error

	c.mu.Lock()

	now := c.nowFunc()
	c.inFlight = nil
	op.LastCode = v.Code
	op.Detail = v.Detail

	// Any non-auth reply means the session was accepted; a later expiry gets
	// its own refresh-and-retry.
	if v.Class != ClassAuth {
		op.authRetried = false
	}

	switch v.Class {
	case ClassSuccess:
		op.Attempts++
		c.gov.recordSuccess(now)
		c.finish(op, StatusSucceeded, ReasonNone)
		c.recordAudit(op, now, OutcomeSucceeded, v.Code, v.Detail)

	case ClassRejected:
		op.Attempts++
		c.gov.recordSuccess(now)
		c.finish(op, StatusFailed, ReasonNone)
		c.recordAudit(op, now, OutcomeFailed, v.Code, v.Detail)

	case ClassInvalidTarget:
		op.Attempts++
		c.gov.recordSuccess(now)
		c.finish(op, StatusAbandoned, ReasonInvalidTarget)
		c.recordAudit(op, now, OutcomeAbandoned, v.Code, v.Detail)
		c.recordRemoval(op, now)

	case ClassRetryable:
		op.Attempts++

		if op.Attempts >= cfg.MaxAttempts {
			c.finish(op, StatusAbandoned, ReasonRetriesExhausted)
			c.recordAudit(op, now, OutcomeAbandoned, v.Code, v.Detail)
			c.logger.Warn("operation abandoned after exhausting retries",
				slog.String("operation_id", op.ID),
				slog.String("batch_id", op.BatchID),
				slog.String("target", op.Target),
				slog.Int("attempts", op.Attempts),
				slog.String("last_error", v.Detail),
			)

			break
		}

		c.requeue(ctx, op, now, now.Add(cfg.retryDelay(op.Attempts)), OutcomeRetryScheduled, v)

	case ClassRateLimited:
		c.gov.widen(now, v.RetryAfter)
		c.requeue(ctx, op, now, time.Time{}, OutcomeRateLimited, v)

	case ClassAuth:
		if !op.authRetried {
			op.authRetried = true
			c.requeue(ctx, op, now, time.Time{}, OutcomeAuthRetry, v)

			break
		}

		op.authRetried = false
		pauseErr = &session.AuthError{
			Attempts: 2,
			Err:      fmt.Errorf("provider rejected a freshly acquired session: %s", v.Detail),
		}
		c.pause(pauseErr)
		c.requeue(ctx, op, now, time.Time{}, OutcomeAuthFatal, v)
	}

	c.metrics.recordPacing(ctx, c.gov.current)

	if b := c.batches[op.BatchID]; b != nil && op.Status.Terminal() {
		c.report(ctx, b)
	}

	c.mu.Unlock()

	if pauseErr != nil {
		c.notifyPause(pauseErr)
	}
}

// requeue returns op to Pending with the given eligibility, or abandons it
// if its batch was cancelled while it was in flight. outcome is the audit
// outcome of the dispatch that led here; empty when no dispatch happened.
// Caller holds c.mu.
func (c *Coordinator) requeue(ctx context.Context, op *Operation, now, eligibleAt time.Time, outcome Outcome, v Verdict) {
	if b := c.batches[op.BatchID]; b != nil && b.cancelled {
		detail := "batch cancelled"
		if outcome != "" {
			detail = fmt.Sprintf("%s after %s", detail, outcome)
		}

		c.finish(op, StatusAbandoned, ReasonCancelled)
		c.recordAudit(op, now, OutcomeCancelled, v.Code, detail)

		return
	}

	op.Status = StatusPending
	op.NextEligibleAt = eligibleAt
	c.queue.push(op)
	c.metrics.addPending(ctx, 1)

	if outcome != "" {
		c.recordAudit(op, now, outcome, v.Code, v.Detail)
	}
}

// completeDuplicate finishes an operation whose request already succeeded.
func (c *Coordinator) completeDuplicate(ctx context.Context, op *Operation) {
	c.mu.Lock()
	now := c.nowFunc()
	c.inFlight = nil
	c.finish(op, StatusSucceeded, ReasonNone)
	op.Detail = "already completed within dedupe window"
	c.recordAudit(op, now, OutcomeDuplicate, 0, op.Detail)

	if b := c.batches[op.BatchID]; b != nil {
		c.report(ctx, b)
	}
	c.mu.Unlock()
}

// sessionUnavailable puts op back without penalty. Unless the loop is
// shutting down, a session failure is fatal and pauses dispatch.
func (c *Coordinator) sessionUnavailable(ctx context.Context, op *Operation, err error) {
	shutdown := ctx.Err() != nil
	bg := context.WithoutCancel(ctx)

	c.mu.Lock()
	c.inFlight = nil

	if !shutdown {
		c.pause(err)
	}

	c.requeue(bg, op, c.nowFunc(), time.Time{}, "", Verdict{})

	if b := c.batches[op.BatchID]; b != nil && op.Status.Terminal() {
		c.report(bg, b)
	}
	c.mu.Unlock()

	if !shutdown {
		c.notifyPause(err)
	}
}

// pause stops dispatch until Resume. Caller holds c.mu.
func (c *Coordinator) pause(err error) {
	c.paused = true
	c.pauseErr = err

	c.logger.Error("dispatch paused on authentication failure",
		slog.Int("pending", c.queue.len()),
		slog.String("error", err.Error()),
	)
}

func (c *Coordinator) notifyPause(err error) {
	if c.onPause != nil {
		c.onPause(err)
	}
}

// recordRemoval emits a removal entry the first time an identity is found
// invalid. Caller holds c.mu.
func (c *Coordinator) recordRemoval(op *Operation, now time.Time) {
	entry := RemovalEntry{
		Target:      op.Target,
		Reason:      string(ReasonInvalidTarget),
		Timestamp:   now,
		BatchID:     op.BatchID,
		OperationID: op.ID,
	}

	if b := c.batches[op.BatchID]; b != nil {
		b.removals = append(b.removals, entry)
	}

	if c.removed[op.Target] {
		return
	}

	c.removed[op.Target] = true
	c.out.removals = append(c.out.removals, entry)
}
