package coordinator

import (
	"context"
	"log/slog"
	"time"
)

// batch is the coordinator's record of a submitted batch. Guarded by the
// coordinator's mutex.
type batch struct {
	id          string
	callerTag   string
	kind        Kind
	ops         []*Operation
	submittedAt time.Time
	cancelled   bool

	// reported is the index of the next operation to report. Events go out
	// strictly in submission order, so a finished operation waits behind an
	// earlier one that is still pending.
	reported int
	events   []Event
	subs     []chan Event
	removals []RemovalEntry
}

// completedBatch is what remains of a batch after its summary was emitted.
type completedBatch struct {
	summary Summary
	events  []Event
}

// subscribe returns a channel that first replays every event already
// emitted. The buffer holds one event per operation plus the summary, so
// emit never blocks.
func (b *batch) subscribe() <-chan Event {
	ch := make(chan Event, len(b.ops)+1)

	for _, ev := range b.events {
		ch <- ev
	}

	b.subs = append(b.subs, ch)

	return ch
}

func (b *batch) emit(ev Event) {
	b.events = append(b.events, ev)

	for _, ch := range b.subs {
		ch <- ev
	}
}

// report emits progress for every newly-terminal operation at the head of
// the batch and, once all are terminal, the summary. Returns true when the
// batch completed. Caller holds c.mu.
func (c *Coordinator) report(ctx context.Context, b *batch) bool {
	for b.reported < len(b.ops) && b.ops[b.reported].Status.Terminal() {
		st := b.ops[b.reported].snapshot()
		b.emit(Event{Type: EventProgress, BatchID: b.id, Operation: &st})
		b.reported++
	}

	if b.reported < len(b.ops) {
		return false
	}

	sum := c.summarize(b)
	b.emit(Event{Type: EventSummary, BatchID: b.id, Summary: &sum})

	for _, ch := range b.subs {
		close(ch)
	}

	b.subs = nil

	delete(c.batches, b.id)
	c.retain(b.id, completedBatch{summary: sum, events: b.events})
	c.metrics.recordBatch(ctx, b.kind, sum.CompletedAt.Sub(b.submittedAt), b.cancelled)

	c.logger.Info("batch complete",
		slog.String("batch_id", b.id),
		slog.String("caller_tag", b.callerTag),
		slog.Int("succeeded", sum.Succeeded),
		slog.Int("failed", sum.Failed),
		slog.Int("abandoned", sum.Abandoned),
		slog.Int("cancelled", sum.Cancels),
		slog.Int("removals", len(sum.Removals)),
	)

	return true
}

func (c *Coordinator) summarize(b *batch) Summary {
	sum := Summary{
		BatchID:     b.id,
		CallerTag:   b.callerTag,
		Kind:        b.kind,
		SubmittedAt: b.submittedAt,
		CompletedAt: c.nowFunc(),
		Cancelled:   b.cancelled,
		Total:       len(b.ops),
		Removals:    append([]RemovalEntry{}, b.removals...),
	}

	for _, op := range b.ops {
		switch {
		case op.Status == StatusSucceeded:
			sum.Succeeded++
			continue
		case op.Status == StatusFailed:
			sum.Failed++
		case op.Reason == ReasonCancelled:
			sum.Cancels++
		default:
			sum.Abandoned++
		}

		sum.Failures = append(sum.Failures, op.snapshot())
	}

	return sum
}

// retain stores a completed batch, evicting the oldest beyond the
// retention limit. Caller holds c.mu.
func (c *Coordinator) retain(id string, cb completedBatch) {
	c.completed[id] = cb
	c.completedOrder = append(c.completedOrder, id)

	for len(c.completedOrder) > c.cfg.SummaryRetention {
		delete(c.completed, c.completedOrder[0])
		c.completedOrder = c.completedOrder[1:]
	}
}
