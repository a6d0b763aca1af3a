package coordinator

import (
	"cmp"
	"slices"
	"time"
)

// opQueue holds Pending operations ordered by priority (highest first), then
// submission sequence. A requeued operation keeps its original sequence, so
// a retry returns to its FIFO position rather than the tail.
//
// Not safe for concurrent use; the coordinator's mutex guards it.
type opQueue struct {
	items []*Operation
}

func (q *opQueue) len() int {
	return len(q.items)
}

func before(a, b *Operation) int {
	if a.priority != b.priority {
		return cmp.Compare(b.priority, a.priority)
	}

	return cmp.Compare(a.seq, b.seq)
}

func (q *opQueue) push(op *Operation) {
	i, _ := slices.BinarySearchFunc(q.items, op, before)
	q.items = slices.Insert(q.items, i, op)
}

// next removes and returns the first operation eligible at now. When none is
// eligible it returns nil and the earliest NextEligibleAt among the queued
// operations (zero if the queue is empty).
func (q *opQueue) next(now time.Time) (*Operation, time.Time) {
	var earliest time.Time

	for i, op := range q.items {
		if !op.NextEligibleAt.After(now) {
			q.items = slices.Delete(q.items, i, i+1)
			return op, time.Time{}
		}

		if earliest.IsZero() || op.NextEligibleAt.Before(earliest) {
			earliest = op.NextEligibleAt
		}
	}

	return nil, earliest
}

// removeBatch removes and returns every queued operation of the batch, in
// queue order.
func (q *opQueue) removeBatch(batchID string) []*Operation {
	var removed []*Operation

	q.items = slices.DeleteFunc(q.items, func(op *Operation) bool {
		if op.BatchID == batchID {
			removed = append(removed, op)
			return true
		}

		return false
	})

	return removed
}
