package coordinator

import (
	"errors"
	"time"
)

// Errors returned by the submission API.
var (
	ErrQueueOverflow  = errors.New("coordinator: pending queue is full")
	ErrUnknownBatch   = errors.New("coordinator: unknown batch")
	ErrInvalidRequest = errors.New("coordinator: invalid request")
	ErrPaused         = errors.New("coordinator: dispatch paused")
	ErrRunning        = errors.New("coordinator: already running")
)

// Kind identifies the provider call an operation performs.
type Kind string

// Operation kinds.
const (
	KindMemberAdd    Kind = "member_add"
	KindControlCheck Kind = "control_check"
	KindGiftRedeem   Kind = "gift_redeem"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMemberAdd, KindControlCheck, KindGiftRedeem:
		return true
	default:
		return false
	}
}

// sideEffecting reports whether a successful call changes provider state.
// Only these kinds are collapsed by the completed-request index; a control
// check is a read and always dispatches.
func (k Kind) sideEffecting() bool {
	return k == KindMemberAdd || k == KindGiftRedeem
}

// Status is the lifecycle state of an operation.
type Status string

// Operation statuses. Succeeded, Failed and Abandoned are terminal.
const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAbandoned
}

// AbandonReason explains why an operation was abandoned.
type AbandonReason string

// Abandon reasons. ReasonCancelled is distinct from the provider-classified
// reasons so summaries can tell them apart.
const (
	ReasonNone             AbandonReason = ""
	ReasonInvalidTarget    AbandonReason = "invalid_target"
	ReasonRetriesExhausted AbandonReason = "retries_exhausted"
	ReasonCancelled        AbandonReason = "cancelled"
)

// Operation is one unit of work against the provider. The coordinator owns
// every Operation; callers only ever see OperationStatus snapshots.
type Operation struct {
	ID             string
	Kind           Kind
	Target         string
	Payload        string
	BatchID        string
	Status         Status
	Reason         AbandonReason
	Attempts       int
	NextEligibleAt time.Time
	LastCode       int
	Detail         string

	seq         uint64
	priority    int
	dispatches  int
	authRetried bool
}

func (op *Operation) snapshot() OperationStatus {
	return OperationStatus{
		ID:       op.ID,
		Target:   op.Target,
		Payload:  op.Payload,
		Status:   op.Status,
		Reason:   op.Reason,
		Attempts: op.Attempts,
		Code:     op.LastCode,
		Detail:   op.Detail,
	}
}

// OperationStatus is an immutable view of an operation reported to callers.
type OperationStatus struct {
	ID       string        `json:"id"`
	Target   string        `json:"target"`
	Payload  string        `json:"payload,omitempty"`
	Status   Status        `json:"status"`
	Reason   AbandonReason `json:"reason,omitempty"`
	Attempts int           `json:"attempts"`
	Code     int           `json:"code,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// RemovalEntry signals that an identity no longer exists on the provider
// and should be scrubbed from the caller's own store.
type RemovalEntry struct {
	Target      string    `json:"target"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
	BatchID     string    `json:"batch_id"`
	OperationID string    `json:"operation_id"`
}

// Request is a batch submission.
type Request struct {
	Kind    Kind
	Targets []string
	// Payloads, when set, carries one payload per target. Otherwise Payload
	// applies to every target.
	Payloads  []string
	Payload   string
	CallerTag string
	Priority  int
}

// Summary is the final report for a batch.
type Summary struct {
	BatchID     string            `json:"batch_id"`
	CallerTag   string            `json:"caller_tag"`
	Kind        Kind              `json:"kind"`
	SubmittedAt time.Time         `json:"submitted_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Cancelled   bool              `json:"cancelled"`
	Total       int               `json:"total"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Abandoned   int               `json:"abandoned"`
	Cancels     int               `json:"cancelled_operations"`
	Removals    []RemovalEntry    `json:"removals"`
	Failures    []OperationStatus `json:"failures,omitempty"`
}

// EventType distinguishes progress events from the final summary.
type EventType string

// Event types.
const (
	EventProgress EventType = "progress"
	EventSummary  EventType = "summary"
)

// Event is delivered to batch subscribers.
type Event struct {
	Type      EventType        `json:"type"`
	BatchID   string           `json:"batch_id"`
	Operation *OperationStatus `json:"operation,omitempty"`
	Summary   *Summary         `json:"summary,omitempty"`
}

// BatchHandle identifies a submitted batch.
type BatchHandle struct {
	ID           string
	OperationIDs []string

	c *Coordinator
}

// Cancel cancels the batch.
func (h *BatchHandle) Cancel() error {
	return h.c.Cancel(h.ID)
}

// Subscribe returns the batch's event stream.
func (h *BatchHandle) Subscribe() (<-chan Event, error) {
	return h.c.Subscribe(h.ID)
}

// State is a point-in-time view of the coordinator.
type State struct {
	Running        bool             `json:"running"`
	Paused         bool             `json:"paused"`
	PauseCause     string           `json:"pause_cause,omitempty"`
	Pending        int              `json:"pending"`
	InFlight       *OperationStatus `json:"in_flight,omitempty"`
	PacingInterval time.Duration    `json:"pacing_interval"`
	OpenBatches    int              `json:"open_batches"`
	Dispatched     uint64           `json:"dispatched"`
}
