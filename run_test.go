package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
	"github.com/theycallmek/kingshot-coordinator/internal/provider"
	"github.com/theycallmek/kingshot-coordinator/internal/session"
)

// slowProvider succeeds after delay.
type slowProvider struct {
	delay time.Duration
	calls atomic.Int32
}

func (p *slowProvider) Execute(ctx context.Context, _ string, _ provider.Call) (*provider.Response, error) {
	p.calls.Add(1)

	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &provider.Response{StatusCode: 200, Message: "success"}, nil
}

type okSessions struct{}

func (okSessions) Acquire(context.Context) (session.Session, error) {
	return session.Session{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (okSessions) Invalidate() {}

func testCoordinatorConfig() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.PacingInterval = 20 * time.Millisecond
	cfg.MaxPacingInterval = 40 * time.Millisecond
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.RetryMaxBackoff = 20 * time.Millisecond

	return cfg
}

func TestExecuteBatches_RendersEveryBatch(t *testing.T) {
	t.Parallel()

	p := &slowProvider{}

	coord, err := coordinator.New(testCoordinatorConfig(), p, okSessions{})
	require.NoError(t, err)

	var buf bytes.Buffer

	summaries, err := executeBatches(context.Background(), coord, []coordinator.Request{
		{Kind: coordinator.KindMemberAdd, Targets: []string{"1", "2"}, CallerTag: "a"},
		{Kind: coordinator.KindControlCheck, Targets: []string{"3"}},
	}, nil, newRenderer(&buf, true), slog.Default())
	require.NoError(t, err)

	require.Len(t, summaries, 2)
	assert.Equal(t, int32(3), p.calls.Load())

	lines := jsonLines(t, buf.String())
	require.Len(t, lines, 5)

	tags := map[string]int{}
	for _, l := range lines {
		tags[l["caller_tag"].(string)]++
	}

	assert.Equal(t, 3, tags["a"])
	assert.Equal(t, 2, tags["control_check"], "untagged batches are labelled by kind")
	assert.False(t, coord.Status().Running)
}

func TestExecuteBatches_InvalidRequestCancelsEarlierBatches(t *testing.T) {
	t.Parallel()

	coord, err := coordinator.New(testCoordinatorConfig(), &slowProvider{}, okSessions{})
	require.NoError(t, err)

	_, err = executeBatches(context.Background(), coord, []coordinator.Request{
		{Kind: coordinator.KindMemberAdd, Targets: []string{"1"}},
		{Kind: coordinator.KindGiftRedeem, Targets: []string{"2"}},
	}, nil, newRenderer(&bytes.Buffer{}, true), slog.Default())

	require.ErrorIs(t, err, coordinator.ErrInvalidRequest)
	assert.Zero(t, coord.Status().Pending)
	assert.Zero(t, coord.Status().OpenBatches)
}

func TestExecuteBatches_ShutdownCancelsRemainingWork(t *testing.T) {
	t.Parallel()

	p := &slowProvider{delay: 300 * time.Millisecond}

	coord, err := coordinator.New(testCoordinatorConfig(), p, okSessions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Interrupt once the first call is in flight.
	go func() {
		for p.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}

		cancel()
	}()

	var buf bytes.Buffer

	summaries, err := executeBatches(ctx, coord, []coordinator.Request{
		{Kind: coordinator.KindMemberAdd, Targets: []string{"1", "2", "3", "4", "5"}},
	}, nil, newRenderer(&buf, true), slog.Default())
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, summaries, 1)
	sum := summaries[0]
	assert.True(t, sum.Cancelled)
	assert.Equal(t, 5, sum.Total)
	assert.Equal(t, 1, sum.Succeeded, "the in-flight call finishes")
	assert.Equal(t, 4, sum.Cancels)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestExecuteBatches_PauseCancelsAndReports(t *testing.T) {
	t.Parallel()

	pauses := make(chan error, 1)
	authErr := &session.AuthError{Attempts: 2, Err: errors.New("token rejected")}

	coord, err := coordinator.New(testCoordinatorConfig(), &slowProvider{}, okSessions{})
	require.NoError(t, err)

	pauses <- authErr

	summaries, err := executeBatches(context.Background(), coord, []coordinator.Request{
		{Kind: coordinator.KindMemberAdd, Targets: []string{"1", "2"}},
	}, pauses, newRenderer(&bytes.Buffer{}, true), slog.Default())

	require.ErrorIs(t, err, session.ErrAuth)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].Total)
}

func TestHumanRenderer(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	r := &humanRenderer{w: &buf, nowFunc: func() time.Time {
		return time.Date(2026, time.October, 19, 9, 30, 0, 0, time.Local)
	}}

	require.NoError(t, r.Render("roster", coordinator.Event{
		Type: coordinator.EventProgress,
		Operation: &coordinator.OperationStatus{
			Target: "404",
			Status: coordinator.StatusAbandoned,
			Reason: coordinator.ReasonInvalidTarget,
			Code:   40001,
			Detail: "role not exist.",
		},
	}))

	require.NoError(t, r.Render("roster", coordinator.Event{
		Type: coordinator.EventSummary,
		Summary: &coordinator.Summary{
			BatchID:   "b1",
			Total:     2,
			Succeeded: 1,
			Abandoned: 1,
			Removals:  []coordinator.RemovalEntry{{Target: "404", Reason: "invalid_target"}},
		},
	}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "09:30:00 [roster] 404 abandoned (invalid_target) code=40001: role not exist.", lines[0])
	assert.Equal(t, "[roster] batch b1 complete: 1/2 succeeded, 0 failed, 1 abandoned, 0 cancelled", lines[1])
	assert.Equal(t, "  remove 404 (invalid_target)", lines[2])
}

func TestIsTerminal_NonFile(t *testing.T) {
	t.Parallel()

	assert.False(t, isTerminal(&bytes.Buffer{}))
}
