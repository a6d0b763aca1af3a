package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theycallmek/kingshot-coordinator/internal/provider"
	"github.com/theycallmek/kingshot-coordinator/internal/session"
)

// fakeClock advances only when the dispatch loop waits, so pacing is
// observable without real sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now

	return ch
}

type dispatchRecord struct {
	at   time.Time
	call provider.Call
}

// fakeProvider records every call and answers from script, which receives
// the 1-based call number.
type fakeProvider struct {
	mu     sync.Mutex
	clock  *fakeClock
	calls  []dispatchRecord
	script func(ctx context.Context, n int, call provider.Call) (*provider.Response, error)
}

func (p *fakeProvider) Execute(ctx context.Context, _ string, call provider.Call) (*provider.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, dispatchRecord{at: p.clock.Now(), call: call})
	n := len(p.calls)
	script := p.script
	p.mu.Unlock()

	if script == nil {
		return ok(), nil
	}

	return script(ctx, n, call)
}

func (p *fakeProvider) dispatches() []dispatchRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]dispatchRecord{}, p.calls...)
}

func ok() *provider.Response {
	return &provider.Response{StatusCode: 200, Code: 0, Message: "success"}
}

func code(c int) *provider.Response {
	return &provider.Response{StatusCode: 200, Code: c, Message: "provider says no"}
}

type fakeSessions struct {
	mu            sync.Mutex
	err           error
	acquires      int
	invalidations int
}

func (s *fakeSessions) Acquire(context.Context) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acquires++
	if s.err != nil {
		return session.Session{}, s.err
	}

	return session.Session{Token: "tok"}, nil
}

func (s *fakeSessions) Invalidate() {
	s.mu.Lock()
	s.invalidations++
	s.mu.Unlock()
}

func (s *fakeSessions) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type harness struct {
	c        *Coordinator
	clock    *fakeClock
	prov     *fakeProvider
	sessions *fakeSessions
	sink     *MemorySink
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PacingInterval = 2 * time.Second
	cfg.RateLimitCooldown = 10 * time.Second
	cfg.RetryBackoff = 5 * time.Second
	cfg.RetryMaxBackoff = 20 * time.Second
	cfg.MaxAttempts = 3
	cfg.OperationTimeout = time.Second

	return cfg
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	clock := &fakeClock{now: t0}
	h := &harness{
		clock:    clock,
		prov:     &fakeProvider{clock: clock},
		sessions: &fakeSessions{},
		sink:     &MemorySink{},
	}

	opts = append([]Option{WithAuditSink(h.sink), WithRemovalSink(h.sink)}, opts...)

	c, err := New(cfg, h.prov, h.sessions, opts...)
	require.NoError(t, err)

	c.nowFunc = clock.Now
	c.afterFunc = clock.After
	h.c = c

	return h
}

// start runs the dispatch loop until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		assert.NoError(t, h.c.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) submit(t *testing.T, req Request) *BatchHandle {
	t.Helper()

	if req.CallerTag == "" {
		req.CallerTag = "test"
	}

	handle, err := h.c.Submit(context.Background(), req)
	require.NoError(t, err)

	return handle
}

// collect reads a subscription to completion and returns its events.
func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()

	var events []Event

	timeout := time.After(5 * time.Second)

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return events
			}

			events = append(events, ev)
		case <-timeout:
			require.FailNow(t, "timed out waiting for batch summary")
		}
	}
}

func summaryOf(t *testing.T, events []Event) Summary {
	t.Helper()

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventSummary, last.Type)
	require.NotNil(t, last.Summary)

	return *last.Summary
}

func (h *harness) runBatch(t *testing.T, req Request) Summary {
	t.Helper()

	handle := h.submit(t, req)
	ch, err := handle.Subscribe()
	require.NoError(t, err)

	return summaryOf(t, collect(t, ch))
}

func gaps(records []dispatchRecord) []time.Duration {
	var out []time.Duration
	for i := 1; i < len(records); i++ {
		out = append(out, records[i].at.Sub(records[i-1].at))
	}

	return out
}

// waitRecords waits for the sink to hold n records. The final dispatch's
// records are flushed just after its summary is emitted.
func waitRecords(t *testing.T, sink *MemorySink, n int) []AuditRecord {
	t.Helper()

	require.Eventually(t, func() bool { return len(sink.Records()) >= n }, 5*time.Second, time.Millisecond)

	return sink.Records()
}

func outcomes(records []AuditRecord) []Outcome {
	out := make([]Outcome, len(records))
	for i, r := range records {
		out[i] = r.Outcome
	}

	return out
}

func TestScenarioA_PacedSuccesses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.start(t)

	sum := h.runBatch(t, Request{
		Kind:    KindMemberAdd,
		Targets: []string{"1", "2", "3", "4", "5"},
	})

	assert.Equal(t, 5, sum.Succeeded)
	assert.Zero(t, sum.Abandoned)

	calls := h.prov.dispatches()
	require.Len(t, calls, 5)

	for _, gap := range gaps(calls) {
		assert.GreaterOrEqual(t, gap, 2*time.Second)
	}

	assert.GreaterOrEqual(t, calls[4].at.Sub(calls[0].at), 8*time.Second)

	recs := waitRecords(t, h.sink, 5)
	assert.Len(t, recs, 5)
	assert.Equal(t, []Outcome{
		OutcomeSucceeded, OutcomeSucceeded, OutcomeSucceeded, OutcomeSucceeded, OutcomeSucceeded,
	}, outcomes(recs))
}

func TestScenarioB_InvalidTargetRemoval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.prov.script = func(_ context.Context, _ int, call provider.Call) (*provider.Response, error) {
		if call.Target == "gone" {
			return code(40001), nil
		}

		return ok(), nil
	}
	h.start(t)

	sum := h.runBatch(t, Request{
		Kind:    KindControlCheck,
		Targets: []string{"a", "gone", "c"},
	})

	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Abandoned)
	require.Len(t, sum.Removals, 1)
	assert.Equal(t, "gone", sum.Removals[0].Target)

	require.Len(t, sum.Failures, 1)
	assert.Equal(t, ReasonInvalidTarget, sum.Failures[0].Reason)
	assert.Equal(t, 40001, sum.Failures[0].Code)

	removals := h.sink.Removals()
	require.Len(t, removals, 1)
	assert.Equal(t, "gone", removals[0].Target)
	assert.Equal(t, sum.BatchID, removals[0].BatchID)
}

func TestScenarioC_RateLimitWidensThenDecays(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.prov.script = func(_ context.Context, n int, _ provider.Call) (*provider.Response, error) {
		if n == 2 {
			return nil, &provider.Error{StatusCode: 429, Err: provider.ErrThrottled}
		}

		return ok(), nil
	}
	h.start(t)

	sum := h.runBatch(t, Request{
		Kind:    KindMemberAdd,
		Targets: []string{"1", "2", "3", "4", "5", "6"},
	})
	assert.Equal(t, 6, sum.Succeeded)

	calls := h.prov.dispatches()
	require.Len(t, calls, 7)

	// 1, 2 (limited), 2 again, 3, 4 (decays), 5, 6.
	assert.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
		2 * time.Second,
	}, gaps(calls))
	assert.Equal(t, "2", calls[2].call.Target)

	assert.Equal(t, 2*time.Second, h.c.Status().PacingInterval)

	assert.Empty(t, sum.Failures)

	assert.Contains(t, outcomes(h.sink.Records()), OutcomeRateLimited)
}

func TestScenarioD_CancelMidBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())

	var handle *BatchHandle

	h.prov.script = func(_ context.Context, n int, _ provider.Call) (*provider.Response, error) {
		if n == 2 {
			assert.NoError(t, handle.Cancel())
		}

		return ok(), nil
	}

	handle = h.submit(t, Request{
		Kind:    KindGiftRedeem,
		Targets: []string{"1", "2", "3", "4", "5"},
		Payload: "SPRING26",
	})
	ch, err := handle.Subscribe()
	require.NoError(t, err)

	h.start(t)

	sum := summaryOf(t, collect(t, ch))

	assert.True(t, sum.Cancelled)
	assert.Equal(t, 2, sum.Succeeded, "the in-flight operation completes normally")
	assert.Equal(t, 3, sum.Cancels)
	assert.Zero(t, sum.Abandoned, "cancellation is not a provider-classified abandonment")
	assert.Len(t, h.prov.dispatches(), 2)

	for _, f := range sum.Failures {
		assert.Equal(t, ReasonCancelled, f.Reason)
		assert.Zero(t, f.Attempts)
	}
}

func TestFIFOAcrossBatches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())

	a := h.submit(t, Request{Kind: KindControlCheck, Targets: []string{"a1", "a2"}})
	b := h.submit(t, Request{Kind: KindControlCheck, Targets: []string{"b1", "b2"}})
	urgent := h.submit(t, Request{Kind: KindControlCheck, Targets: []string{"u1"}, Priority: 10})

	chans := make([]<-chan Event, 0, 3)
	for _, handle := range []*BatchHandle{a, b, urgent} {
		ch, err := handle.Subscribe()
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	h.start(t)

	for _, ch := range chans {
		collect(t, ch)
	}

	var order []string
	for _, d := range h.prov.dispatches() {
		order = append(order, d.call.Target)
	}

	assert.Equal(t, []string{"u1", "a1", "a2", "b1", "b2"}, order)
}

func TestRetryableThenSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.prov.script = func(_ context.Context, n int, _ provider.Call) (*provider.Response, error) {
		if n <= 2 {
			return nil, &provider.Error{StatusCode: 503, Err: provider.ErrServerError}
		}

		return ok(), nil
	}
	h.start(t)

	sum := h.runBatch(t, Request{Kind: KindMemberAdd, Targets: []string{"1"}})
	assert.Equal(t, 1, sum.Succeeded)

	calls := h.prov.dispatches()
	require.Len(t, calls, 3)

	g := gaps(calls)
	assert.GreaterOrEqual(t, g[0], 5*time.Second, "first retry waits the base backoff")
	assert.GreaterOrEqual(t, g[1], 10*time.Second, "second retry doubles it")

	assert.Equal(t, []Outcome{OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeSucceeded},
		outcomes(waitRecords(t, h.sink, 3)))
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.prov.script = func(context.Context, int, provider.Call) (*provider.Response, error) {
		return nil, errors.New("connection reset")
	}
	h.start(t)

	sum := h.runBatch(t, Request{Kind: KindMemberAdd, Targets: []string{"1"}})

	assert.Equal(t, 1, sum.Abandoned)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, ReasonRetriesExhausted, sum.Failures[0].Reason)
	assert.Equal(t, 3, sum.Failures[0].Attempts)
	assert.Len(t, h.prov.dispatches(), 3)
	assert.Empty(t, h.sink.Removals())
}

func TestRejectedIsFailedWithoutRemoval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.prov.script = func(context.Context, int, provider.Call) (*provider.Response, error) {
		return code(40007), nil
	}
	h.start(t)

	sum := h.runBatch(t, Request{Kind: KindGiftRedeem, Targets: []string{"1"}, Payload: "OLD"})

	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, sum.Abandoned)
	assert.Empty(t, sum.Removals)
	assert.Len(t, h.prov.dispatches(), 1)
}

func TestOperationTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OperationTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2

	h := newHarness(t, cfg)
	h.prov.script = func(ctx context.Context, n int, _ provider.Call) (*provider.Response, error) {
		if n == 1 {
			// An unresponsive provider; only the operation timeout frees it.
			<-ctx.Done()
			return nil, ctx.Err()
		}

		return ok(), nil
	}
	h.start(t)

	sum := h.runBatch(t, Request{Kind: KindMemberAdd, Targets: []string{"1"}})
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, []Outcome{OutcomeRetryScheduled, OutcomeSucceeded}, outcomes(waitRecords(t, h.sink, 2)))
}

func TestAuthRetryOnceThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.prov.script = func(_ context.Context, n int, _ provider.Call) (*provider.Response, error) {
		if n == 1 {
			return nil, &provider.Error{StatusCode: 401, Err: provider.ErrUnauthorized}
		}

		return ok(), nil
	}
	h.start(t)

	sum := h.runBatch(t, Request{Kind: KindMemberAdd, Targets: []string{"1"}})
	assert.Equal(t, 1, sum.Succeeded)

	h.sessions.mu.Lock()
	assert.Equal(t, 1, h.sessions.invalidations)
	h.sessions.mu.Unlock()

	assert.Equal(t, []Outcome{OutcomeAuthRetry, OutcomeSucceeded}, outcomes(waitRecords(t, h.sink, 2)))
	assert.False(t, h.c.Status().Paused)
}

func TestAuthRetryResetsAfterAcceptedSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.prov.script = func(_ context.Context, n int, _ provider.Call) (*provider.Response, error) {
		switch n {
		case 1, 3:
			return nil, &provider.Error{StatusCode: 401, Err: provider.ErrUnauthorized}
		case 2:
			return nil, &provider.Error{StatusCode: 503, Err: provider.ErrServerError}
		}

		return ok(), nil
	}
	h.start(t)

	sum := h.runBatch(t, Request{Kind: KindMemberAdd, Targets: []string{"1"}})
	assert.Equal(t, 1, sum.Succeeded)

	h.sessions.mu.Lock()
	assert.Equal(t, 2, h.sessions.invalidations)
	h.sessions.mu.Unlock()

	assert.Equal(t,
		[]Outcome{OutcomeAuthRetry, OutcomeRetryScheduled, OutcomeAuthRetry, OutcomeSucceeded},
		outcomes(waitRecords(t, h.sink, 4)),
	)
	assert.False(t, h.c.Status().Paused)
	assert.Len(t, h.prov.dispatches(), 4)
}

func TestAuthFailureTwicePausesUntilResume(t *testing.T) {
	t.Parallel()

	paused := make(chan error, 1)

	h := newHarness(t, testConfig(), WithPauseHandler(func(err error) { paused <- err }))

	var mu sync.Mutex
	reject := true
	h.prov.script = func(context.Context, int, provider.Call) (*provider.Response, error) {
		mu.Lock()
		defer mu.Unlock()

		if reject {
			return nil, &provider.Error{StatusCode: 401, Err: provider.ErrUnauthorized}
		}

		return ok(), nil
	}

	handle := h.submit(t, Request{Kind: KindMemberAdd, Targets: []string{"1", "2"}})
	ch, err := handle.Subscribe()
	require.NoError(t, err)

	h.start(t)

	select {
	case err := <-paused:
		assert.ErrorIs(t, err, session.ErrAuth)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "dispatch never paused")
	}

	st := h.c.Status()
	assert.True(t, st.Paused)
	assert.NotEmpty(t, st.PauseCause)
	assert.Equal(t, 2, st.Pending, "no operation is dropped while paused")
	require.ErrorIs(t, h.c.Err(), ErrPaused)

	mu.Lock()
	reject = false
	mu.Unlock()

	h.c.Resume()

	sum := summaryOf(t, collect(t, ch))
	assert.Equal(t, 2, sum.Succeeded)
	assert.NoError(t, h.c.Err())
}

func TestSessionFailurePausesWithoutDispatch(t *testing.T) {
	t.Parallel()

	paused := make(chan error, 1)
	h := newHarness(t, testConfig(), WithPauseHandler(func(err error) { paused <- err }))
	h.sessions.setErr(&session.AuthError{Attempts: 3, Err: errors.New("bad secret")})

	handle := h.submit(t, Request{Kind: KindMemberAdd, Targets: []string{"1"}})
	ch, err := handle.Subscribe()
	require.NoError(t, err)

	h.start(t)

	select {
	case err := <-paused:
		var authErr *session.AuthError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, 3, authErr.Attempts)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "dispatch never paused")
	}

	assert.Empty(t, h.prov.dispatches())
	assert.Equal(t, 1, h.c.Status().Pending)

	h.sessions.setErr(nil)
	h.c.Resume()

	sum := summaryOf(t, collect(t, ch))
	assert.Equal(t, 1, sum.Succeeded)
	assert.Len(t, h.prov.dispatches(), 1)
}

func TestIdempotentResubmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.start(t)

	first := h.runBatch(t, Request{Kind: KindGiftRedeem, Targets: []string{"1"}, Payload: "CODE"})
	assert.Equal(t, 1, first.Succeeded)

	second := h.runBatch(t, Request{Kind: KindGiftRedeem, Targets: []string{"1"}, Payload: "CODE"})
	assert.Equal(t, 1, second.Succeeded)

	assert.Len(t, h.prov.dispatches(), 1, "a completed request is never sent twice")
	assert.Equal(t, []Outcome{OutcomeSucceeded, OutcomeDuplicate}, outcomes(waitRecords(t, h.sink, 2)))

	other := h.runBatch(t, Request{Kind: KindGiftRedeem, Targets: []string{"1"}, Payload: "OTHER"})
	assert.Equal(t, 1, other.Succeeded)
	assert.Len(t, h.prov.dispatches(), 2, "a different payload is a different request")
}

func TestResubmissionWithPaddedPayloadIsDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.start(t)

	h.runBatch(t, Request{Kind: KindGiftRedeem, Targets: []string{"1"}, Payload: "ABC"})
	padded := h.runBatch(t, Request{Kind: KindGiftRedeem, Targets: []string{"1"}, Payload: " ABC "})
	assert.Equal(t, 1, padded.Succeeded)

	calls := h.prov.dispatches()
	require.Len(t, calls, 1, "surrounding whitespace does not make a new request")
	assert.Equal(t, "ABC", calls[0].call.Payload)
	assert.Equal(t, []Outcome{OutcomeSucceeded, OutcomeDuplicate}, outcomes(waitRecords(t, h.sink, 2)))
}

func TestDuplicatesWithinQueueCollapse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.start(t)

	sum := h.runBatch(t, Request{
		Kind:    KindMemberAdd,
		Targets: []string{"42", "４２", "7"},
	})

	assert.Equal(t, 3, sum.Succeeded)
	assert.Len(t, h.prov.dispatches(), 2)
}

func TestControlCheckIsNeverDeduplicated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.start(t)

	h.runBatch(t, Request{Kind: KindControlCheck, Targets: []string{"1"}})
	h.runBatch(t, Request{Kind: KindControlCheck, Targets: []string{"1"}})

	assert.Len(t, h.prov.dispatches(), 2)
}

func TestRemovalFeedOncePerIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.prov.script = func(context.Context, int, provider.Call) (*provider.Response, error) {
		return code(40001), nil
	}
	h.start(t)

	s1 := h.runBatch(t, Request{Kind: KindControlCheck, Targets: []string{"gone"}})
	s2 := h.runBatch(t, Request{Kind: KindControlCheck, Targets: []string{"gone"}})

	assert.Len(t, s1.Removals, 1)
	assert.Len(t, s2.Removals, 1)
	assert.Len(t, h.sink.Removals(), 1)
}

func TestProgressInSubmissionOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.prov.script = func(_ context.Context, n int, call provider.Call) (*provider.Response, error) {
		if call.Target == "slow" && n == 1 {
			return nil, &provider.Error{StatusCode: 502, Err: provider.ErrServerError}
		}

		return ok(), nil
	}
	h.start(t)

	handle := h.submit(t, Request{Kind: KindMemberAdd, Targets: []string{"slow", "fast"}})
	ch, err := handle.Subscribe()
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, "slow", events[0].Operation.Target)
	assert.Equal(t, "fast", events[1].Operation.Target)
	assert.Equal(t, EventSummary, events[2].Type)

	// fast completed before slow on the provider side.
	calls := h.prov.dispatches()
	require.Len(t, calls, 3)
	assert.Equal(t, "fast", calls[1].call.Target)

	// A late subscriber gets the full replay.
	late, err := h.c.Subscribe(handle.ID)
	require.NoError(t, err)
	assert.Equal(t, events, collect(t, late))

	got, done, err := h.c.Summary(handle.ID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 2, got.Succeeded)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown kind", Request{Kind: "teleport", Targets: []string{"1"}}},
		{"no targets", Request{Kind: KindMemberAdd}},
		{"blank target", Request{Kind: KindMemberAdd, Targets: []string{" "}}},
		{"payload count mismatch", Request{Kind: KindGiftRedeem, Targets: []string{"1", "2"}, Payloads: []string{"A"}}},
		{"gift code missing", Request{Kind: KindGiftRedeem, Targets: []string{"1"}}},
		{"gift code blank", Request{Kind: KindGiftRedeem, Targets: []string{"1"}, Payload: "  "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.c.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestQueueOverflow(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxPending = 3

	h := newHarness(t, cfg)

	h.submit(t, Request{Kind: KindMemberAdd, Targets: []string{"1", "2"}})

	_, err := h.c.Submit(context.Background(), Request{Kind: KindMemberAdd, Targets: []string{"3", "4"}})
	assert.ErrorIs(t, err, ErrQueueOverflow)

	h.submit(t, Request{Kind: KindMemberAdd, Targets: []string{"3"}})
	assert.Equal(t, 3, h.c.Status().Pending)
}

func TestPerItemPayloads(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.start(t)

	h.runBatch(t, Request{
		Kind:     KindGiftRedeem,
		Targets:  []string{"1", "2"},
		Payloads: []string{"A", "B"},
	})

	calls := h.prov.dispatches()
	require.Len(t, calls, 2)
	assert.Equal(t, "A", calls[0].call.Payload)
	assert.Equal(t, "B", calls[1].call.Payload)
}

func TestCancelUnknownAndCompleted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	assert.ErrorIs(t, h.c.Cancel("nope"), ErrUnknownBatch)

	_, err := h.c.Subscribe("nope")
	assert.ErrorIs(t, err, ErrUnknownBatch)

	_, _, err = h.c.Summary("nope")
	assert.ErrorIs(t, err, ErrUnknownBatch)

	h.start(t)
	sum := h.runBatch(t, Request{Kind: KindMemberAdd, Targets: []string{"1"}})
	assert.NoError(t, h.c.Cancel(sum.BatchID))
}

func TestRunTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())
	h.start(t)

	require.Eventually(t, func() bool { return h.c.Status().Running }, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.c.Run(context.Background()), ErrRunning)
}

func TestReconfigure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig())

	cfg := testConfig()
	cfg.PacingInterval = 5 * time.Second
	require.NoError(t, h.c.Reconfigure(cfg))
	assert.Equal(t, 5*time.Second, h.c.Status().PacingInterval)

	cfg.MaxAttempts = 0
	assert.Error(t, h.c.Reconfigure(cfg))

	h.start(t)
	h.runBatch(t, Request{Kind: KindMemberAdd, Targets: []string{"1", "2"}})

	g := gaps(h.prov.dispatches())
	require.Len(t, g, 1)
	assert.Equal(t, 5*time.Second, g[0])
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PacingInterval = -time.Second

	_, err := New(cfg, &fakeProvider{}, &fakeSessions{})
	assert.Error(t, err)
}
