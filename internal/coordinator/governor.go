package coordinator

import (
	"log/slog"
	"time"
)

// governor enforces the minimum spacing between dispatches. It widens the
// interval when the provider rate-limits and decays back toward the baseline
// once a full cooldown window passes without another rate-limit response.
//
// Not safe for concurrent use; the coordinator's mutex guards it.
type governor struct {
	baseline time.Duration
	max      time.Duration
	cooldown time.Duration
	current  time.Duration

	lastDispatch time.Time
	// gapAtDispatch is the interval in force at lastDispatch. The next
	// dispatch honours it even if a success decays current in between.
	gapAtDispatch time.Duration
	lastChange    time.Time

	logger *slog.Logger
}

func newGovernor(baseline, maxInterval, cooldown time.Duration, logger *slog.Logger) *governor {
	return &governor{
		baseline: baseline,
		max:      maxInterval,
		cooldown: cooldown,
		current:  baseline,
		logger:   logger,
	}
}

// earliest returns the first instant the next dispatch may fire.
func (g *governor) earliest() time.Time {
	if g.lastDispatch.IsZero() {
		return time.Time{}
	}

	return g.lastDispatch.Add(max(g.gapAtDispatch, g.current))
}

// markDispatch records a dispatch. Called exactly once per provider call,
// before the call is made.
func (g *governor) markDispatch(now time.Time) {
	g.lastDispatch = now
	g.gapAtDispatch = g.current
}

// widen doubles the interval (at least to retryAfter), capped at max.
func (g *governor) widen(now time.Time, retryAfter time.Duration) {
	next := max(g.current*2, retryAfter)
	if next > g.max {
		next = g.max
	}

	g.lastChange = now

	if next == g.current {
		return
	}

	g.logger.Warn("rate limited, widening pacing interval",
		slog.Duration("from", g.current),
		slog.Duration("to", next),
	)

	g.current = next
}

// recordSuccess decays the interval one halving step toward the baseline
// when a full cooldown window has passed since the last change.
func (g *governor) recordSuccess(now time.Time) {
	if g.current <= g.baseline || now.Sub(g.lastChange) < g.cooldown {
		return
	}

	next := max(g.current/2, g.baseline)

	g.logger.Info("decaying pacing interval",
		slog.Duration("from", g.current),
		slog.Duration("to", next),
	)

	g.current = next
	g.lastChange = now
}

// reconfigure applies new limits. A widened interval is kept but clamped
// into the new [baseline, max] range.
func (g *governor) reconfigure(baseline, maxInterval, cooldown time.Duration) {
	g.baseline = baseline
	g.max = maxInterval
	g.cooldown = cooldown
	g.current = min(max(g.current, baseline), maxInterval)
}
