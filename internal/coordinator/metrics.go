package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope for coordinator metrics.
const MeterName = "github.com/theycallmek/kingshot-coordinator/coordinator"

// Metrics holds the coordinator's instruments. A nil *Metrics is a no-op.
type Metrics struct {
	dispatches    metric.Int64Counter
	pacing        metric.Float64Gauge
	pending       metric.Int64UpDownCounter
	batchDuration metric.Float64Histogram
}

// NewMetrics creates instruments from provider. If provider is nil, it
// returns nil (no-op metrics).
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(MeterName)

	dispatches, err := meter.Int64Counter(
		"ksc_dispatch_total",
		metric.WithDescription("Provider dispatches by kind and classification"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		return nil, err
	}

	pacing, err := meter.Float64Gauge(
		"ksc_pacing_interval_seconds",
		metric.WithDescription("Current minimum spacing between dispatches"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pending, err := meter.Int64UpDownCounter(
		"ksc_queue_pending",
		metric.WithDescription("Operations waiting for dispatch"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	batchDuration, err := meter.Float64Histogram(
		"ksc_batch_duration_seconds",
		metric.WithDescription("Time from batch submission to final summary"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		dispatches:    dispatches,
		pacing:        pacing,
		pending:       pending,
		batchDuration: batchDuration,
	}, nil
}

func (m *Metrics) recordDispatch(ctx context.Context, kind Kind, class Class) {
	if m == nil {
		return
	}

	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("class", class.String()),
	))
}

func (m *Metrics) recordPacing(ctx context.Context, interval time.Duration) {
	if m == nil {
		return
	}

	m.pacing.Record(ctx, interval.Seconds())
}

func (m *Metrics) addPending(ctx context.Context, delta int) {
	if m == nil || delta == 0 {
		return
	}

	m.pending.Add(ctx, int64(delta))
}

func (m *Metrics) recordBatch(ctx context.Context, kind Kind, d time.Duration, cancelled bool) {
	if m == nil {
		return
	}

	m.batchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("cancelled", cancelled),
	))
}
