// Package telemetry builds the OpenTelemetry meter provider that backs the
// coordinator's metrics. When export is enabled, metrics are pushed to an
// OTLP/HTTP collector on a fixed interval; otherwise a no-op provider is
// returned and recording costs nothing.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// ServiceName identifies this process to the collector.
	ServiceName = "kscoord"

	// DefaultInterval is the export interval used when none is configured.
	DefaultInterval = time.Minute
)

// Config controls metric export.
type Config struct {
	Enabled        bool
	Endpoint       string // host:port of the OTLP/HTTP collector
	Insecure       bool
	Interval       time.Duration
	ServiceVersion string
}

// NewMeterProvider returns an SDK meter provider exporting over OTLP/HTTP,
// registered as the global provider, or a no-op provider when export is
// disabled. Pass the result to Shutdown on exit so the last interval is
// flushed.
func NewMeterProvider(ctx context.Context, cfg Config, logger *slog.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		logger.Debug("metrics export disabled")
		return noop.NewMeterProvider(), nil
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	version := cfg.ServiceVersion
	if version == "" {
		version = "unknown"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating OTLP metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)

	otel.SetMeterProvider(mp)

	logger.Info("metrics export enabled",
		slog.String("endpoint", cfg.Endpoint),
		slog.Bool("insecure", cfg.Insecure),
		slog.Duration("interval", interval),
	)

	return mp, nil
}

// Shutdown flushes and stops mp if it is an SDK provider. No-op providers
// are ignored.
func Shutdown(ctx context.Context, mp metric.MeterProvider) error {
	sdk, ok := mp.(*sdkmetric.MeterProvider)
	if !ok {
		return nil
	}

	if err := sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutting down meter provider: %w", err)
	}

	return nil
}
