package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/theycallmek/kingshot-coordinator/internal/config"
	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
	"github.com/theycallmek/kingshot-coordinator/internal/provider"
	"github.com/theycallmek/kingshot-coordinator/internal/session"
	"github.com/theycallmek/kingshot-coordinator/internal/store"
	"github.com/theycallmek/kingshot-coordinator/internal/telemetry"
)

const (
	// dbDirPerms matches the session cache directory permissions.
	dbDirPerms = 0o700

	metricsFlushTimeout = 5 * time.Second
)

// app is the assembled production stack: store, provider client, session
// manager, metrics export and coordinator.
type app struct {
	store    *store.Store
	meters   metric.MeterProvider
	client   *provider.Client
	sessions *session.Manager
	coord    *coordinator.Coordinator
	logger   *slog.Logger
	unlock   func()
}

// openStore opens the state database named by cfg, creating its directory.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	path := cfg.DatabasePath()

	if err := os.MkdirAll(filepath.Dir(path), dbDirPerms); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.Open(ctx, path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	return st, nil
}

// newSessions builds the provider client and the session manager on top of it.
func newSessions(cfg *config.Config, logger *slog.Logger) (*provider.Client, *session.Manager) {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout()}

	client := provider.NewClient(cfg.Provider.BaseURL, httpClient, provider.Credentials{
		Account: cfg.Provider.Account,
		Secret:  cfg.Provider.Secret,
	}, logger)

	return client, session.NewManager(client, cfg.SessionSettings(), logger)
}

// newApp takes the dispatch lock and wires the full stack. extra options are
// applied after the defaults, so callers can add a pause handler.
func newApp(ctx context.Context, cc *CLIContext, extra ...coordinator.Option) (*app, error) {
	cfg := cc.Cfg
	logger := cc.Logger

	if err := config.ValidateCredentials(cfg); err != nil {
		return nil, err
	}

	unlock, err := writePIDFile(pidFilePath(cfg.DatabasePath()))
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		unlock()
		return nil, err
	}

	coordCfg := cfg.CoordinatorSettings()

	if coordCfg.DedupeWindow > 0 {
		pruned, err := st.PruneCompleted(ctx, time.Now().Add(-coordCfg.DedupeWindow))
		if err != nil {
			logger.Warn("pruning completed requests failed", slog.String("error", err.Error()))
		} else if pruned > 0 {
			logger.Debug("pruned completed requests", slog.Int64("rows", pruned))
		}
	}

	meters, err := telemetry.NewMeterProvider(ctx, telemetry.Config{
		Enabled:        cfg.Metrics.Enabled,
		Endpoint:       cfg.Metrics.Endpoint,
		Insecure:       cfg.Metrics.Insecure,
		Interval:       cfg.MetricsInterval(),
		ServiceVersion: version,
	}, logger)
	if err != nil {
		st.Close()
		unlock()

		return nil, fmt.Errorf("starting metrics export: %w", err)
	}

	a := &app{store: st, meters: meters, logger: logger, unlock: unlock}

	metrics, err := coordinator.NewMetrics(meters)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	client, sessions := newSessions(cfg, logger)

	opts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithAuditSink(st),
		coordinator.WithRemovalSink(st),
		coordinator.WithSuccessIndex(st),
		coordinator.WithMetrics(metrics),
	}

	coord, err := coordinator.New(coordCfg, client, sessions, append(opts, extra...)...)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.client = client
	a.sessions = sessions
	a.coord = coord

	return a, nil
}

// Close flushes metrics and releases the store and the dispatch lock. Call
// only after Run has returned.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), metricsFlushTimeout)
	defer cancel()

	if err := telemetry.Shutdown(ctx, a.meters); err != nil {
		a.logger.Warn("flushing metrics", slog.String("error", err.Error()))
	}

	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing state database", slog.String("error", err.Error()))
	}

	a.unlock()
}
