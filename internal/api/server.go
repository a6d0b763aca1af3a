// Package api exposes the coordinator's Submission API over HTTP: batch
// submission and cancellation, summaries, coordinator status and resume,
// and a websocket stream of progress events per batch.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Coordinator is the subset of *coordinator.Coordinator the API serves.
type Coordinator interface {
	Submit(ctx context.Context, req coordinator.Request) (*coordinator.BatchHandle, error)
	Cancel(batchID string) error
	Subscribe(batchID string) (<-chan coordinator.Event, error)
	Summary(batchID string) (coordinator.Summary, bool, error)
	Status() coordinator.State
	Resume()
}

// ServerOption configures the API handler.
type ServerOption func(*serverConfig)

type serverConfig struct {
	logger      *slog.Logger
	middlewares []func(http.Handler) http.Handler
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(cfg *serverConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMiddlewares adds middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// NewServer creates the HTTP router for c.
func NewServer(c Coordinator, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(cfg.logger))

	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/v1", Router(c, cfg.logger))

	return r
}

// loggingMiddleware logs each request at debug level.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// down gracefully. ready, when non-nil, receives the bound address once the
// listener is open.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger,
	ready func(net.Addr),
) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Info("submission API listening", slog.String("addr", ln.Addr().String()))

	if ready != nil {
		ready(ln.Addr())
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutting down: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serving: %w", err)
	}

	return nil
}
