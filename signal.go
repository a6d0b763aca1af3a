package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// watchSignals returns a context that is cancelled by the first SIGINT or
// SIGTERM, and a stop function that releases the handler. Cancellation lets
// the dispatcher finish its in-flight call and flush the audit log. A second
// signal before stop calls forceExit, for an operator who cannot wait.
func watchSignals(parent context.Context, logger *slog.Logger, forceExit func(code int)) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	released := make(chan struct{})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, draining in-flight operation",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		case <-released:
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			forceExit(exitFailure)
		case <-released:
		}
	}()

	var once sync.Once

	return ctx, func() {
		once.Do(func() {
			close(released)
			cancel()
		})
	}
}
