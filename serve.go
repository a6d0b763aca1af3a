package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/theycallmek/kingshot-coordinator/internal/api"
	"github.com/theycallmek/kingshot-coordinator/internal/config"
	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator behind the HTTP submission API",
		Long: `Run the coordinator as a long-lived service. Callers submit batches over HTTP,
follow progress over a websocket and read summaries when batches complete.

Edits to the config file are picked up without a restart: pacing, retry and
provider code settings apply to the running coordinator. Changes to the
listen address, credentials or storage need a restart.

The first SIGINT/SIGTERM drains the in-flight call and shuts down; a second
one forces exit.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "address for the submission API (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	ctx, stop := watchSignals(cmd.Context(), logger, os.Exit)
	defer stop()

	a, err := newApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	holder := config.NewHolder(cc.Cfg, cc.CfgPath)
	handler := api.NewServer(a.coord, api.WithLogger(logger))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.coord.Run(gctx)
	})

	g.Go(func() error {
		return api.ListenAndServe(gctx, cc.Cfg.Server.Listen, handler, logger, nil)
	})

	if watchable(holder.Path()) {
		g.Go(func() error {
			return config.Watch(gctx, holder, cc.Env, cc.Overrides, logger, func(prev, next *config.Config) error {
				return applyReload(a.coord, prev, next, logger)
			})
		})
	}

	cc.Statusf("Serving on %s\n", cc.Cfg.Server.Listen)

	if err := g.Wait(); err != nil && !errors.Is(err, ctx.Err()) {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

// watchable reports whether path names an existing config file.
func watchable(path string) bool {
	if path == "" {
		return false
	}

	_, err := os.Stat(path)

	return err == nil
}

// reconfigurer is the part of the coordinator a config reload touches.
type reconfigurer interface {
	Reconfigure(cfg coordinator.Config) error
}

// applyReload pushes the reloaded coordinator settings to c. prev is the
// config in effect before this reload. Sections read only at startup that
// changed since prev are reported but not applied.
func applyReload(c reconfigurer, prev, next *config.Config, logger *slog.Logger) error {
	if err := c.Reconfigure(next.CoordinatorSettings()); err != nil {
		return fmt.Errorf("applying coordinator settings: %w", err)
	}

	if changed := config.RestartOnly(prev, next); len(changed) > 0 {
		logger.Warn("config reload: changes need a restart",
			slog.String("sections", strings.Join(changed, ",")),
		)
	}

	return nil
}
