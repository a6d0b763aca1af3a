package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run MANIFEST.yaml...",
		Short: "Submit batch manifests and dispatch them to completion",
		Long: `Submit every batch in the given YAML manifests and run the coordinator until
each batch has reported its summary.

A manifest names a kind (member_add, control_check or gift_redeem), an optional
caller_tag, priority and payload, and either a targets list or items with a
per-target payload. Separate several batches in one file with "---".

Progress is printed as it happens: human-readable on a terminal, JSON lines
otherwise (or with --json). A fatal authentication failure cancels the
remaining work and exits with status 3.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	var reqs []coordinator.Request

	for _, path := range args {
		ms, err := loadManifests(path)
		if err != nil {
			return err
		}

		for i := range ms {
			reqs = append(reqs, ms[i].request())
		}
	}

	ctx, stop := watchSignals(cmd.Context(), cc.Logger, os.Exit)
	defer stop()

	pauses := make(chan error, 1)

	a, err := newApp(ctx, cc, coordinator.WithPauseHandler(func(err error) {
		select {
		case pauses <- err:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	r := newRenderer(out, cc.Flags.JSON || !isTerminal(out))

	summaries, err := executeBatches(ctx, a.coord, reqs, pauses, r, cc.Logger)
	if err != nil {
		return err
	}

	cc.Statusf("%d batch(es) complete\n", len(summaries))

	return nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// taggedEvent pairs an event with the caller tag of its batch.
type taggedEvent struct {
	tag string
	ev  coordinator.Event
}

// executeBatches submits reqs, dispatches them on coord and renders every
// event until all batches have reported. A pause on a fatal authentication
// error or a shutdown signal cancels the outstanding batches; their
// summaries are still rendered before returning.
func executeBatches(ctx context.Context, coord *coordinator.Coordinator, reqs []coordinator.Request,
	pauses <-chan error, r renderer, logger *slog.Logger,
) ([]coordinator.Summary, error) {
	handles := make([]*coordinator.BatchHandle, 0, len(reqs))
	streams := make([]<-chan coordinator.Event, 0, len(reqs))

	cancelAll := func() {
		for _, h := range handles {
			if err := h.Cancel(); err != nil {
				logger.Warn("cancelling batch", slog.String("batch_id", h.ID), slog.String("error", err.Error()))
			}
		}
	}

	for _, req := range reqs {
		h, err := coord.Submit(ctx, req)
		if err != nil {
			cancelAll()
			return nil, fmt.Errorf("submitting %s batch: %w", req.Kind, err)
		}

		events, err := h.Subscribe()
		if err != nil {
			cancelAll()
			return nil, fmt.Errorf("subscribing to batch %s: %w", h.ID, err)
		}

		handles = append(handles, h)
		streams = append(streams, events)
	}

	merged := mergeEvents(reqs, streams)

	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	runDone := make(chan error, 1)

	go func() {
		runDone <- coord.Run(runCtx)
	}()

	var (
		summaries []coordinator.Summary
		fatal     error
		renderErr error
		done      = ctx.Done()
	)

	for item := range loopEvents(merged, pauses, done, func(err error) {
		fatal = err
		cancelAll()
	}, cancelAll) {
		if renderErr == nil {
			renderErr = r.Render(item.tag, item.ev)
		}

		if item.ev.Type == coordinator.EventSummary && item.ev.Summary != nil {
			summaries = append(summaries, *item.ev.Summary)
		}
	}

	stopRun()

	if err := <-runDone; err != nil {
		return summaries, fmt.Errorf("coordinator: %w", err)
	}

	switch {
	case fatal != nil:
		return summaries, fmt.Errorf("dispatch stopped: %w", fatal)
	case ctx.Err() != nil:
		return summaries, fmt.Errorf("interrupted: %w", ctx.Err())
	case renderErr != nil:
		return summaries, fmt.Errorf("writing progress: %w", renderErr)
	}

	return summaries, nil
}

// loopEvents relays merged events until the stream closes. The first pause
// error calls onPause and the first shutdown calls onShutdown; both happen
// at most once and the relay keeps draining afterwards so cancelled batches
// still report.
func loopEvents(merged <-chan taggedEvent, pauses <-chan error, done <-chan struct{},
	onPause func(error), onShutdown func(),
) <-chan taggedEvent {
	out := make(chan taggedEvent)

	go func() {
		defer close(out)

		for {
			select {
			case item, ok := <-merged:
				if !ok {
					return
				}

				out <- item
			case err := <-pauses:
				pauses = nil
				onPause(err)
			case <-done:
				done = nil
				onShutdown()
			}
		}
	}()

	return out
}

// mergeEvents fans the per-batch streams into one channel that closes once
// every stream has closed.
func mergeEvents(reqs []coordinator.Request, streams []<-chan coordinator.Event) <-chan taggedEvent {
	merged := make(chan taggedEvent)

	var wg sync.WaitGroup

	for i, events := range streams {
		tag := reqs[i].CallerTag
		if tag == "" {
			tag = string(reqs[i].Kind)
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			for ev := range events {
				merged <- taggedEvent{tag: tag, ev: ev}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	return merged
}

// renderer writes batch events for the operator.
type renderer interface {
	Render(tag string, ev coordinator.Event) error
}

func newRenderer(w io.Writer, jsonLines bool) renderer {
	if jsonLines {
		return &jsonRenderer{enc: json.NewEncoder(w)}
	}

	return &humanRenderer{w: w, nowFunc: time.Now}
}

// jsonRenderer writes one JSON object per event.
type jsonRenderer struct {
	enc *json.Encoder
}

type jsonEvent struct {
	CallerTag string `json:"caller_tag"`
	coordinator.Event
}

func (r *jsonRenderer) Render(tag string, ev coordinator.Event) error {
	return r.enc.Encode(jsonEvent{CallerTag: tag, Event: ev})
}

// humanRenderer writes one line per operation and a short block per summary.
type humanRenderer struct {
	w       io.Writer
	nowFunc func() time.Time
}

func (r *humanRenderer) Render(tag string, ev coordinator.Event) error {
	switch ev.Type {
	case coordinator.EventProgress:
		if ev.Operation == nil {
			return nil
		}

		_, err := fmt.Fprintln(r.w, formatProgress(tag, r.nowFunc(), ev.Operation))

		return err
	case coordinator.EventSummary:
		if ev.Summary == nil {
			return nil
		}

		_, err := io.WriteString(r.w, formatSummary(tag, ev.Summary))

		return err
	}

	return nil
}

func formatProgress(tag string, now time.Time, op *coordinator.OperationStatus) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s [%s] %s %s", formatTime(now, now), tag, op.Target, op.Status)

	if op.Reason != coordinator.ReasonNone {
		fmt.Fprintf(&b, " (%s)", op.Reason)
	}

	if code := formatCode(op.Code); code != "" {
		fmt.Fprintf(&b, " code=%s", code)
	}

	if op.Detail != "" && op.Status != coordinator.StatusSucceeded {
		fmt.Fprintf(&b, ": %s", op.Detail)
	}

	return b.String()
}

func formatSummary(tag string, s *coordinator.Summary) string {
	var b strings.Builder

	state := "complete"
	if s.Cancelled {
		state = "cancelled"
	}

	fmt.Fprintf(&b, "[%s] batch %s %s: %d/%d succeeded, %d failed, %d abandoned, %d cancelled\n",
		tag, s.BatchID, state, s.Succeeded, s.Total, s.Failed, s.Abandoned, s.Cancels)

	for _, rm := range s.Removals {
		fmt.Fprintf(&b, "  remove %s (%s)\n", rm.Target, rm.Reason)
	}

	return b.String()
}
