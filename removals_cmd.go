package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/theycallmek/kingshot-coordinator/internal/store"
)

func newRemovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "removals",
		Short: "Show identities the account service no longer knows",
		Long: `Print the removal feed: identities the account service reported as
nonexistent, which should be scrubbed from your own member lists.

Only unacknowledged entries are shown unless --all is given. --ack marks the
printed entries acknowledged; an identity reported invalid again later
reappears in the feed.`,
		Args: cobra.NoArgs,
		RunE: runRemovals,
	}

	cmd.Flags().Bool("all", false, "include acknowledged entries")
	cmd.Flags().Bool("ack", false, "acknowledge the listed entries")

	return cmd
}

// removalView is the JSON form of a stored removal entry.
type removalView struct {
	ID          int64      `json:"id"`
	Target      string     `json:"target"`
	Reason      string     `json:"reason"`
	Timestamp   time.Time  `json:"timestamp"`
	BatchID     string     `json:"batch_id"`
	OperationID string     `json:"operation_id"`
	AckedAt     *time.Time `json:"acked_at,omitempty"`
}

func runRemovals(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	all, _ := cmd.Flags().GetBool("all")
	ack, _ := cmd.Flags().GetBool("ack")

	st, err := openStore(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ListRemovals(ctx, !all)
	if err != nil {
		return err
	}

	if len(entries) == 0 && !cc.Flags.JSON {
		cc.Statusf("No pending removals.\n")
		return nil
	}

	if err := printRemovals(cmd.OutOrStdout(), entries, cc.Flags.JSON, time.Now()); err != nil {
		return err
	}

	if !ack {
		return nil
	}

	ids := make([]int64, len(entries))
	for i := range entries {
		ids[i] = entries[i].ID
	}

	n, err := st.AckRemovals(ctx, ids, time.Now())
	if err != nil {
		return err
	}

	cc.Statusf("Acknowledged %d removal(s).\n", n)

	return nil
}

// printRemovals writes entries as a JSON array or a table.
func printRemovals(w io.Writer, entries []store.Removal, jsonOut bool, now time.Time) error {
	if jsonOut {
		views := make([]removalView, len(entries))

		for i, e := range entries {
			views[i] = removalView{
				ID:          e.ID,
				Target:      e.Target,
				Reason:      e.Reason,
				Timestamp:   e.Timestamp,
				BatchID:     e.BatchID,
				OperationID: e.OperationID,
			}

			if !e.AckedAt.IsZero() {
				acked := e.AckedAt
				views[i].AckedAt = &acked
			}
		}

		return printJSON(w, views)
	}

	rows := make([][]string, len(entries))
	for i, e := range entries {
		acked := ""
		if !e.AckedAt.IsZero() {
			acked = formatTime(e.AckedAt, now)
		}

		rows[i] = []string{
			strconv.FormatInt(e.ID, 10),
			e.Target,
			e.Reason,
			formatTime(e.Timestamp, now),
			e.BatchID,
			acked,
		}
	}

	printTable(w, []string{"ID", "TARGET", "REASON", "RECORDED", "BATCH", "ACKED"}, rows)

	if _, err := fmt.Fprintf(w, "%d entr%s\n", len(entries), plural(len(entries), "y", "ies")); err != nil {
		return fmt.Errorf("writing removals: %w", err)
	}

	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}

	return many
}
