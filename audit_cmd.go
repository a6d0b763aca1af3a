package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
	"github.com/theycallmek/kingshot-coordinator/internal/store"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the durable audit log",
		Long: `Print audit records from the state database, oldest first. Every dispatch
attempt and terminal transition has one record.

By default the most recent 100 records are shown; narrow with --batch or
--operation, or widen with --limit.`,
		Args: cobra.NoArgs,
		RunE: runAudit,
	}

	cmd.Flags().String("batch", "", "only records for this batch id")
	cmd.Flags().String("operation", "", "only records for this operation id")
	cmd.Flags().Int("limit", 0, "maximum number of records (default 100)")

	return cmd
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	batchID, _ := cmd.Flags().GetString("batch")
	opID, _ := cmd.Flags().GetString("operation")
	limit, _ := cmd.Flags().GetInt("limit")

	if limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}

	st, err := openStore(cmd.Context(), cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.ListAudit(cmd.Context(), store.AuditFilter{
		BatchID:     batchID,
		OperationID: opID,
		Limit:       limit,
	})
	if err != nil {
		return err
	}

	if len(recs) == 0 && !cc.Flags.JSON {
		cc.Statusf("No audit records.\n")
		return nil
	}

	return printAudit(cmd.OutOrStdout(), recs, cc.Flags.JSON, time.Now())
}

// printAudit writes records as a JSON array or a table.
func printAudit(w io.Writer, recs []coordinator.AuditRecord, jsonOut bool, now time.Time) error {
	if jsonOut {
		if recs == nil {
			recs = []coordinator.AuditRecord{}
		}

		return printJSON(w, recs)
	}

	rows := make([][]string, len(recs))
	for i, rec := range recs {
		rows[i] = []string{
			formatTime(rec.Timestamp, now),
			rec.OperationID,
			string(rec.Kind),
			rec.Target,
			string(rec.Outcome),
			strconv.Itoa(rec.Attempt),
			formatCode(rec.ProviderCode),
			rec.Detail,
		}
	}

	printTable(w, []string{"TIME", "OPERATION", "KIND", "TARGET", "OUTCOME", "ATTEMPT", "CODE", "DETAIL"}, rows)

	return nil
}
