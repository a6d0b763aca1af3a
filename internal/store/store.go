// Package store is the durable SQLite sink for the coordinator: the
// append-only audit log, the removal feed and the completed-request index
// used for idempotent resubmission.
//
// The store is the sole writer to its database (SetMaxOpenConns(1)), so
// sink writes from the dispatch loop and reads from the CLI never contend.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/theycallmek/kingshot-coordinator/internal/coordinator"
)

const (
	sqlInsertAudit = `INSERT INTO audit_log
		(operation_id, batch_id, kind, target, recorded_at, outcome, attempt, provider_code, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// A target found invalid again after acknowledgement reopens its entry,
	// so the feed holds one row per identity.
	sqlUpsertRemoval = `INSERT INTO removals
		(target, reason, recorded_at, batch_id, operation_id, acked_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT(target) DO UPDATE SET
			reason = excluded.reason,
			recorded_at = excluded.recorded_at,
			batch_id = excluded.batch_id,
			operation_id = excluded.operation_id,
			acked_at = NULL`

	sqlUpsertCompleted = `INSERT INTO completed_requests (kind, target, payload, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, target, payload) DO UPDATE SET completed_at = excluded.completed_at`

	sqlSelectCompleted = `SELECT completed_at FROM completed_requests
		WHERE kind = ? AND target = ? AND payload = ?`

	sqlSelectRemovals = `SELECT id, target, reason, recorded_at, batch_id, operation_id, acked_at
		FROM removals`

	defaultAuditLimit = 100
)

// Store implements coordinator.AuditSink, coordinator.RemovalSink and
// coordinator.SuccessIndex on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at dbPath and applies
// migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("store opened", slog.String("path", dbPath))

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordAudit appends one audit record.
func (s *Store) RecordAudit(ctx context.Context, rec coordinator.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, sqlInsertAudit,
		rec.OperationID, rec.BatchID, string(rec.Kind), rec.Target,
		rec.Timestamp.UnixNano(), string(rec.Outcome), rec.Attempt, rec.ProviderCode, rec.Detail,
	)
	if err != nil {
		return fmt.Errorf("store: inserting audit record for %s: %w", rec.OperationID, err)
	}

	return nil
}

// RecordRemoval stores a removal entry, replacing any earlier entry for the
// same identity.
func (s *Store) RecordRemoval(ctx context.Context, entry coordinator.RemovalEntry) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertRemoval,
		entry.Target, entry.Reason, entry.Timestamp.UnixNano(), entry.BatchID, entry.OperationID,
	)
	if err != nil {
		return fmt.Errorf("store: recording removal for %s: %w", entry.Target, err)
	}

	return nil
}

// SucceededSince reports whether key completed at or after since.
func (s *Store) SucceededSince(ctx context.Context, key coordinator.RequestKey, since time.Time) (bool, error) {
	var completedAt int64

	err := s.db.QueryRowContext(ctx, sqlSelectCompleted, string(key.Kind), key.Target, key.Payload).
		Scan(&completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("store: looking up completed request: %w", err)
	}

	return completedAt >= since.UnixNano(), nil
}

// RecordSuccess marks key completed at at.
func (s *Store) RecordSuccess(ctx context.Context, key coordinator.RequestKey, at time.Time) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertCompleted,
		string(key.Kind), key.Target, key.Payload, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: recording completed request: %w", err)
	}

	return nil
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	BatchID     string
	OperationID string
	Limit       int
}

// ListAudit returns matching audit records, oldest first, limited to the
// most recent Limit rows.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]coordinator.AuditRecord, error) {
	var (
		where []string
		args  []any
	)

	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}

	if f.OperationID != "" {
		where = append(where, "operation_id = ?")
		args = append(args, f.OperationID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	// Newest rows win the limit; the outer query restores insertion order.
	inner := `SELECT id, operation_id, batch_id, kind, target, recorded_at, outcome, attempt,
		provider_code, detail FROM audit_log`
	if len(where) > 0 {
		inner += " WHERE " + strings.Join(where, " AND ")
	}

	query := `SELECT operation_id, batch_id, kind, target, recorded_at, outcome, attempt, provider_code, detail
		FROM (` + inner + ` ORDER BY id DESC LIMIT ?) ORDER BY id`

	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying audit log: %w", err)
	}
	defer rows.Close()

	var out []coordinator.AuditRecord

	for rows.Next() {
		var (
			rec        coordinator.AuditRecord
			kind       string
			outcome    string
			recordedAt int64
		)

		if err := rows.Scan(&rec.OperationID, &rec.BatchID, &kind, &rec.Target, &recordedAt,
			&outcome, &rec.Attempt, &rec.ProviderCode, &rec.Detail); err != nil {
			return nil, fmt.Errorf("store: scanning audit row: %w", err)
		}

		rec.Kind = coordinator.Kind(kind)
		rec.Outcome = coordinator.Outcome(outcome)
		rec.Timestamp = time.Unix(0, recordedAt).UTC()
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating audit rows: %w", err)
	}

	return out, nil
}

// Removal is a stored removal entry.
type Removal struct {
	ID int64
	coordinator.RemovalEntry
	AckedAt time.Time // zero while pending
}

// ListRemovals returns removal entries in the order they were recorded.
// pendingOnly restricts the result to unacknowledged entries.
func (s *Store) ListRemovals(ctx context.Context, pendingOnly bool) ([]Removal, error) {
	query := sqlSelectRemovals
	if pendingOnly {
		query += " WHERE acked_at IS NULL"
	}

	query += " ORDER BY recorded_at, id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: querying removals: %w", err)
	}
	defer rows.Close()

	var out []Removal

	for rows.Next() {
		var (
			r          Removal
			recordedAt int64
			ackedAt    sql.NullInt64
		)

		if err := rows.Scan(&r.ID, &r.Target, &r.Reason, &recordedAt, &r.BatchID,
			&r.OperationID, &ackedAt); err != nil {
			return nil, fmt.Errorf("store: scanning removal row: %w", err)
		}

		r.Timestamp = time.Unix(0, recordedAt).UTC()
		if ackedAt.Valid {
			r.AckedAt = time.Unix(0, ackedAt.Int64).UTC()
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating removal rows: %w", err)
	}

	return out, nil
}

// AckRemovals marks the given entries acknowledged and returns how many
// were newly acknowledged.
func (s *Store) AckRemovals(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: beginning ack transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var total int64

	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE removals SET acked_at = ? WHERE id = ? AND acked_at IS NULL`, at.UnixNano(), id)
		if err != nil {
			return 0, fmt.Errorf("store: acknowledging removal %d: %w", id, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("store: acknowledging removal %d: %w", id, err)
		}

		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: committing acknowledgements: %w", err)
	}

	return total, nil
}

// PruneCompleted deletes completed-request rows older than before and
// returns how many were removed.
func (s *Store) PruneCompleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM completed_requests WHERE completed_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("store: pruning completed requests: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: pruning completed requests: %w", err)
	}

	if n > 0 {
		s.logger.Info("pruned completed requests", slog.Int64("rows", n))
	}

	return n, nil
}
