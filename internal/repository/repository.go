package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/counter-ingest-worker/internal/db"
)

var (
	// ErrNoCursor is returned by ReadCursor before the first HTML row is committed
	ErrNoCursor = errors.New("ingestion cursor not set")
	// ErrNoRuns is returned by LastRun when the audit log is empty
	ErrNoRuns = errors.New("no ingestion runs recorded")
)

// dbtx is the subset shared by *pgxpool.Pool and pgx.Tx
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Querier is the per-item work done inside one transaction
type Querier interface {
	ExistsByIdentity(ctx context.Context, macNorm string, ts time.Time) (bool, error)
	Upsert(ctx context.Context, rec *db.CounterRecord) (inserted bool, err error)
	RecentTotals(ctx context.Context, macNorm string, before time.Time, limit int) ([]int64, error)
	AdvanceCursor(ctx context.Context, ts time.Time, macNorm string) (bool, error)
}

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
	queries
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, queries: queries{q: pool}}
}

// InTx runs fn in a transaction. With commit false the transaction is always
// rolled back, which is how dry runs exercise the full write path.
func (r *Repository) InTx(ctx context.Context, commit bool, fn func(Querier) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(queries{q: tx}); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type queries struct {
	q dbtx
}

// ExistsByIdentity reports whether a reading with this natural key is stored
func (s queries) ExistsByIdentity(ctx context.Context, macNorm string, ts time.Time) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM counter_readings WHERE mac_norm = $1 AND reading_ts = $2)`,
		macNorm, ts.UTC(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check reading identity: %w", err)
	}
	return exists, nil
}

// Upsert inserts rec or merges it into the row with the same identity.
// Measurements take the new value; identification columns only fill NULLs.
func (s queries) Upsert(ctx context.Context, rec *db.CounterRecord) (bool, error) {
	query := `
		INSERT INTO counter_readings (
			mac_norm, reading_ts, source,
			mac_raw, ip_address, display_name, model, serial_number,
			status, toner_black, toner_cyan, toner_magenta, toner_yellow,
			total_pages, fax_pages, copied_pages, printed_pages,
			bw_copies, color_copies, bw_printed, color_printed,
			total_color, total_bw, anomaly_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (mac_norm, reading_ts) DO UPDATE SET
			source         = EXCLUDED.source,
			mac_raw        = COALESCE(counter_readings.mac_raw, EXCLUDED.mac_raw),
			ip_address     = COALESCE(counter_readings.ip_address, EXCLUDED.ip_address),
			display_name   = COALESCE(counter_readings.display_name, EXCLUDED.display_name),
			model          = COALESCE(counter_readings.model, EXCLUDED.model),
			serial_number  = COALESCE(counter_readings.serial_number, EXCLUDED.serial_number),
			status         = EXCLUDED.status,
			toner_black    = EXCLUDED.toner_black,
			toner_cyan     = EXCLUDED.toner_cyan,
			toner_magenta  = EXCLUDED.toner_magenta,
			toner_yellow   = EXCLUDED.toner_yellow,
			total_pages    = EXCLUDED.total_pages,
			fax_pages      = EXCLUDED.fax_pages,
			copied_pages   = EXCLUDED.copied_pages,
			printed_pages  = EXCLUDED.printed_pages,
			bw_copies      = EXCLUDED.bw_copies,
			color_copies   = EXCLUDED.color_copies,
			bw_printed     = EXCLUDED.bw_printed,
			color_printed  = EXCLUDED.color_printed,
			total_color    = EXCLUDED.total_color,
			total_bw       = EXCLUDED.total_bw,
			anomaly_reason = EXCLUDED.anomaly_reason,
			updated_at     = now()
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err := s.q.QueryRow(ctx, query,
		rec.MACNorm,
		rec.Timestamp.UTC(),
		rec.Source,
		rec.MACRaw,
		rec.IPAddress,
		rec.DisplayName,
		rec.Model,
		rec.SerialNumber,
		rec.Status,
		rec.TonerBlack,
		rec.TonerCyan,
		rec.TonerMagenta,
		rec.TonerYellow,
		rec.TotalPages,
		rec.FaxPages,
		rec.CopiedPages,
		rec.PrintedPages,
		rec.BWCopies,
		rec.ColorCopies,
		rec.BWPrinted,
		rec.ColorPrinted,
		rec.TotalColor,
		rec.TotalBW,
		rec.AnomalyReason,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert counter reading: %w", err)
	}
	return inserted, nil
}

// RecentTotals returns up to limit committed total_pages values for the device
// taken strictly before the given instant, newest first
func (s queries) RecentTotals(ctx context.Context, macNorm string, before time.Time, limit int) ([]int64, error) {
	query := `
		SELECT total_pages
		FROM counter_readings
		WHERE mac_norm = $1 AND reading_ts < $2 AND total_pages IS NOT NULL
		ORDER BY reading_ts DESC
		LIMIT $3
	`

	rows, err := s.q.Query(ctx, query, macNorm, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent totals: %w", err)
	}
	defer rows.Close()

	var values []int64
	for rows.Next() {
		var value int64
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan total: %w", err)
		}
		values = append(values, value)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return values, nil
}

// AdvanceCursor moves the cursor to (ts, macNorm) only if that strictly follows
// the stored position. It reports whether the cursor moved.
func (s queries) AdvanceCursor(ctx context.Context, ts time.Time, macNorm string) (bool, error) {
	query := `
		INSERT INTO counter_ingest_cursor (id, last_ts, last_mac, updated_at)
		VALUES (1, $1, $2, now())
		ON CONFLICT (id) DO UPDATE SET
			last_ts    = EXCLUDED.last_ts,
			last_mac   = EXCLUDED.last_mac,
			updated_at = now()
		WHERE (counter_ingest_cursor.last_ts, counter_ingest_cursor.last_mac) < (EXCLUDED.last_ts, EXCLUDED.last_mac)
	`

	tag, err := s.q.Exec(ctx, query, ts.UTC(), macNorm)
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReadCursor returns the committed cursor or ErrNoCursor
func (r *Repository) ReadCursor(ctx context.Context) (*db.Cursor, error) {
	var c db.Cursor
	err := r.pool.QueryRow(ctx,
		`SELECT last_ts, last_mac, updated_at FROM counter_ingest_cursor WHERE id = 1`,
	).Scan(&c.Timestamp, &c.MACNorm, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCursor
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}
	c.Timestamp = c.Timestamp.UTC()
	return &c, nil
}

// StartRun appends the run row in its initial state
func (r *Repository) StartRun(ctx context.Context, run *db.RunAttempt) error {
	query := `
		INSERT INTO ingest_runs (id, source, state, dry_run, started_at, message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.Source,
		string(run.State),
		run.DryRun,
		run.StartedAt,
		messageJSON(run.Message),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun attaches the terminal outcome to a run started with StartRun
func (r *Repository) FinishRun(ctx context.Context, run *db.RunAttempt) error {
	query := `
		UPDATE ingest_runs SET
			state                = $2,
			finished_at          = $3,
			seen_count           = $4,
			eligible_count       = $5,
			processed_count      = $6,
			inserted_count       = $7,
			updated_count        = $8,
			duplicate_count      = $9,
			skipped_non_matching = $10,
			skipped_count        = $11,
			error_count          = $12,
			unprocessed_count    = $13,
			timed_out            = $14,
			ok                   = $15,
			message              = $16
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		run.ID,
		string(run.State),
		run.FinishedAt,
		run.Seen,
		run.Eligible,
		run.Processed,
		run.Inserted,
		run.Updated,
		run.Duplicates,
		run.SkippedNonMatching,
		run.Skipped,
		run.Errored,
		run.Unprocessed,
		run.TimedOut,
		run.OK,
		messageJSON(run.Message),
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to finish run: run %s not found", run.ID)
	}
	return nil
}

// AppendItemOutcome appends one per-file or per-row result
func (r *Repository) AppendItemOutcome(ctx context.Context, o db.ItemOutcome) error {
	query := `
		INSERT INTO ingest_run_items (run_id, item_key, status, reason, rows_affected, error, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		o.RunID,
		o.ItemKey,
		o.Status,
		nullable(o.Reason),
		o.RowsAffected,
		nullable(o.Error),
		o.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert item outcome: %w", err)
	}
	return nil
}

// LastRun returns the most recently started run
func (r *Repository) LastRun(ctx context.Context) (*db.RunAttempt, error) {
	query := `
		SELECT id, source, state, dry_run, started_at, finished_at,
			seen_count, eligible_count, processed_count, inserted_count, updated_count,
			duplicate_count, skipped_non_matching, skipped_count, error_count,
			unprocessed_count, timed_out, COALESCE(ok, false), message
		FROM ingest_runs
		ORDER BY started_at DESC
		LIMIT 1
	`

	var (
		run     db.RunAttempt
		state   string
		message []byte
	)
	err := r.pool.QueryRow(ctx, query).Scan(
		&run.ID,
		&run.Source,
		&state,
		&run.DryRun,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Seen,
		&run.Eligible,
		&run.Processed,
		&run.Inserted,
		&run.Updated,
		&run.Duplicates,
		&run.SkippedNonMatching,
		&run.Skipped,
		&run.Errored,
		&run.Unprocessed,
		&run.TimedOut,
		&run.OK,
		&message,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRuns
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last run: %w", err)
	}
	run.State = db.RunState(state)
	run.Message = json.RawMessage(message)
	return &run, nil
}

// ItemOutcomes lists the per-item results of a run in the order they were appended
func (r *Repository) ItemOutcomes(ctx context.Context, runID uuid.UUID) ([]db.ItemOutcome, error) {
	query := `
		SELECT item_key, status, COALESCE(reason, ''), rows_affected, COALESCE(error, ''), duration_ms
		FROM ingest_run_items
		WHERE run_id = $1
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query item outcomes: %w", err)
	}
	defer rows.Close()

	var out []db.ItemOutcome
	for rows.Next() {
		o := db.ItemOutcome{RunID: runID}
		var ms int64
		if err := rows.Scan(&o.ItemKey, &o.Status, &o.Reason, &o.RowsAffected, &o.Error, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan item outcome: %w", err)
		}
		o.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return out, nil
}

func messageJSON(m json.RawMessage) string {
	if len(m) == 0 {
		return "{}"
	}
	return string(m)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
