package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/fleetdash/internal/correlator"
)

// timeFormat has fixed-width fractional seconds so stored timestamps sort
// lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// List limits.
const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// Repository stores and reads batch runs.
type Repository interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, peer string, limit int) ([]Run, error)
}

// SQLiteRepository implements Repository on the batch_runs and
// batch_samples tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an already migrated db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveRun inserts run and its samples in one transaction.
func (r *SQLiteRepository) SaveRun(ctx context.Context, run *Run) error {
	if err := run.validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	st := run.Stats
	_, err = tx.ExecContext(ctx,
		`INSERT INTO batch_runs (id, peer, started_at, finished_at, count, interval_ms, timeout_ms,
		     sent, received, loss_pct, min_ms, max_ms, mean_ms, jitter_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Peer,
		run.StartedAt.UTC().Format(timeFormat),
		run.FinishedAt.UTC().Format(timeFormat),
		run.Count, run.IntervalMs, run.TimeoutMs,
		st.Sent, st.Received, st.LossPct, st.MinMs, st.MaxMs, st.MeanMs, st.JitterMs,
	)
	if err != nil {
		return fmt.Errorf("inserting batch run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO batch_samples (run_id, seq, latency_ms, reason) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing sample insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range run.Samples {
		// A nil *float64 binds as NULL.
		if _, err := stmt.ExecContext(ctx, run.ID, s.Seq, s.LatencyMs(), s.Reason); err != nil {
			return fmt.Errorf("inserting sample %d: %w", s.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch run: %w", err)
	}
	return nil
}

// GetRun returns the run with its samples ordered by seq.
func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, selectRuns+" WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT seq, latency_ms, reason FROM batch_samples WHERE run_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s  correlator.Sample
			ms sql.NullFloat64
		)
		if err := rows.Scan(&s.Seq, &ms, &s.Reason); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		if ms.Valid {
			s.OK = true
			s.Latency = time.Duration(ms.Float64 * float64(time.Millisecond))
		}
		run.Samples = append(run.Samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating samples: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, without samples. An empty peer lists
// every peer. limit is clamped to [1, MaxListLimit], zero meaning
// DefaultListLimit.
func (r *SQLiteRepository) ListRuns(ctx context.Context, peer string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	query := selectRuns + " ORDER BY started_at DESC LIMIT ?"
	args := []any{limit}
	if peer != "" {
		query = selectRuns + " WHERE peer = ? ORDER BY started_at DESC LIMIT ?"
		args = []any{peer, limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying batch runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batch runs: %w", err)
	}
	return runs, nil
}

const selectRuns = `SELECT id, peer, started_at, finished_at, count, interval_ms, timeout_ms,
	sent, received, loss_pct, min_ms, max_ms, mean_ms, jitter_ms FROM batch_runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run               Run
		started, finished string
	)
	err := s.Scan(&run.ID, &run.Peer, &started, &finished, &run.Count, &run.IntervalMs, &run.TimeoutMs,
		&run.Stats.Sent, &run.Stats.Received, &run.Stats.LossPct, &run.Stats.MinMs, &run.Stats.MaxMs,
		&run.Stats.MeanMs, &run.Stats.JitterMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning batch run: %w", err)
	}

	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("parsing started_at %q: %w", started, err)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return nil, fmt.Errorf("parsing finished_at %q: %w", finished, err)
	}
	return &run, nil
}
