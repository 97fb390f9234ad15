package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// RunRepository is the PostgreSQL core.RunRepository. The full run document
// lives in a JSONB column; the indexed columns exist for listing and for the
// (pipeline_id, run_number) uniqueness guarantee.
type RunRepository struct {
	pool *pgxpool.Pool
}

var _ core.RunRepository = (*RunRepository)(nil)

func (r *RunRepository) Create(ctx context.Context, run *core.Run) error {
	record, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO runs (id, pipeline_id, run_number, status, record,
			git_ref, git_sha, queued_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.PipelineID, run.RunNumber, run.Status.String(), record,
		run.GitRef, run.GitSHA, run.QueuedAt, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (r *RunRepository) Get(ctx context.Context, id core.RunID) (*core.Run, error) {
	row := r.pool.QueryRow(ctx, `SELECT record FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

func (r *RunRepository) GetByPipeline(ctx context.Context, id core.PipelineID, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT record FROM runs WHERE pipeline_id = $1
		ORDER BY run_number DESC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", id, err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// NextRunNumber allocates a monotonically increasing number per pipeline. The
// single upsert statement is atomic, so concurrent callers never observe the
// same value.
func (r *RunRepository) NextRunNumber(ctx context.Context, id core.PipelineID) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO run_counters (pipeline_id, next) VALUES ($1, 1)
		ON CONFLICT (pipeline_id) DO UPDATE SET next = run_counters.next + 1
		RETURNING next`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("allocate run number for %s: %w", id, err)
	}
	return n, nil
}

func (r *RunRepository) Update(ctx context.Context, run *core.Run) error {
	record, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE runs SET status = $2, record = $3, started_at = $4, completed_at = $5
		WHERE id = $1`,
		run.ID, run.Status.String(), record, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrRunNotFound
	}
	return nil
}

func (r *RunRepository) GetQueued(ctx context.Context, limit int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT record FROM runs WHERE status = $1
		ORDER BY queued_at LIMIT $2`, core.RunQueuedStatus.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list queued runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func scanRun(row pgx.Row) (*core.Run, error) {
	var record []byte
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrRunNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	var run core.Run
	if err := json.Unmarshal(record, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

func collectRuns(rows pgx.Rows) ([]*core.Run, error) {
	var out []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
