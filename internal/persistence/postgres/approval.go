package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// ApprovalRepository is the PostgreSQL core.ApprovalRepository.
type ApprovalRepository struct {
	pool *pgxpool.Pool
}

var _ core.ApprovalRepository = (*ApprovalRepository)(nil)

func (r *ApprovalRepository) Create(ctx context.Context, g *core.ApprovalGate) error {
	record, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode approval gate: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO approval_gates (id, run_id, stage_name, status, record, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.RunID, g.StageName, g.Status.String(), record, g.ExpiresAt, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert approval gate %s: %w", g.ID, err)
	}
	return nil
}

func (r *ApprovalRepository) Get(ctx context.Context, id core.ApprovalID) (*core.ApprovalGate, error) {
	row := r.pool.QueryRow(ctx, `SELECT record FROM approval_gates WHERE id = $1`, id)
	return scanGate(row)
}

func (r *ApprovalRepository) Update(ctx context.Context, g *core.ApprovalGate) error {
	record, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode approval gate: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE approval_gates SET status = $2, record = $3 WHERE id = $1`,
		g.ID, g.Status.String(), record)
	if err != nil {
		return fmt.Errorf("update approval gate %s: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrApprovalNotFound
	}
	return nil
}

func (r *ApprovalRepository) List(ctx context.Context, runID core.RunID) ([]*core.ApprovalGate, error) {
	query := `SELECT record FROM approval_gates ORDER BY created_at`
	args := []any{}
	if runID != "" {
		query = `SELECT record FROM approval_gates WHERE run_id = $1 ORDER BY created_at`
		args = append(args, runID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval gates: %w", err)
	}
	defer rows.Close()
	return collectGates(rows)
}

func (r *ApprovalRepository) ListExpired(ctx context.Context, now time.Time) ([]*core.ApprovalGate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT record FROM approval_gates
		WHERE status = $1 AND expires_at <= $2
		ORDER BY created_at`,
		core.ApprovalPending.String(), now)
	if err != nil {
		return nil, fmt.Errorf("list expired approval gates: %w", err)
	}
	defer rows.Close()
	return collectGates(rows)
}

func scanGate(row pgx.Row) (*core.ApprovalGate, error) {
	var record []byte
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrApprovalNotFound
		}
		return nil, fmt.Errorf("scan approval gate: %w", err)
	}
	var g core.ApprovalGate
	if err := json.Unmarshal(record, &g); err != nil {
		return nil, fmt.Errorf("decode approval gate: %w", err)
	}
	return &g, nil
}

func collectGates(rows pgx.Rows) ([]*core.ApprovalGate, error) {
	var out []*core.ApprovalGate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
