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

// PipelineRepository is the PostgreSQL core.PipelineRepository.
type PipelineRepository struct {
	pool *pgxpool.Pool
}

var _ core.PipelineRepository = (*PipelineRepository)(nil)

func (r *PipelineRepository) Create(ctx context.Context, p *core.Pipeline) error {
	def, err := json.Marshal(p.Definition)
	if err != nil {
		return fmt.Errorf("encode pipeline definition: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO pipelines (id, name, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, def, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert pipeline %s: %w", p.Name, err)
	}
	return nil
}

func (r *PipelineRepository) Get(ctx context.Context, id core.PipelineID) (*core.Pipeline, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, definition, created_at, updated_at
		FROM pipelines WHERE id = $1`, id)
	return scanPipeline(row)
}

func (r *PipelineRepository) GetByName(ctx context.Context, name string) (*core.Pipeline, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, definition, created_at, updated_at
		FROM pipelines WHERE name = $1`, name)
	return scanPipeline(row)
}

func (r *PipelineRepository) List(ctx context.Context, limit, offset int) ([]*core.Pipeline, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, definition, created_at, updated_at
		FROM pipelines ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var out []*core.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PipelineRepository) Update(ctx context.Context, p *core.Pipeline) error {
	def, err := json.Marshal(p.Definition)
	if err != nil {
		return fmt.Errorf("encode pipeline definition: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE pipelines SET name = $2, definition = $3, updated_at = $4
		WHERE id = $1`,
		p.ID, p.Name, def, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update pipeline %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrPipelineNotFound
	}
	return nil
}

func (r *PipelineRepository) Delete(ctx context.Context, id core.PipelineID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pipeline %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrPipelineNotFound
	}
	return nil
}

func scanPipeline(row pgx.Row) (*core.Pipeline, error) {
	var (
		p   core.Pipeline
		def []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &def, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrPipelineNotFound
		}
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}
	if err := json.Unmarshal(def, &p.Definition); err != nil {
		return nil, fmt.Errorf("decode pipeline definition: %w", err)
	}
	return &p, nil
}
