// Package postgres provides the PostgreSQL repository implementations.
package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/copyleftdev/oxide-ci-sub000/internal/backoff"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store bundles the connection pool shared by the repositories.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	// The database may still be coming up when the scheduler starts.
	if err := backoff.Retry(ctx, pool.Ping, backoff.Transport(), nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func migrate(pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Pipelines returns the pipeline repository.
func (s *Store) Pipelines() *PipelineRepository {
	return &PipelineRepository{pool: s.pool}
}

// Runs returns the run repository.
func (s *Store) Runs() *RunRepository {
	return &RunRepository{pool: s.pool}
}

// Agents returns the agent repository.
func (s *Store) Agents() *AgentRepository {
	return &AgentRepository{pool: s.pool}
}

// Approvals returns the approval gate repository.
func (s *Store) Approvals() *ApprovalRepository {
	return &ApprovalRepository{pool: s.pool}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
