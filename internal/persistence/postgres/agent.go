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

// AgentRepository is the PostgreSQL core.AgentRepository.
type AgentRepository struct {
	pool *pgxpool.Pool
}

var _ core.AgentRepository = (*AgentRepository)(nil)

const agentColumns = `id, name, labels, capabilities, os, arch, status,
	max_concurrent_jobs, current_run_id, system_metrics,
	registered_at, last_heartbeat_at`

// Register upserts by agent name. A returning agent keeps its ID and
// registration time and comes back idle.
func (r *AgentRepository) Register(ctx context.Context, a *core.Agent) error {
	if a.ID == "" {
		a.ID = core.NewAgentID()
	}
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = time.Now().UTC()
	}
	a.Status = core.AgentIdle

	labels, caps, metrics, err := encodeAgentFields(a)
	if err != nil {
		return err
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9, $10, NULL)
		ON CONFLICT (name) DO UPDATE SET
			labels = EXCLUDED.labels,
			capabilities = EXCLUDED.capabilities,
			os = EXCLUDED.os,
			arch = EXCLUDED.arch,
			status = EXCLUDED.status,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			current_run_id = NULL,
			system_metrics = EXCLUDED.system_metrics
		RETURNING id, registered_at`,
		a.ID, a.Name, labels, caps, a.OS, a.Arch, a.Status.String(),
		a.MaxConcurrentJobs, metrics, a.RegisteredAt).
		Scan(&a.ID, &a.RegisteredAt)
	if err != nil {
		return fmt.Errorf("register agent %s: %w", a.Name, err)
	}
	return nil
}

func (r *AgentRepository) Get(ctx context.Context, id core.AgentID) (*core.Agent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (r *AgentRepository) List(ctx context.Context) ([]*core.Agent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows, nil)
}

// ListAvailable returns idle agents carrying every given label, oldest
// registration first.
func (r *AgentRepository) ListAvailable(ctx context.Context, labels []string) ([]*core.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status = $1 ORDER BY registered_at`, core.AgentIdle.String())
	if err != nil {
		return nil, fmt.Errorf("list available agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows, func(a *core.Agent) bool { return a.HasLabels(labels) })
}

func (r *AgentRepository) Update(ctx context.Context, a *core.Agent) error {
	labels, caps, metrics, err := encodeAgentFields(a)
	if err != nil {
		return err
	}
	var runID *core.RunID
	if a.CurrentRunID != "" {
		runID = &a.CurrentRunID
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET labels = $2, capabilities = $3, os = $4, arch = $5,
			status = $6, max_concurrent_jobs = $7, current_run_id = $8,
			system_metrics = $9, last_heartbeat_at = $10
		WHERE id = $1`,
		a.ID, labels, caps, a.OS, a.Arch, a.Status.String(),
		a.MaxConcurrentJobs, runID, metrics, a.LastHeartbeatAt)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrAgentNotFound
	}
	return nil
}

// Heartbeat refreshes the agent's liveness timestamp. An offline agent that
// heartbeats again comes back idle.
func (r *AgentRepository) Heartbeat(ctx context.Context, id core.AgentID, metrics *core.SystemMetrics) error {
	var encoded []byte
	if metrics != nil {
		var err error
		encoded, err = json.Marshal(metrics)
		if err != nil {
			return fmt.Errorf("encode system metrics: %w", err)
		}
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET
			last_heartbeat_at = $2,
			system_metrics = COALESCE($3, system_metrics),
			status = CASE WHEN status = $4 THEN $5 ELSE status END
		WHERE id = $1`,
		id, time.Now().UTC(), encoded,
		core.AgentOffline.String(), core.AgentIdle.String())
	if err != nil {
		return fmt.Errorf("heartbeat agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrAgentNotFound
	}
	return nil
}

func (r *AgentRepository) Deregister(ctx context.Context, id core.AgentID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET status = $2, current_run_id = NULL WHERE id = $1`,
		id, core.AgentOffline.String())
	if err != nil {
		return fmt.Errorf("deregister agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrAgentNotFound
	}
	return nil
}

func (r *AgentRepository) GetStale(ctx context.Context, threshold time.Duration) ([]*core.Agent, error) {
	cutoff := time.Now().Add(-threshold)
	rows, err := r.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status <> $1
		  AND COALESCE(last_heartbeat_at, registered_at) < $2
		ORDER BY registered_at`,
		core.AgentOffline.String(), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows, nil)
}

func encodeAgentFields(a *core.Agent) (labels, caps, metrics []byte, err error) {
	if labels, err = json.Marshal(orEmpty(a.Labels)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode labels: %w", err)
	}
	if caps, err = json.Marshal(orEmpty(a.Capabilities)); err != nil {
		return nil, nil, nil, fmt.Errorf("encode capabilities: %w", err)
	}
	if a.SystemMetrics != nil {
		if metrics, err = json.Marshal(a.SystemMetrics); err != nil {
			return nil, nil, nil, fmt.Errorf("encode system metrics: %w", err)
		}
	}
	return labels, caps, metrics, nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanAgent(row pgx.Row) (*core.Agent, error) {
	var (
		a       core.Agent
		status  string
		labels  []byte
		caps    []byte
		metrics []byte
		runID   *string
	)
	err := row.Scan(&a.ID, &a.Name, &labels, &caps, &a.OS, &a.Arch, &status,
		&a.MaxConcurrentJobs, &runID, &metrics, &a.RegisteredAt, &a.LastHeartbeatAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrAgentNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if err := json.Unmarshal(labels, &a.Labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &a.SystemMetrics); err != nil {
			return nil, fmt.Errorf("decode system metrics: %w", err)
		}
	}
	if runID != nil {
		a.CurrentRunID = core.RunID(*runID)
	}
	if err := json.Unmarshal([]byte(`"`+status+`"`), &a.Status); err != nil {
		return nil, fmt.Errorf("decode agent status: %w", err)
	}
	return &a, nil
}

func collectAgents(rows pgx.Rows, keep func(*core.Agent) bool) ([]*core.Agent, error) {
	var out []*core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(a) {
			out = append(out, a)
		}
	}
	return out, rows.Err()
}
