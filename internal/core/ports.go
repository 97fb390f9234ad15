package core

import (
	"context"
	"time"
)

// Pipeline is a stored pipeline definition.
type Pipeline struct {
	ID         PipelineID          `json:"id"`
	Name       string              `json:"name"`
	Definition *PipelineDefinition `json:"definition"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// PipelineRepository stores pipeline definitions.
type PipelineRepository interface {
	Create(ctx context.Context, p *Pipeline) error
	Get(ctx context.Context, id PipelineID) (*Pipeline, error)
	GetByName(ctx context.Context, name string) (*Pipeline, error)
	List(ctx context.Context, limit, offset int) ([]*Pipeline, error)
	Update(ctx context.Context, p *Pipeline) error
	Delete(ctx context.Context, id PipelineID) error
}

// RunRepository stores runs. NextRunNumber must be atomic per pipeline: two
// concurrent calls never return the same number.
type RunRepository interface {
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id RunID) (*Run, error)
	GetByPipeline(ctx context.Context, id PipelineID, limit, offset int) ([]*Run, error)
	NextRunNumber(ctx context.Context, id PipelineID) (int64, error)
	Update(ctx context.Context, r *Run) error
	GetQueued(ctx context.Context, limit int) ([]*Run, error)
}

// AgentRepository maintains the agent registry.
type AgentRepository interface {
	// Register upserts by agent name.
	Register(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id AgentID) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	// ListAvailable returns idle agents carrying every given label.
	ListAvailable(ctx context.Context, labels []string) ([]*Agent, error)
	Update(ctx context.Context, a *Agent) error
	Heartbeat(ctx context.Context, id AgentID, metrics *SystemMetrics) error
	Deregister(ctx context.Context, id AgentID) error
	// GetStale returns non-offline agents without a heartbeat within the
	// threshold.
	GetStale(ctx context.Context, threshold time.Duration) ([]*Agent, error)
}

// ApprovalRepository stores approval gates.
type ApprovalRepository interface {
	Create(ctx context.Context, g *ApprovalGate) error
	Get(ctx context.Context, id ApprovalID) (*ApprovalGate, error)
	Update(ctx context.Context, g *ApprovalGate) error
	List(ctx context.Context, runID RunID) ([]*ApprovalGate, error)
	// ListExpired returns pending gates past their deadline.
	ListExpired(ctx context.Context, now time.Time) ([]*ApprovalGate, error)
}

// EventHandler processes one delivered event. Returning an error triggers
// redelivery; after the configured delivery attempts the event moves to the
// dead-letter stream.
type EventHandler func(ctx context.Context, evt Event) error

// Unsubscribe tears down a subscription.
type Unsubscribe func()

// EventBus is the core's view of the durable pub/sub fabric. Publish returns
// once the record is durably accepted. Subjects are dot-separated; patterns
// may use "*" for one token and ">" for one or more trailing tokens.
type EventBus interface {
	Publish(ctx context.Context, evt Event) error
	// Subscribe delivers every matching event to this subscriber.
	Subscribe(ctx context.Context, pattern string, h EventHandler) (Unsubscribe, error)
	// QueueSubscribe load-balances matching events across subscribers
	// sharing a group name.
	QueueSubscribe(ctx context.Context, pattern, group string, h EventHandler) (Unsubscribe, error)
}

// ExecutorResult is the outcome of one step attempt.
type ExecutorResult struct {
	ExitCode int
	Outputs  map[string]string
}

// ExecutorRequest describes one step execution.
type ExecutorRequest struct {
	Step             StepDefinition
	Environment      EnvironmentType
	Image            string
	WorkingDirectory string
	Env              map[string]string
	// OnOutput receives one line of process output at a time.
	OnOutput func(stream, line string)
}

// Executor runs a single step. Implementations wrap the actual substrate
// (container, microVM, nix shell, host process). Cancellation is cooperative
// via the context.
type Executor interface {
	Run(ctx context.Context, req ExecutorRequest) (*ExecutorResult, error)
}

// CacheEntry describes one stored cache blob.
type CacheEntry struct {
	ID        CacheID   `json:"id"`
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheProvider stores and restores build caches by key.
type CacheProvider interface {
	Restore(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]CacheEntry, error)
}

// SecretProvider resolves secret references for steps.
type SecretProvider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}
