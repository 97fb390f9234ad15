package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// AgentRepository is an in-memory core.AgentRepository.
type AgentRepository struct {
	mu    sync.RWMutex
	items map[core.AgentID]*core.Agent
}

var _ core.AgentRepository = (*AgentRepository)(nil)

func NewAgentRepository() *AgentRepository {
	return &AgentRepository{items: make(map[core.AgentID]*core.Agent)}
}

// Register upserts by agent name: a returning agent keeps its ID and
// registration time and comes back idle.
func (r *AgentRepository) Register(_ context.Context, a *core.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.Name == a.Name {
			a.ID = existing.ID
			a.RegisteredAt = existing.RegisteredAt
			a.Status = core.AgentIdle
			r.items[a.ID] = clone(a)
			return nil
		}
	}

	if a.ID == "" {
		a.ID = core.NewAgentID()
	}
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = time.Now().UTC()
	}
	a.Status = core.AgentIdle
	r.items[a.ID] = clone(a)
	return nil
}

func (r *AgentRepository) Get(_ context.Context, id core.AgentID) (*core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return nil, core.ErrAgentNotFound
	}
	return clone(a), nil
}

func (r *AgentRepository) List(_ context.Context) ([]*core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(func(*core.Agent) bool { return true }), nil
}

func (r *AgentRepository) ListAvailable(_ context.Context, labels []string) ([]*core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(func(a *core.Agent) bool {
		return a.Status == core.AgentIdle && a.HasLabels(labels)
	}), nil
}

func (r *AgentRepository) snapshot(keep func(*core.Agent) bool) []*core.Agent {
	var out []*core.Agent
	for _, a := range r.items {
		if keep(a) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func (r *AgentRepository) Update(_ context.Context, a *core.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[a.ID]; !ok {
		return core.ErrAgentNotFound
	}
	r.items[a.ID] = clone(a)
	return nil
}

func (r *AgentRepository) Heartbeat(_ context.Context, id core.AgentID, metrics *core.SystemMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return core.ErrAgentNotFound
	}
	now := time.Now().UTC()
	a.LastHeartbeatAt = &now
	if metrics != nil {
		a.SystemMetrics = metrics
	}
	if a.Status == core.AgentOffline {
		a.Status = core.AgentIdle
	}
	return nil
}

func (r *AgentRepository) Deregister(_ context.Context, id core.AgentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return core.ErrAgentNotFound
	}
	a.Status = core.AgentOffline
	a.CurrentRunID = ""
	return nil
}

func (r *AgentRepository) GetStale(_ context.Context, threshold time.Duration) ([]*core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	return r.snapshot(func(a *core.Agent) bool {
		return a.Stale(threshold, now)
	}), nil
}
