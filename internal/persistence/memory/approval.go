package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// ApprovalRepository is an in-memory core.ApprovalRepository.
type ApprovalRepository struct {
	mu    sync.RWMutex
	items map[core.ApprovalID]*core.ApprovalGate
}

var _ core.ApprovalRepository = (*ApprovalRepository)(nil)

func NewApprovalRepository() *ApprovalRepository {
	return &ApprovalRepository{items: make(map[core.ApprovalID]*core.ApprovalGate)}
}

func (r *ApprovalRepository) Create(_ context.Context, g *core.ApprovalGate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[g.ID] = clone(g)
	return nil
}

func (r *ApprovalRepository) Get(_ context.Context, id core.ApprovalID) (*core.ApprovalGate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.items[id]
	if !ok {
		return nil, core.ErrApprovalNotFound
	}
	return clone(g), nil
}

func (r *ApprovalRepository) Update(_ context.Context, g *core.ApprovalGate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[g.ID]; !ok {
		return core.ErrApprovalNotFound
	}
	r.items[g.ID] = clone(g)
	return nil
}

func (r *ApprovalRepository) List(_ context.Context, runID core.RunID) ([]*core.ApprovalGate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.ApprovalGate
	for _, g := range r.items {
		if runID == "" || g.RunID == runID {
			out = append(out, clone(g))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *ApprovalRepository) ListExpired(_ context.Context, now time.Time) ([]*core.ApprovalGate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.ApprovalGate
	for _, g := range r.items {
		if g.Status == core.ApprovalPending && !now.Before(g.ExpiresAt) {
			out = append(out, clone(g))
		}
	}
	return out, nil
}
