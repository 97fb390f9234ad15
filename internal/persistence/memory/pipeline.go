package memory

import (
	"context"
	"sync"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// PipelineRepository is an in-memory core.PipelineRepository.
type PipelineRepository struct {
	mu    sync.RWMutex
	items map[core.PipelineID]*core.Pipeline
	order []core.PipelineID
}

var _ core.PipelineRepository = (*PipelineRepository)(nil)

func NewPipelineRepository() *PipelineRepository {
	return &PipelineRepository{items: make(map[core.PipelineID]*core.Pipeline)}
}

func (r *PipelineRepository) Create(_ context.Context, p *core.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	r.items[p.ID] = clone(p)
	r.order = append(r.order, p.ID)
	return nil
}

func (r *PipelineRepository) Get(_ context.Context, id core.PipelineID) (*core.Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.items[id]
	if !ok {
		return nil, core.ErrPipelineNotFound
	}
	return clone(p), nil
}

func (r *PipelineRepository) GetByName(_ context.Context, name string) (*core.Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if p := r.items[id]; p != nil && p.Name == name {
			return clone(p), nil
		}
	}
	return nil, core.ErrPipelineNotFound
}

func (r *PipelineRepository) List(_ context.Context, limit, offset int) ([]*core.Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if offset >= len(r.order) {
		return nil, nil
	}
	end := len(r.order)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*core.Pipeline, 0, end-offset)
	for _, id := range r.order[offset:end] {
		out = append(out, clone(r.items[id]))
	}
	return out, nil
}

func (r *PipelineRepository) Update(_ context.Context, p *core.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[p.ID]; !ok {
		return core.ErrPipelineNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	r.items[p.ID] = clone(p)
	return nil
}

func (r *PipelineRepository) Delete(_ context.Context, id core.PipelineID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return core.ErrPipelineNotFound
	}
	delete(r.items, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}
