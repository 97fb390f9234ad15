package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// RunRepository is an in-memory core.RunRepository. Run numbers are
// allocated under the repository mutex, so concurrent calls never collide.
type RunRepository struct {
	mu      sync.RWMutex
	items   map[core.RunID]*core.Run
	numbers map[core.PipelineID]int64
}

var _ core.RunRepository = (*RunRepository)(nil)

func NewRunRepository() *RunRepository {
	return &RunRepository{
		items:   make(map[core.RunID]*core.Run),
		numbers: make(map[core.PipelineID]int64),
	}
}

func (r *RunRepository) Create(_ context.Context, run *core.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[run.ID] = clone(run)
	return nil
}

func (r *RunRepository) Get(_ context.Context, id core.RunID) (*core.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.items[id]
	if !ok {
		return nil, core.ErrRunNotFound
	}
	return clone(run), nil
}

func (r *RunRepository) GetByPipeline(_ context.Context, id core.PipelineID, limit, offset int) ([]*core.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var runs []*core.Run
	for _, run := range r.items {
		if run.PipelineID == id {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].RunNumber > runs[j].RunNumber
	})

	if offset >= len(runs) {
		return nil, nil
	}
	end := len(runs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*core.Run, 0, end-offset)
	for _, run := range runs[offset:end] {
		out = append(out, clone(run))
	}
	return out, nil
}

func (r *RunRepository) NextRunNumber(_ context.Context, id core.PipelineID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numbers[id]++
	return r.numbers[id], nil
}

func (r *RunRepository) Update(_ context.Context, run *core.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[run.ID]; !ok {
		return core.ErrRunNotFound
	}
	r.items[run.ID] = clone(run)
	return nil
}

func (r *RunRepository) GetQueued(_ context.Context, limit int) ([]*core.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var runs []*core.Run
	for _, run := range r.items {
		if run.Status == core.RunQueuedStatus {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].QueuedAt.Before(runs[j].QueuedAt)
	})
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	out := make([]*core.Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, clone(run))
	}
	return out, nil
}
