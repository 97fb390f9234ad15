// Package queue implements the in-memory scheduling queue: priority plus
// FIFO ordering, concurrency groups, and per-pipeline rate limits.
package queue

import (
	"sync"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// DefaultGroupLimit applies to concurrency groups without an explicit limit.
const DefaultGroupLimit = 1

// CancelFunc is invoked when a job with cancel-in-progress semantics finds
// its concurrency group occupied by another run.
type CancelFunc func(runID core.RunID)

// Queue is a bounded priority queue guarded by a single mutex. Jobs order by
// (-priority, queued_at); jobs skipped because a limit is saturated keep
// their position.
type Queue struct {
	mu    sync.Mutex
	items []*core.QueuedJob

	groupLimits      map[string]int
	pipelineLimits   map[core.PipelineID]int
	groupInFlight    map[string]int
	pipelineInFlight map[core.PipelineID]int

	// occupants tracks which runs currently hold slots of each group, for
	// cancel-in-progress signalling.
	occupants map[string][]core.RunID

	onCancel CancelFunc
	notify   chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithCancelFunc installs the callback invoked for cancel-in-progress.
func WithCancelFunc(fn CancelFunc) Option {
	return func(q *Queue) {
		q.onCancel = fn
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		groupLimits:      make(map[string]int),
		pipelineLimits:   make(map[core.PipelineID]int),
		groupInFlight:    make(map[string]int),
		pipelineInFlight: make(map[core.PipelineID]int),
		occupants:        make(map[string][]core.RunID),
		notify:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Notify returns a channel signalled whenever a job is added or a slot
// frees, so dispatch workers can block instead of polling.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// SetGroupLimit sets the concurrent slot count of a group.
func (q *Queue) SetGroupLimit(group string, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.groupLimits[group] = limit
}

// SetPipelineLimit sets the per-pipeline in-flight limit. Zero removes the
// limit.
func (q *Queue) SetPipelineLimit(id core.PipelineID, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 {
		delete(q.pipelineLimits, id)
		return
	}
	q.pipelineLimits[id] = limit
}

// Enqueue admits a job; admission never fails. When cancelInProgress is set
// and the job's group is occupied by other runs, those runs are signalled
// for cancellation and the job waits for the slot.
func (q *Queue) Enqueue(job *core.QueuedJob, cancelInProgress bool) {
	q.mu.Lock()

	var toCancel []core.RunID
	if cancelInProgress && job.ConcurrencyGroup != "" {
		for _, occupant := range q.occupants[job.ConcurrencyGroup] {
			if occupant != job.RunID {
				toCancel = append(toCancel, occupant)
			}
		}
	}

	// Insert keeping (-priority, queued_at) order.
	pos := len(q.items)
	for i, item := range q.items {
		if less(job, item) {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = job

	onCancel := q.onCancel
	q.mu.Unlock()

	if onCancel != nil {
		for _, runID := range toCancel {
			onCancel(runID)
		}
	}
	q.signal()
}

func less(a, b *core.QueuedJob) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

// Dequeue pops the highest-ordered job whose limits permit execution. Jobs
// held back by a saturated group or pipeline limit stay in place.
func (q *Queue) Dequeue() (*core.QueuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.items {
		if !q.canExecute(job) {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		if group := job.ConcurrencyGroup; group != "" {
			q.groupInFlight[group]++
			q.occupants[group] = append(q.occupants[group], job.RunID)
		}
		q.pipelineInFlight[job.PipelineID]++
		return job, true
	}
	return nil, false
}

func (q *Queue) canExecute(job *core.QueuedJob) bool {
	if group := job.ConcurrencyGroup; group != "" {
		limit, ok := q.groupLimits[group]
		if !ok {
			limit = DefaultGroupLimit
		}
		if q.groupInFlight[group] >= limit {
			return false
		}
	}
	if limit, ok := q.pipelineLimits[job.PipelineID]; ok {
		if q.pipelineInFlight[job.PipelineID] >= limit {
			return false
		}
	}
	return true
}

// Complete releases the slots held by a dequeued job. Counters saturate at
// zero.
func (q *Queue) Complete(job *core.QueuedJob) {
	q.mu.Lock()
	if group := job.ConcurrencyGroup; group != "" {
		if q.groupInFlight[group] > 0 {
			q.groupInFlight[group]--
		}
		q.occupants[group] = removeRun(q.occupants[group], job.RunID)
	}
	if q.pipelineInFlight[job.PipelineID] > 0 {
		q.pipelineInFlight[job.PipelineID]--
	}
	q.mu.Unlock()
	q.signal()
}

func removeRun(runs []core.RunID, id core.RunID) []core.RunID {
	for i, r := range runs {
		if r == id {
			return append(runs[:i], runs[i+1:]...)
		}
	}
	return runs
}

// Remove deletes one queued job by ID. Returns false when the job is not
// queued, which usually means it was already dequeued.
func (q *Queue) Remove(id core.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.items {
		if job.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// DropRun silently removes every queued job of a run. Used on cancellation;
// dropped jobs never held slots, so no counters change.
func (q *Queue) DropRun(runID core.RunID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	dropped := 0
	for _, job := range q.items {
		if job.RunID == runID {
			dropped++
			continue
		}
		kept = append(kept, job)
	}
	q.items = kept
	return dropped
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight returns the current in-flight count of a group.
func (q *Queue) InFlight(group string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.groupInFlight[group]
}
