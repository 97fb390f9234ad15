// Package scheduler implements the control plane: trigger evaluation, run
// orchestration over the stage graph, job dispatch to agents, approval gates,
// and run finalization.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/dag"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
	"github.com/copyleftdev/oxide-ci-sub000/internal/metrics"
	"github.com/copyleftdev/oxide-ci-sub000/internal/queue"
	"github.com/copyleftdev/oxide-ci-sub000/internal/registry"
)

// Config tunes the scheduler.
type Config struct {
	// DispatchWorkers is the size of the dispatch pool.
	DispatchWorkers int
	// RedispatchInterval is how long a dispatch worker backs off when no
	// agent can take the job at the front of the queue.
	RedispatchInterval time.Duration
	// SweepInterval drives the run timeout and approval expiry checks.
	SweepInterval time.Duration
	// GraphCacheSize bounds the compiled stage graph cache.
	GraphCacheSize int
	// MaxJobsPerPipeline bounds how many jobs of one pipeline execute at
	// once, across its runs. Zero leaves pipelines unbounded.
	MaxJobsPerPipeline int
}

func (c *Config) setDefaults() {
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 4
	}
	if c.RedispatchInterval <= 0 {
		c.RedispatchInterval = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.GraphCacheSize <= 0 {
		c.GraphCacheSize = 128
	}
}

// Repositories bundles the persistence the scheduler needs.
type Repositories struct {
	Pipelines core.PipelineRepository
	Runs      core.RunRepository
	Agents    core.AgentRepository
	Approvals core.ApprovalRepository
}

// Scheduler owns the run lifecycle from trigger to terminal status.
type Scheduler struct {
	cfg     Config
	repos   Repositories
	bus     core.EventBus
	queue   *queue.Queue
	matcher *registry.Matcher
	metrics *metrics.SchedulerMetrics

	graphs *lru.Cache[string, *dag.Graph]

	mu     sync.RWMutex
	active map[core.RunID]*runState

	// matchMu serializes agent matching so two dispatch workers never claim
	// the same idle agent.
	matchMu sync.Mutex

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsubs  []core.Unsubscribe
	started bool
}

// New creates a scheduler. The metrics argument may be nil.
func New(cfg Config, repos Repositories, bus core.EventBus, m *metrics.SchedulerMetrics) (*Scheduler, error) {
	cfg.setDefaults()
	graphs, err := lru.New[string, *dag.Graph](cfg.GraphCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create graph cache: %w", err)
	}
	s := &Scheduler{
		cfg:     cfg,
		repos:   repos,
		bus:     bus,
		matcher: registry.NewMatcher(repos.Agents),
		metrics: m,
		graphs:  graphs,
		active:  make(map[core.RunID]*runState),
	}
	s.queue = queue.New(queue.WithCancelFunc(s.onCancelInProgress))
	return s, nil
}

// Queue exposes the scheduling queue, for introspection.
func (s *Scheduler) Queue() *queue.Queue {
	return s.queue
}

// Start launches the dispatch pool, the event subscriptions, and the sweep
// loop, then resumes runs that were queued when the previous instance
// stopped.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	unsub, err := s.bus.Subscribe(ctx, "run.>", s.handleRunEvent)
	if err != nil {
		return fmt.Errorf("subscribe to run events: %w", err)
	}
	s.unsubs = append(s.unsubs, unsub)

	unsub, err = s.bus.Subscribe(ctx, "agent.*.disconnected", s.handleAgentDisconnected)
	if err != nil {
		return fmt.Errorf("subscribe to agent events: %w", err)
	}
	s.unsubs = append(s.unsubs, unsub)

	for i := 0; i < s.cfg.DispatchWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatchLoop(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()

	if err := s.resumeQueuedRuns(ctx); err != nil {
		logger.Warn(ctx, "Failed to resume queued runs", tag.Error(err))
	}

	logger.Info(ctx, "Scheduler started",
		tag.Count(s.cfg.DispatchWorkers))
	return nil
}

// Stop tears down subscriptions and waits for the workers to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.wg.Wait()
}

// resumeQueuedRuns re-enters runs persisted as queued, so a restart does not
// strand them.
func (s *Scheduler) resumeQueuedRuns(ctx context.Context) error {
	runs, err := s.repos.Runs.GetQueued(ctx, 0)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if _, tracked := s.state(run.ID); tracked {
			continue
		}
		pipeline, err := s.repos.Pipelines.Get(ctx, run.PipelineID)
		if err != nil {
			logger.Warn(ctx, "Queued run references missing pipeline",
				tag.RunID(string(run.ID)), tag.Error(err))
			continue
		}
		if err := s.admitRun(ctx, run, pipeline); err != nil {
			logger.Warn(ctx, "Failed to resume run",
				tag.RunID(string(run.ID)), tag.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) state(id core.RunID) (*runState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.active[id]
	return st, ok
}

func (s *Scheduler) track(st *runState) {
	s.mu.Lock()
	s.active[st.run.ID] = st
	n := len(s.active)
	s.mu.Unlock()
	s.metrics.SetActiveRuns(n)
}

func (s *Scheduler) untrack(id core.RunID) {
	s.mu.Lock()
	delete(s.active, id)
	n := len(s.active)
	s.mu.Unlock()
	s.metrics.SetActiveRuns(n)
}

// graphFor builds or reuses the compiled stage graph of a pipeline revision.
func (s *Scheduler) graphFor(p *core.Pipeline) (*dag.Graph, error) {
	key := fmt.Sprintf("%s@%d", p.ID, p.UpdatedAt.UnixNano())
	if g, ok := s.graphs.Get(key); ok {
		return g, nil
	}
	g, err := dag.Build(p.Definition)
	if err != nil {
		return nil, err
	}
	s.graphs.Add(key, g)
	return g, nil
}

// onCancelInProgress reacts to the queue finding a concurrency group occupied
// by an older run: that run is asked to cancel.
func (s *Scheduler) onCancelInProgress(runID core.RunID) {
	ctx := context.Background()
	if err := s.CancelRun(ctx, runID, "superseded"); err != nil {
		logger.Warn(ctx, "Failed to cancel superseded run",
			tag.RunID(string(runID)), tag.Error(err))
	}
}
