// Package worker implements the build agent runtime: registration,
// heartbeats with system metrics, and execution of assigned stage jobs.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
)

// DefaultHeartbeatInterval matches the registry's staleness math: an agent is
// stale after three missed intervals.
const DefaultHeartbeatInterval = 10 * time.Second

// Config describes one worker instance.
type Config struct {
	Name              string
	Labels            []string
	Capabilities      []core.Capability
	MaxConcurrentJobs int
	HeartbeatInterval time.Duration
	// WorkDir is the root under which job workspaces are created.
	WorkDir string
	// ArtifactDir receives collected artifact archives.
	ArtifactDir string
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Worker is one registered build agent.
type Worker struct {
	cfg     Config
	agents  core.AgentRepository
	bus     core.EventBus
	exec    core.Executor
	secrets core.SecretProvider
	cache   core.CacheProvider

	agent *core.Agent

	mu      sync.Mutex
	running map[core.JobID]runningJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []core.Unsubscribe
}

// runningJob is one in-flight assignment, keyed by job ID so concurrent
// variants of the same run stay individually cancellable.
type runningJob struct {
	runID  core.RunID
	cancel context.CancelFunc
}

// New creates a worker. The secrets and cache providers may be nil; steps
// referencing them then fail or skip respectively.
func New(cfg Config, agents core.AgentRepository, bus core.EventBus, exec core.Executor, secrets core.SecretProvider, cache core.CacheProvider) *Worker {
	cfg.setDefaults()
	return &Worker{
		cfg:     cfg,
		agents:  agents,
		bus:     bus,
		exec:    exec,
		secrets: secrets,
		cache:   cache,
		running: make(map[core.JobID]runningJob),
	}
}

// Start registers the agent, announces it, and begins listening for job
// assignments and heartbeating.
func (w *Worker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	agent := &core.Agent{
		Name:              w.cfg.Name,
		Labels:            w.cfg.Labels,
		Capabilities:      w.cfg.Capabilities,
		OS:                runtime.GOOS,
		Arch:              runtime.GOARCH,
		MaxConcurrentJobs: w.cfg.MaxConcurrentJobs,
	}
	if err := w.agents.Register(ctx, agent); err != nil {
		return fmt.Errorf("register agent %s: %w", w.cfg.Name, err)
	}
	w.agent = agent

	if err := w.bus.Publish(ctx, &core.AgentRegisteredEvent{
		AgentID:      agent.ID,
		Name:         agent.Name,
		Labels:       agent.Labels,
		Capabilities: agent.Capabilities,
		OS:           agent.OS,
		Arch:         agent.Arch,
	}); err != nil {
		return fmt.Errorf("announce agent: %w", err)
	}

	unsub, err := w.bus.Subscribe(ctx, fmt.Sprintf("agent.%s.job", agent.ID), w.handleAssignment)
	if err != nil {
		return fmt.Errorf("subscribe to assignments: %w", err)
	}
	w.unsubs = append(w.unsubs, unsub)

	unsub, err = w.bus.Subscribe(ctx, fmt.Sprintf("agent.%s.cancel", agent.ID), w.handleCancel)
	if err != nil {
		return fmt.Errorf("subscribe to cancellations: %w", err)
	}
	w.unsubs = append(w.unsubs, unsub)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.heartbeatLoop(ctx)
	}()

	logger.Info(ctx, "Agent started",
		tag.AgentName(agent.Name),
		tag.AgentID(string(agent.ID)),
		tag.Count(len(agent.Labels)))
	return nil
}

// Stop deregisters the agent and waits for in-flight jobs to wind down.
func (w *Worker) Stop(ctx context.Context) {
	if w.cancel != nil {
		w.cancel()
	}
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil

	w.mu.Lock()
	for _, rj := range w.running {
		rj.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()

	if w.agent != nil {
		if err := w.agents.Deregister(ctx, w.agent.ID); err != nil {
			logger.Warn(ctx, "Failed to deregister agent",
				tag.AgentID(string(w.agent.ID)), tag.Error(err))
		}
	}
}

// AgentID returns the registered agent's ID, empty before Start.
func (w *Worker) AgentID() core.AgentID {
	if w.agent == nil {
		return ""
	}
	return w.agent.ID
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat(ctx)
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	metrics := collectMetrics()
	if err := w.agents.Heartbeat(ctx, w.agent.ID, metrics); err != nil {
		logger.Warn(ctx, "Heartbeat failed",
			tag.AgentID(string(w.agent.ID)), tag.Error(err))
		return
	}
	if err := w.bus.Publish(ctx, &core.AgentHeartbeatEvent{
		AgentID: w.agent.ID,
		Status:  w.agent.Status,
		Metrics: metrics,
		At:      time.Now().UTC(),
	}); err != nil {
		logger.Warn(ctx, "Failed to publish heartbeat",
			tag.AgentID(string(w.agent.ID)), tag.Error(err))
	}
}

// collectMetrics samples the host. Individual probe failures leave the
// corresponding field zero.
func collectMetrics() *core.SystemMetrics {
	m := &core.SystemMetrics{}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
		m.MemoryUsedBytes = vm.Used
	}
	if du, err := disk.Usage("/"); err == nil {
		m.DiskPercent = du.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		m.LoadAverage1 = avg.Load1
	}
	return m
}

// handleAssignment executes one assigned stage job. The handler always
// returns nil: a redelivered assignment would run the stage twice, so
// failures surface through the stage completion event instead.
func (w *Worker) handleAssignment(ctx context.Context, evt core.Event) error {
	assignment, ok := evt.(*core.JobAssignedEvent)
	if !ok || assignment.AgentID != w.agent.ID {
		return nil
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.mu.Lock()
	w.running[assignment.JobID] = runningJob{runID: assignment.RunID, cancel: cancel}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			cancel()
			w.mu.Lock()
			delete(w.running, assignment.JobID)
			w.mu.Unlock()
		}()
		w.runAssignment(jobCtx, assignment)
	}()
	return nil
}

// handleCancel stops the addressed job, or every job of the run when the
// request names no job.
func (w *Worker) handleCancel(ctx context.Context, evt core.Event) error {
	req, ok := evt.(*core.JobCancelRequestedEvent)
	if !ok || req.AgentID != w.agent.ID {
		return nil
	}
	w.mu.Lock()
	var cancels []context.CancelFunc
	for id, rj := range w.running {
		if req.JobID != "" {
			if id == req.JobID {
				cancels = append(cancels, rj.cancel)
			}
			continue
		}
		if rj.runID == req.RunID {
			cancels = append(cancels, rj.cancel)
		}
	}
	w.mu.Unlock()

	for _, cancel := range cancels {
		logger.Info(ctx, "Cancelling job",
			tag.AgentID(string(w.agent.ID)), tag.RunID(string(req.RunID)))
		cancel()
	}
	return nil
}

func (w *Worker) runAssignment(ctx context.Context, assignment *core.JobAssignedEvent) {
	if assignment.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(assignment.TimeoutSecs)*time.Second)
		defer cancel()
	}

	result := w.runStage(ctx, assignment)
	result.AgentID = w.agent.ID
	result.CompletedAt = time.Now().UTC()

	// Publish with a fresh context: the job context may already be
	// cancelled, but the completion report must still go out.
	if err := w.bus.Publish(context.Background(), result); err != nil {
		logger.Error(ctx, "Failed to publish stage completion",
			tag.RunID(string(assignment.RunID)),
			tag.Stage(assignment.Stage.Name),
			tag.Error(err))
	}
}
