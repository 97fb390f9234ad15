package scheduler

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
)

// handleRunEvent routes run-scoped bus events. Stage completions drive
// scheduling, cancel requests may arrive from other processes; step events
// pass through for observers.
func (s *Scheduler) handleRunEvent(ctx context.Context, evt core.Event) error {
	switch e := evt.(type) {
	case *core.StageCompletedEvent:
		s.completeVariant(ctx, variantResult{
			runID:      e.RunID,
			stageName:  e.StageName,
			jobIndex:   e.JobIndex,
			status:     e.Status,
			agentID:    e.AgentID,
			failedStep: e.FailedStep,
			exitCode:   e.ExitCode,
			reason:     e.Reason,
		})
	case *core.RunCancelRequestedEvent:
		// Re-entry from this scheduler's own CancelRun lands on the
		// cancelled flag and returns ErrRunTerminal.
		if err := s.CancelRun(ctx, e.RunID, e.RequestedBy); err != nil &&
			!errors.Is(err, core.ErrRunTerminal) {
			logger.Debug(ctx, "Cancel request not applicable",
				tag.RunID(string(e.RunID)), tag.Error(err))
		}
	}
	return nil
}

// handleAgentDisconnected fails every job that was executing on the lost
// agent. The failure goes through the normal completion path, so stage
// retries still apply.
func (s *Scheduler) handleAgentDisconnected(ctx context.Context, evt core.Event) error {
	disconnected, ok := evt.(*core.AgentDisconnectedEvent)
	if !ok {
		return nil
	}

	s.mu.RLock()
	states := make([]*runState, 0, len(s.active))
	for _, st := range s.active {
		states = append(states, st)
	}
	s.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		var lost []variantResult
		for name, jobs := range st.jobs {
			for _, j := range jobs {
				if j.inFlight && j.agentID == disconnected.AgentID {
					lost = append(lost, variantResult{
						runID:     st.run.ID,
						stageName: name,
						jobIndex:  j.node.JobIndex,
						status:    core.StageFailure,
						agentID:   disconnected.AgentID,
						reason:    "agent disconnected",
					})
				}
			}
		}
		st.mu.Unlock()

		for _, result := range lost {
			logger.Warn(ctx, "Job lost to agent disconnect",
				tag.RunID(string(result.runID)),
				tag.Stage(result.stageName),
				tag.AgentID(string(disconnected.AgentID)))
			s.completeVariant(ctx, result)
		}
	}
	return nil
}

// variantResult is the terminal outcome of one dispatched job.
type variantResult struct {
	runID      core.RunID
	stageName  string
	jobIndex   int
	status     core.StageStatus
	agentID    core.AgentID
	failedStep string
	exitCode   *int
	reason     string
}

// completeVariant applies a job outcome: release the agent and the queue
// slot, retry failed attempts while the stage retry budget lasts, reduce the
// stage once all variants are terminal, and cascade to successors.
func (s *Scheduler) completeVariant(ctx context.Context, result variantResult) {
	st, ok := s.state(result.runID)
	if !ok {
		// The run already finalized, usually a timeout or cancel racing the
		// agent's report. The agent still gets its slot back.
		s.releaseAgent(ctx, result.agentID, result.runID)
		return
	}

	st.mu.Lock()
	j := st.job(result.stageName, result.jobIndex)
	if j == nil || j.terminal() || !j.inFlight {
		st.mu.Unlock()
		return
	}
	j.inFlight = false
	j.attempts++
	if j.job != nil {
		s.queue.Complete(j.job)
	}
	agentID := j.agentID
	stage := j.node.Stage

	if result.status == core.StageFailure && !st.cancelled &&
		j.attempts < stage.Retry.Attempts() {
		s.scheduleRetryLocked(ctx, st, j)
		st.mu.Unlock()
		s.releaseAgent(ctx, agentID, result.runID)
		return
	}

	j.status = result.status
	if st.cancelled && result.status != core.StageFailure {
		j.status = core.StageCancelled
	}

	if result.status == core.StageFailure {
		if st.run.FailureSummary == nil {
			st.run.FailureSummary = &core.FailureSummary{
				Stage:    result.stageName,
				Step:     result.failedStep,
				ExitCode: result.exitCode,
				AgentID:  result.agentID,
				Reason:   result.reason,
			}
		}
		if stage.Matrix != nil && stage.Matrix.FailFast {
			s.cancelSiblingsLocked(ctx, st, result.stageName, result.jobIndex)
		}
	}

	if outcome, done := st.stageOutcome(result.stageName); done {
		s.syncStageLocked(ctx, st, result.stageName, outcome)
		switch outcome {
		case core.StageSuccess, core.StageSkipped:
			st.completed[result.stageName] = struct{}{}
			if !st.cancelled {
				for _, succ := range st.graph.Successors(result.stageName) {
					if st.graph.IsReady(succ, st.completed) {
						s.scheduleStageLocked(ctx, st, succ)
					}
				}
			}
		case core.StageFailure:
			s.blockDependentsLocked(ctx, st, result.stageName)
		}
		s.finalizeIfDoneLocked(ctx, st)
	}
	st.mu.Unlock()

	s.releaseAgent(ctx, agentID, result.runID)
	s.metrics.SetQueueDepth(s.queue.Len())
}

// scheduleRetryLocked re-enqueues a failed job after its backoff delay.
// The delay doubles per attempt when exponential backoff is configured.
func (s *Scheduler) scheduleRetryLocked(ctx context.Context, st *runState, j *jobState) {
	stage := j.node.Stage
	delay := time.Duration(stage.Retry.Delay()) * time.Second
	if stage.Retry != nil && stage.Retry.ExponentialBackoff {
		delay *= time.Duration(math.Pow(2, float64(j.attempts-1)))
	}

	j.status = core.StagePending
	j.agentID = ""
	job := j.job

	logger.Info(ctx, "Retrying stage",
		tag.RunID(string(st.run.ID)),
		tag.Stage(job.StageName),
		tag.Attempt(j.attempts+1),
		tag.Duration(delay))

	time.AfterFunc(delay, func() {
		st, ok := s.state(job.RunID)
		if !ok {
			return
		}
		st.mu.Lock()
		cancelled := st.cancelled
		st.mu.Unlock()
		if !cancelled {
			s.queue.Enqueue(job, false)
		}
	})
}

// cancelSiblingsLocked stops the remaining variants of a fail-fast matrix
// stage: queued ones leave the queue, executing ones get a cancel signal.
func (s *Scheduler) cancelSiblingsLocked(ctx context.Context, st *runState, stageName string, failedIndex int) {
	for _, sibling := range st.jobs[stageName] {
		if sibling.node.JobIndex == failedIndex || sibling.terminal() {
			continue
		}
		if sibling.inFlight {
			var jobID core.JobID
			if sibling.job != nil {
				jobID = sibling.job.ID
			}
			if err := s.bus.Publish(ctx, &core.JobCancelRequestedEvent{
				AgentID: sibling.agentID,
				RunID:   st.run.ID,
				JobID:   jobID,
			}); err != nil {
				logger.Warn(ctx, "Failed to signal sibling cancellation",
					tag.AgentID(string(sibling.agentID)), tag.Error(err))
			}
			continue
		}
		if sibling.job != nil {
			s.queue.Remove(sibling.job.ID)
		}
		sibling.status = core.StageCancelled
	}
}

// blockDependentsLocked marks every transitive dependent of a failed stage
// skipped: its dependencies can never all complete, so it will never become
// ready. Stages on independent branches keep scheduling.
func (s *Scheduler) blockDependentsLocked(ctx context.Context, st *runState, failed string) {
	pending := []string{failed}
	seen := make(map[string]struct{})
	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]
		for _, succ := range st.graph.Successors(name) {
			if _, dup := seen[succ]; dup {
				continue
			}
			seen[succ] = struct{}{}
			pending = append(pending, succ)

			if _, done := st.stageOutcome(succ); done {
				continue
			}
			st.scheduled[succ] = struct{}{}
			for _, j := range st.jobs[succ] {
				if !j.terminal() {
					j.status = core.StageSkipped
				}
			}
			s.syncStageLocked(ctx, st, succ, core.StageSkipped)
			logger.Info(ctx, "Stage blocked by failed dependency",
				tag.RunID(string(st.run.ID)),
				tag.Stage(succ),
				tag.Reason(failed))
		}
	}
}

// abortRunLocked stops all remaining work of a run: queued jobs leave the
// queue and executing agents are told to stop. Used for timeouts.
func (s *Scheduler) abortRunLocked(ctx context.Context, st *runState) {
	s.queue.DropRun(st.run.ID)
	st.markPendingCancelled()
	for _, agentID := range st.inFlightAgents() {
		if err := s.bus.Publish(ctx, &core.JobCancelRequestedEvent{
			AgentID: agentID,
			RunID:   st.run.ID,
		}); err != nil {
			logger.Warn(ctx, "Failed to signal agent cancellation",
				tag.AgentID(string(agentID)), tag.Error(err))
		}
	}
}

// releaseAgent returns an agent to the idle pool. The run ID guards against
// a stale release: a late report for a finalized run must not free an agent
// that has since been assigned other work.
func (s *Scheduler) releaseAgent(ctx context.Context, id core.AgentID, runID core.RunID) {
	if id == "" {
		return
	}
	agent, err := s.repos.Agents.Get(ctx, id)
	if err != nil {
		logger.Warn(ctx, "Failed to load agent for release",
			tag.AgentID(string(id)), tag.Error(err))
		return
	}
	if agent.CurrentRunID != runID {
		return
	}
	agent.Release()
	if err := s.repos.Agents.Update(ctx, agent); err != nil {
		logger.Warn(ctx, "Failed to release agent",
			tag.AgentID(string(id)), tag.Error(err))
	}
}
