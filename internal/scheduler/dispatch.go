package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
	"github.com/copyleftdev/oxide-ci-sub000/internal/registry"
)

// dispatchLoop is one worker of the dispatch pool: pop a runnable job, find
// an agent, hand the job over.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok := s.queue.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.queue.Notify():
			case <-time.After(s.cfg.RedispatchInterval):
			}
			continue
		}
		s.dispatch(ctx, job)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job *core.QueuedJob) {
	st, ok := s.state(job.RunID)
	if !ok {
		s.queue.Complete(job)
		return
	}

	st.mu.Lock()
	j := st.job(job.StageName, job.JobIndex)
	if j == nil || j.terminal() || st.cancelled {
		st.mu.Unlock()
		s.queue.Complete(job)
		return
	}
	stage := j.node.Stage
	st.mu.Unlock()

	req := registry.Requirements{
		Labels:       job.Labels,
		Capabilities: core.RequiredCapabilities(stage.EnvironmentType()),
	}
	if stage.Agent != nil {
		req.Name = stage.Agent.Name
	}

	// Matching and claiming happen under one lock so concurrent workers
	// never claim the same idle agent.
	s.matchMu.Lock()
	agent, err := s.matcher.FindBest(ctx, req)
	if err == nil {
		if err = agent.Assign(job.RunID); err == nil {
			err = s.repos.Agents.Update(ctx, agent)
		}
	}
	s.matchMu.Unlock()

	if err != nil {
		if !errors.Is(err, core.ErrNoAvailableAgent) {
			logger.Warn(ctx, "Agent matching failed",
				tag.RunID(string(job.RunID)),
				tag.Stage(job.StageName),
				tag.Error(err))
		}
		// Release the slot and put the job back; the original queue time
		// keeps its position.
		s.queue.Complete(job)
		s.queue.Enqueue(job, false)
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.RedispatchInterval):
		}
		return
	}

	s.assign(ctx, st, job, agent)
}

// assign records the dispatch and publishes the assignment to the agent.
func (s *Scheduler) assign(ctx context.Context, st *runState, job *core.QueuedJob, agent *core.Agent) {
	now := time.Now().UTC()

	st.mu.Lock()
	j := st.job(job.StageName, job.JobIndex)
	j.inFlight = true
	j.agentID = agent.ID
	j.status = core.StageRunning
	j.job = job

	firstStart := st.run.Status == core.RunQueuedStatus
	st.run.MarkStarted(now)
	if stage := st.run.FindStage(job.StageName); stage != nil {
		stage.Status = core.StageRunning
		stage.AgentID = agent.ID
		if stage.StartedAt == nil {
			stage.StartedAt = &now
		}
	}
	if err := s.repos.Runs.Update(ctx, st.run); err != nil {
		logger.Warn(ctx, "Failed to persist run",
			tag.RunID(string(st.run.ID)), tag.Error(err))
	}
	timeoutSecs := s.effectiveTimeoutLocked(st, j.node.Stage)
	stageIndex := j.node.StageIndex
	st.mu.Unlock()

	if firstStart {
		if err := s.bus.Publish(ctx, &core.RunStartedEvent{
			RunID:      st.run.ID,
			PipelineID: st.run.PipelineID,
			RunNumber:  st.run.RunNumber,
			StartedAt:  now,
		}); err != nil {
			logger.Warn(ctx, "Failed to publish run started",
				tag.RunID(string(st.run.ID)), tag.Error(err))
		}
	}

	if err := s.bus.Publish(ctx, &core.StageStartedEvent{
		RunID:     st.run.ID,
		StageName: job.StageName,
		JobIndex:  job.JobIndex,
		AgentID:   agent.ID,
		StartedAt: now,
	}); err != nil {
		logger.Warn(ctx, "Failed to publish stage started",
			tag.RunID(string(st.run.ID)), tag.Error(err))
	}

	if err := s.bus.Publish(ctx, &core.JobAssignedEvent{
		AgentID:      agent.ID,
		JobID:        job.ID,
		RunID:        st.run.ID,
		PipelineID:   st.run.PipelineID,
		PipelineName: st.run.PipelineName,
		Stage:        j.node.Stage,
		StageIndex:   stageIndex,
		JobIndex:     job.JobIndex,
		MatrixValues: job.MatrixValues,
		Variables:    st.run.Variables,
		TimeoutSecs:  timeoutSecs,
		Cache:        st.def.Cache,
		Artifacts:    st.def.Artifacts,
	}); err != nil {
		logger.Error(ctx, "Failed to publish job assignment",
			tag.RunID(string(st.run.ID)),
			tag.AgentID(string(agent.ID)),
			tag.Error(err))
	}

	s.metrics.IncDispatched()
	s.metrics.SetQueueDepth(s.queue.Len())

	logger.Info(ctx, "Job dispatched",
		tag.RunID(string(st.run.ID)),
		tag.Stage(job.StageName),
		tag.Job(string(job.ID)),
		tag.AgentName(agent.Name))
}

// effectiveTimeoutLocked bounds a stage by its own timeout and by the time
// remaining in the run, whichever is smaller.
func (s *Scheduler) effectiveTimeoutLocked(st *runState, stage core.StageDefinition) int {
	residual := time.Until(st.deadline)
	timeout := residual
	if stage.TimeoutMinutes > 0 {
		if d := time.Duration(stage.TimeoutMinutes) * time.Minute; d < timeout {
			timeout = d
		}
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	return int(timeout / time.Second)
}
