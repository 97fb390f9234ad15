package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/dag"
	"github.com/copyleftdev/oxide-ci-sub000/internal/eval"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
)

// StartRun materializes and admits a new run of the pipeline. The run is
// persisted as queued, its root stages enter the scheduling queue, and the
// queued event is published.
func (s *Scheduler) StartRun(ctx context.Context, p *core.Pipeline, evt core.TriggerEvent) (*core.Run, error) {
	graph, err := s.graphFor(p)
	if err != nil {
		return nil, fmt.Errorf("build stage graph for %s: %w", p.Name, err)
	}

	number, err := s.repos.Runs.NextRunNumber(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate run number: %w", err)
	}

	run := core.NewRun(p.ID, p.Definition, number, evt)
	materializeVariants(run, graph)
	if err := s.repos.Runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	if err := s.bus.Publish(ctx, &core.RunQueuedEvent{
		RunID:        run.ID,
		PipelineID:   p.ID,
		PipelineName: p.Name,
		RunNumber:    number,
		QueuedAt:     run.QueuedAt,
	}); err != nil {
		return nil, fmt.Errorf("publish run queued: %w", err)
	}

	if err := s.admitRun(ctx, run, p); err != nil {
		return nil, err
	}

	logger.Info(ctx, "Run queued",
		tag.Pipeline(p.Name),
		tag.RunID(string(run.ID)),
		tag.RunNumber(number),
		tag.TriggerType(string(evt.Type)))
	return run, nil
}

// materializeVariants widens matrix stages in the persisted run so each
// variant is visible with its display name.
func materializeVariants(run *core.Run, graph *dag.Graph) {
	for i := range run.Stages {
		stage := &run.Stages[i]
		variants := graph.Variants(stage.Name)
		if len(variants) == 1 {
			stage.DisplayName = variants[0].DisplayName
		}
	}
}

// admitRun starts tracking the run and feeds its root stages to the queue.
func (s *Scheduler) admitRun(ctx context.Context, run *core.Run, p *core.Pipeline) error {
	graph, err := s.graphFor(p)
	if err != nil {
		return err
	}

	st := newRunState(run, p.Definition, graph)
	st.priority = triggerPriority(run.Trigger.Type)
	if spec := p.Definition.Concurrency; spec != nil && spec.Group != "" {
		ectx := &eval.Context{Variables: run.Variables}
		st.concurrencyGroup = eval.Interpolate(spec.Group, ectx)
		st.cancelInProgress = spec.CancelInProgress
		if spec.Limit > 0 {
			s.queue.SetGroupLimit(st.concurrencyGroup, spec.Limit)
		}
	}
	if s.cfg.MaxJobsPerPipeline > 0 {
		s.queue.SetPipelineLimit(run.PipelineID, s.cfg.MaxJobsPerPipeline)
	}
	s.track(st)

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, root := range graph.Roots() {
		s.scheduleStageLocked(ctx, st, root)
	}
	s.finalizeIfDoneLocked(ctx, st)
	return nil
}

// triggerPriority biases human-initiated runs over automated ones.
func triggerPriority(t core.TriggerType) core.Priority {
	switch t {
	case core.TriggerManual, core.TriggerAPI:
		return core.PriorityHigh
	default:
		return core.PriorityNormal
	}
}

// scheduleStageLocked evaluates a stage whose dependencies are satisfied and
// either skips it, parks it behind an approval gate, or enqueues its jobs.
// Callers hold st.mu.
func (s *Scheduler) scheduleStageLocked(ctx context.Context, st *runState, name string) {
	if _, done := st.scheduled[name]; done || st.cancelled {
		return
	}
	st.scheduled[name] = struct{}{}

	variants := st.graph.Variants(name)
	stage := variants[0].Stage

	ectx := &eval.Context{Variables: st.run.Variables}
	if !eval.EvaluateCondition(stage.Condition, ectx) {
		s.skipStageLocked(ctx, st, name)
		return
	}

	if stage.RequiresApproval() {
		if _, pending := st.gates[name]; !pending {
			s.requestApprovalLocked(ctx, st, name, stage)
			return
		}
	}

	s.enqueueStageLocked(ctx, st, name)
}

// skipStageLocked marks every variant skipped; a skipped stage counts as
// success for its successors.
func (s *Scheduler) skipStageLocked(ctx context.Context, st *runState, name string) {
	for _, j := range st.jobs[name] {
		j.status = core.StageSkipped
	}
	st.completed[name] = struct{}{}
	s.syncStageLocked(ctx, st, name, core.StageSkipped)

	logger.Info(ctx, "Stage skipped by condition",
		tag.RunID(string(st.run.ID)), tag.Stage(name))

	for _, succ := range st.graph.Successors(name) {
		if st.graph.IsReady(succ, st.completed) {
			s.scheduleStageLocked(ctx, st, succ)
		}
	}
}

// enqueueStageLocked admits every variant of the stage to the queue.
func (s *Scheduler) enqueueStageLocked(ctx context.Context, st *runState, name string) {
	variants := st.graph.Variants(name)
	stage := variants[0].Stage

	if stage.Matrix != nil {
		if err := s.bus.Publish(ctx, &core.MatrixExpandedEvent{
			RunID:     st.run.ID,
			StageName: name,
			Count:     len(variants),
			Variants: lo.Map(variants, func(n *dag.Node, _ int) string {
				return n.DisplayName
			}),
		}); err != nil {
			logger.Warn(ctx, "Failed to publish matrix expansion",
				tag.RunID(string(st.run.ID)), tag.Error(err))
		}
	}

	var labels []string
	if stage.Agent != nil {
		labels = stage.Agent.Labels
	}

	now := time.Now().UTC()
	for _, node := range variants {
		job := &core.QueuedJob{
			ID:               core.NewJobID(),
			RunID:            st.run.ID,
			PipelineID:       st.run.PipelineID,
			StageName:        name,
			JobIndex:         node.JobIndex,
			DisplayName:      node.DisplayName,
			MatrixValues:     node.MatrixValues,
			Priority:         st.priority,
			QueuedAt:         now,
			Labels:           labels,
			ConcurrencyGroup: st.concurrencyGroup,
		}
		s.queue.Enqueue(job, st.cancelInProgress)
	}
	s.metrics.SetQueueDepth(s.queue.Len())

	if status := st.run.FindStage(name); status != nil && status.Status == core.StagePending {
		status.Status = core.StageWaiting
	}
}

// CancelRun requests cooperative cancellation of an active run. Queued jobs
// are dropped silently; executing agents are signalled and the run finalizes
// once they report back, or immediately when nothing is in flight.
func (s *Scheduler) CancelRun(ctx context.Context, id core.RunID, requestedBy string) error {
	st, ok := s.state(id)
	if !ok {
		run, err := s.repos.Runs.Get(ctx, id)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return core.ErrRunTerminal
		}
		return fmt.Errorf("run %s is not tracked by this scheduler", id)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancelled || st.run.Status.IsTerminal() {
		return core.ErrRunTerminal
	}
	st.cancelled = true

	// Announce after the cancelled flag is set: the scheduler consumes this
	// event itself so out-of-process cancel requests work, and the flag makes
	// the re-entry a no-op.
	if err := s.bus.Publish(ctx, &core.RunCancelRequestedEvent{
		RunID:       id,
		RequestedBy: requestedBy,
	}); err != nil {
		logger.Warn(ctx, "Failed to publish cancel request",
			tag.RunID(string(id)), tag.Error(err))
	}

	dropped := s.queue.DropRun(id)
	s.metrics.SetQueueDepth(s.queue.Len())
	st.markPendingCancelled()

	agents := st.inFlightAgents()
	for _, agentID := range agents {
		if err := s.bus.Publish(ctx, &core.JobCancelRequestedEvent{
			AgentID: agentID,
			RunID:   id,
		}); err != nil {
			logger.Warn(ctx, "Failed to signal agent cancellation",
				tag.AgentID(string(agentID)), tag.Error(err))
		}
	}

	logger.Info(ctx, "Run cancellation requested",
		tag.RunID(string(id)),
		tag.Count(dropped),
		tag.Reason(requestedBy))

	if !st.hasInFlight() {
		s.finalizeRunLocked(ctx, st, core.RunCancelledStatus, nil)
	}
	return nil
}

// syncStageLocked mirrors a stage outcome onto the persisted run.
func (s *Scheduler) syncStageLocked(ctx context.Context, st *runState, name string, status core.StageStatus) {
	stage := st.run.FindStage(name)
	if stage == nil {
		return
	}
	stage.Status = status
	if status.IsTerminal() {
		now := time.Now().UTC()
		stage.CompletedAt = &now
	}
	if err := s.repos.Runs.Update(ctx, st.run); err != nil {
		logger.Warn(ctx, "Failed to persist run",
			tag.RunID(string(st.run.ID)), tag.Error(err))
	}
}

// finalizeIfDoneLocked finalizes the run if every stage reached a terminal
// outcome. Success requires that no stage failed.
func (s *Scheduler) finalizeIfDoneLocked(ctx context.Context, st *runState) {
	if st.run.Status.IsTerminal() || !st.allStagesDone() {
		return
	}
	switch {
	case st.anyFailed():
		s.finalizeRunLocked(ctx, st, core.RunFailure, st.run.FailureSummary)
	case st.cancelled:
		s.finalizeRunLocked(ctx, st, core.RunCancelledStatus, nil)
	default:
		s.finalizeRunLocked(ctx, st, core.RunSuccess, nil)
	}
}

// finalizeRunLocked moves the run to a terminal status, persists it, and
// publishes the completion events. Callers hold st.mu.
func (s *Scheduler) finalizeRunLocked(ctx context.Context, st *runState, status core.RunStatus, summary *core.FailureSummary) {
	if st.run.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	st.run.FailureSummary = summary
	st.run.Finalize(status, now)
	if err := s.repos.Runs.Update(ctx, st.run); err != nil {
		logger.Error(ctx, "Failed to persist finalized run",
			tag.RunID(string(st.run.ID)), tag.Error(err))
	}

	var durationMS int64
	if st.run.DurationMS != nil {
		durationMS = *st.run.DurationMS
	}
	if err := s.bus.Publish(ctx, &core.RunCompletedEvent{
		RunID:          st.run.ID,
		PipelineID:     st.run.PipelineID,
		RunNumber:      st.run.RunNumber,
		Status:         status,
		DurationMS:     durationMS,
		FailureSummary: summary,
		CompletedAt:    now,
	}); err != nil {
		logger.Error(ctx, "Failed to publish run completion",
			tag.RunID(string(st.run.ID)), tag.Error(err))
	}
	if status == core.RunCancelledStatus {
		if err := s.bus.Publish(ctx, &core.RunCancelledEvent{
			RunID:      st.run.ID,
			PipelineID: st.run.PipelineID,
		}); err != nil {
			logger.Warn(ctx, "Failed to publish run cancelled",
				tag.RunID(string(st.run.ID)), tag.Error(err))
		}
	}

	s.metrics.IncCompleted(status.String())
	s.untrack(st.run.ID)

	logger.Info(ctx, "Run completed",
		tag.RunID(string(st.run.ID)),
		tag.RunNumber(st.run.RunNumber),
		tag.Status(status.String()),
		tag.Duration(time.Duration(durationMS)*time.Millisecond))
}
