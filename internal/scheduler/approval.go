package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
)

// requestApprovalLocked parks a protected stage behind a new approval gate.
// Callers hold st.mu.
func (s *Scheduler) requestApprovalLocked(ctx context.Context, st *runState, name string, stage core.StageDefinition) {
	gate := core.NewApprovalGate(st.run.ID, name, st.run.Trigger.TriggeredBy, stage.Environment.Protection)
	if err := s.repos.Approvals.Create(ctx, gate); err != nil {
		logger.Error(ctx, "Failed to persist approval gate",
			tag.RunID(string(st.run.ID)), tag.Stage(name), tag.Error(err))
		return
	}
	st.gates[name] = gate.ID

	if runStage := st.run.FindStage(name); runStage != nil {
		runStage.Status = core.StageWaiting
	}
	if err := s.repos.Runs.Update(ctx, st.run); err != nil {
		logger.Warn(ctx, "Failed to persist run",
			tag.RunID(string(st.run.ID)), tag.Error(err))
	}

	if err := s.bus.Publish(ctx, &core.ApprovalRequestedEvent{
		ApprovalID:        gate.ID,
		RunID:             st.run.ID,
		StageName:         name,
		RequiredApprovers: gate.RequiredApprovers,
		ExpiresAt:         gate.ExpiresAt,
	}); err != nil {
		logger.Warn(ctx, "Failed to publish approval request",
			tag.Gate(string(gate.ID)), tag.Error(err))
	}

	logger.Info(ctx, "Stage waiting for approval",
		tag.RunID(string(st.run.ID)),
		tag.Stage(name),
		tag.Gate(string(gate.ID)),
		tag.Count(gate.RequiredApprovers))
}

// Approve records one approval on a gate. Once the gate is fully approved,
// the held stage enters the scheduling queue.
func (s *Scheduler) Approve(ctx context.Context, id core.ApprovalID, user string) error {
	gate, err := s.repos.Approvals.Get(ctx, id)
	if err != nil {
		return err
	}
	if gate.Status.IsTerminal() {
		return core.ErrApprovalResolved
	}
	now := time.Now().UTC()
	if !gate.Approve(user, now) {
		return fmt.Errorf("user %q may not approve gate %s", user, id)
	}
	if err := s.repos.Approvals.Update(ctx, gate); err != nil {
		return fmt.Errorf("persist approval: %w", err)
	}

	if err := s.bus.Publish(ctx, &core.ApprovalGrantedEvent{
		ApprovalID:       gate.ID,
		RunID:            gate.RunID,
		StageName:        gate.StageName,
		ApprovedBy:       user,
		CurrentApprovals: gate.CurrentApprovals,
		FullyApproved:    gate.FullyApproved(),
	}); err != nil {
		logger.Warn(ctx, "Failed to publish approval granted",
			tag.Gate(string(gate.ID)), tag.Error(err))
	}

	if gate.FullyApproved() {
		s.releaseGatedStage(ctx, gate)
	}
	return nil
}

// Reject resolves a gate as rejected; the protected stage fails and the run
// fails with it.
func (s *Scheduler) Reject(ctx context.Context, id core.ApprovalID, user string) error {
	gate, err := s.repos.Approvals.Get(ctx, id)
	if err != nil {
		return err
	}
	if gate.Status.IsTerminal() {
		return core.ErrApprovalResolved
	}
	if !gate.Reject(user, time.Now().UTC()) {
		return fmt.Errorf("user %q may not reject gate %s", user, id)
	}
	if err := s.repos.Approvals.Update(ctx, gate); err != nil {
		return fmt.Errorf("persist rejection: %w", err)
	}

	if err := s.bus.Publish(ctx, &core.ApprovalRejectedEvent{
		ApprovalID: gate.ID,
		RunID:      gate.RunID,
		StageName:  gate.StageName,
		RejectedBy: user,
	}); err != nil {
		logger.Warn(ctx, "Failed to publish approval rejection",
			tag.Gate(string(gate.ID)), tag.Error(err))
	}

	s.failGatedStage(ctx, gate, "approval rejected")
	return nil
}

// Bypass resolves a gate by operator override and releases the stage.
func (s *Scheduler) Bypass(ctx context.Context, id core.ApprovalID) error {
	gate, err := s.repos.Approvals.Get(ctx, id)
	if err != nil {
		return err
	}
	if !gate.Bypass(time.Now().UTC()) {
		return core.ErrApprovalResolved
	}
	if err := s.repos.Approvals.Update(ctx, gate); err != nil {
		return fmt.Errorf("persist bypass: %w", err)
	}
	s.releaseGatedStage(ctx, gate)
	return nil
}

// releaseGatedStage enqueues the stage a resolved gate was holding.
func (s *Scheduler) releaseGatedStage(ctx context.Context, gate *core.ApprovalGate) {
	st, ok := s.state(gate.RunID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cancelled {
		return
	}
	s.enqueueStageLocked(ctx, st, gate.StageName)

	logger.Info(ctx, "Approval granted, stage released",
		tag.RunID(string(gate.RunID)), tag.Stage(gate.StageName))
}

// failGatedStage fails the held stage after rejection or expiry.
func (s *Scheduler) failGatedStage(ctx context.Context, gate *core.ApprovalGate, reason string) {
	st, ok := s.state(gate.RunID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, j := range st.jobs[gate.StageName] {
		if !j.terminal() {
			j.status = core.StageFailure
		}
	}
	if st.run.FailureSummary == nil {
		st.run.FailureSummary = &core.FailureSummary{
			Stage:  gate.StageName,
			Reason: reason,
		}
	}
	s.syncStageLocked(ctx, st, gate.StageName, core.StageFailure)
	s.abortRunLocked(ctx, st)
	s.finalizeIfDoneLocked(ctx, st)
}

// expireApprovals resolves overdue gates and fails their stages.
func (s *Scheduler) expireApprovals(ctx context.Context) {
	now := time.Now().UTC()
	gates, err := s.repos.Approvals.ListExpired(ctx, now)
	if err != nil {
		logger.Warn(ctx, "Failed to list expired approvals", tag.Error(err))
		return
	}
	for _, gate := range gates {
		if !gate.Expire(now) {
			continue
		}
		if err := s.repos.Approvals.Update(ctx, gate); err != nil {
			logger.Warn(ctx, "Failed to persist gate expiry",
				tag.Gate(string(gate.ID)), tag.Error(err))
			continue
		}
		if err := s.bus.Publish(ctx, &core.ApprovalExpiredEvent{
			ApprovalID: gate.ID,
			RunID:      gate.RunID,
			StageName:  gate.StageName,
		}); err != nil {
			logger.Warn(ctx, "Failed to publish approval expiry",
				tag.Gate(string(gate.ID)), tag.Error(err))
		}

		logger.Warn(ctx, "Approval gate expired",
			tag.Gate(string(gate.ID)),
			tag.RunID(string(gate.RunID)),
			tag.Stage(gate.StageName))
		s.failGatedStage(ctx, gate, "approval expired")
	}
}
