package scheduler

import (
	"context"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
)

// sweepLoop periodically times out overdue runs and expires overdue approval
// gates.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.timeoutRuns(ctx)
			s.expireApprovals(ctx)
		}
	}
}

// timeoutRuns finalizes runs past their deadline. Queued jobs are dropped and
// executing agents are signalled; the timeout status is terminal immediately,
// late agent reports are ignored.
func (s *Scheduler) timeoutRuns(ctx context.Context) {
	now := time.Now()

	s.mu.RLock()
	states := make([]*runState, 0, len(s.active))
	for _, st := range s.active {
		states = append(states, st)
	}
	s.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		if st.run.Status.IsTerminal() || !now.After(st.deadline) {
			st.mu.Unlock()
			continue
		}
		logger.Warn(ctx, "Run exceeded its timeout",
			tag.RunID(string(st.run.ID)),
			tag.RunNumber(st.run.RunNumber))

		s.abortRunLocked(ctx, st)
		var lost []core.AgentID
		for _, jobs := range st.jobs {
			for _, j := range jobs {
				if !j.terminal() {
					if j.inFlight && j.agentID != "" {
						lost = append(lost, j.agentID)
					}
					j.status = core.StageCancelled
					j.inFlight = false
					if j.job != nil {
						s.queue.Complete(j.job)
					}
				}
			}
		}
		s.finalizeRunLocked(ctx, st, core.RunTimeout, &core.FailureSummary{
			Stage:  firstUnfinishedStage(st),
			Reason: "run timeout",
		})
		st.mu.Unlock()

		// The cancel signal to the agents is cooperative; the run is already
		// finalized, so their slots free now rather than on report-back.
		for _, agentID := range lost {
			s.releaseAgent(ctx, agentID, st.run.ID)
		}
	}
}

func firstUnfinishedStage(st *runState) string {
	for _, name := range st.graph.TopologicalOrder() {
		stage := st.run.FindStage(name)
		if stage != nil && !stage.Status.IsTerminal() {
			return name
		}
	}
	return ""
}
