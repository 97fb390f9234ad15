package scheduler

import (
	"sync"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/dag"
)

// jobState tracks one (stage, matrix variant) job of an active run.
type jobState struct {
	node     *dag.Node
	status   core.StageStatus
	attempts int
	agentID  core.AgentID
	inFlight bool
	// job is the queue entry, kept for slot release and retries.
	job *core.QueuedJob
}

func (j *jobState) terminal() bool {
	return j.status.IsTerminal()
}

// runState is the scheduler's in-memory view of one active run. All access
// goes through the mutex; the persisted run is the durable source of truth.
type runState struct {
	mu sync.Mutex

	run   *core.Run
	def   *core.PipelineDefinition
	graph *dag.Graph

	// jobs holds variant states per logical stage, indexed by JobIndex.
	jobs map[string][]*jobState
	// completed holds logical stages whose outcome counts as success, for
	// successor readiness checks.
	completed map[string]struct{}
	// scheduled guards against double-enqueueing a stage.
	scheduled map[string]struct{}
	// gates maps stages held behind an approval to their gate ID.
	gates map[string]core.ApprovalID

	concurrencyGroup string
	cancelInProgress bool
	priority         core.Priority

	cancelled bool
	deadline  time.Time
}

func newRunState(run *core.Run, def *core.PipelineDefinition, graph *dag.Graph) *runState {
	st := &runState{
		run:       run,
		def:       def,
		graph:     graph,
		jobs:      make(map[string][]*jobState, len(graph.Stages())),
		completed: make(map[string]struct{}),
		scheduled: make(map[string]struct{}),
		gates:     make(map[string]core.ApprovalID),
	}
	for _, name := range graph.Stages() {
		variants := graph.Variants(name)
		states := make([]*jobState, len(variants))
		for i, node := range variants {
			states[i] = &jobState{node: node, status: core.StagePending}
		}
		st.jobs[name] = states
	}

	timeout := def.TimeoutMinutes
	if timeout <= 0 {
		timeout = core.DefaultPipelineTimeoutMinutes
	}
	st.deadline = run.QueuedAt.Add(time.Duration(timeout) * time.Minute)
	return st
}

// job returns the state of one variant, or nil for unknown indices.
func (st *runState) job(stage string, jobIndex int) *jobState {
	states := st.jobs[stage]
	if jobIndex < 0 || jobIndex >= len(states) {
		return nil
	}
	return states[jobIndex]
}

// stageOutcome reduces a stage's variant states to one status once every
// variant is terminal. The second result is false while variants remain.
func (st *runState) stageOutcome(stage string) (core.StageStatus, bool) {
	var (
		failed    bool
		cancelled bool
		skipped   = true
	)
	for _, j := range st.jobs[stage] {
		if !j.terminal() {
			return 0, false
		}
		switch j.status {
		case core.StageFailure:
			failed = true
		case core.StageCancelled:
			cancelled = true
		}
		if j.status != core.StageSkipped {
			skipped = false
		}
	}
	switch {
	case failed:
		return core.StageFailure, true
	case cancelled:
		return core.StageCancelled, true
	case skipped:
		return core.StageSkipped, true
	default:
		return core.StageSuccess, true
	}
}

// allStagesDone reports whether every logical stage reached a terminal
// outcome.
func (st *runState) allStagesDone() bool {
	for _, name := range st.graph.Stages() {
		if _, ok := st.stageOutcome(name); !ok {
			return false
		}
	}
	return true
}

// anyFailed reports whether any variant of any stage failed.
func (st *runState) anyFailed() bool {
	for _, states := range st.jobs {
		for _, j := range states {
			if j.status == core.StageFailure {
				return true
			}
		}
	}
	return false
}

// inFlightAgents returns the agents currently executing jobs of this run.
func (st *runState) inFlightAgents() []core.AgentID {
	var out []core.AgentID
	for _, states := range st.jobs {
		for _, j := range states {
			if j.inFlight && j.agentID != "" {
				out = append(out, j.agentID)
			}
		}
	}
	return out
}

// hasInFlight reports whether any job of the run is executing on an agent.
func (st *runState) hasInFlight() bool {
	for _, states := range st.jobs {
		for _, j := range states {
			if j.inFlight {
				return true
			}
		}
	}
	return false
}

// markPendingCancelled cancels every variant that never reached an agent.
func (st *runState) markPendingCancelled() {
	for _, states := range st.jobs {
		for _, j := range states {
			if !j.terminal() && !j.inFlight {
				j.status = core.StageCancelled
			}
		}
	}
}
