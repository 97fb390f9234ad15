package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/bus"
	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/dag"
	"github.com/copyleftdev/oxide-ci-sub000/internal/persistence/memory"
)

// busyRunFixture builds a scheduler tracking one run whose single job is
// executing on a busy agent. The dispatch pool is not started; the tests
// drive the scheduler internals directly.
func busyRunFixture(t *testing.T) (*Scheduler, *core.Agent, *runState) {
	t.Helper()
	ctx := context.Background()

	b := bus.New(bus.NewMemoryStore(), bus.Config{}, nil)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	repos := Repositories{
		Pipelines: memory.NewPipelineRepository(),
		Runs:      memory.NewRunRepository(),
		Agents:    memory.NewAgentRepository(),
		Approvals: memory.NewApprovalRepository(),
	}
	s, err := New(Config{}, repos, b, nil)
	require.NoError(t, err)

	agent := &core.Agent{
		Name:         "busy-agent",
		Labels:       []string{"linux"},
		Capabilities: []core.Capability{core.CapabilityDocker},
	}
	require.NoError(t, repos.Agents.Register(ctx, agent))

	def := &core.PipelineDefinition{
		Name: "slow",
		Stages: []core.StageDefinition{
			{Name: "build", Steps: []core.StepDefinition{{Name: "compile", Run: "make build"}}},
		},
	}
	graph, err := dag.Build(def)
	require.NoError(t, err)

	run := core.NewRun(core.NewPipelineID(), def, 1, core.TriggerEvent{Type: core.TriggerManual})
	require.NoError(t, repos.Runs.Create(ctx, run))

	require.NoError(t, agent.Assign(run.ID))
	require.NoError(t, repos.Agents.Update(ctx, agent))

	st := newRunState(run, def, graph)
	j := st.job("build", 0)
	j.status = core.StageRunning
	j.inFlight = true
	j.agentID = agent.ID
	s.track(st)
	return s, agent, st
}

func TestTimeoutReleasesBusyAgents(t *testing.T) {
	ctx := context.Background()
	s, agent, st := busyRunFixture(t)
	st.deadline = time.Now().Add(-time.Minute)

	s.timeoutRuns(ctx)

	run, err := s.repos.Runs.Get(ctx, st.run.ID)
	require.NoError(t, err)
	require.Equal(t, core.RunTimeout, run.Status)

	got, err := s.repos.Agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, core.AgentIdle, got.Status)
	require.Empty(t, got.CurrentRunID)

	_, tracked := s.state(st.run.ID)
	require.False(t, tracked)
}

func TestLateReportReleasesAgent(t *testing.T) {
	ctx := context.Background()
	s, agent, st := busyRunFixture(t)

	// The run finalized and was dropped before the agent reported back.
	s.untrack(st.run.ID)

	s.completeVariant(ctx, variantResult{
		runID:     st.run.ID,
		stageName: "build",
		status:    core.StageCancelled,
		agentID:   agent.ID,
	})

	got, err := s.repos.Agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, core.AgentIdle, got.Status)
}

func TestReleaseAgentIgnoresStaleRun(t *testing.T) {
	ctx := context.Background()
	s, agent, st := busyRunFixture(t)

	// The agent has moved on to another run; a late release for the old one
	// must not free it.
	other := core.NewRunID()
	loaded, err := s.repos.Agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	loaded.Release()
	require.NoError(t, loaded.Assign(other))
	require.NoError(t, s.repos.Agents.Update(ctx, loaded))

	s.releaseAgent(ctx, agent.ID, st.run.ID)

	got, err := s.repos.Agents.Get(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, core.AgentBusy, got.Status)
	require.Equal(t, other, got.CurrentRunID)
}
