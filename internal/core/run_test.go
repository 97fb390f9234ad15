package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

func runDefinition() *core.PipelineDefinition {
	return &core.PipelineDefinition{
		Name:      "svc",
		Variables: map[string]string{"region": "eu", "tier": "prod"},
		Stages: []core.StageDefinition{
			{Name: "build", Steps: []core.StepDefinition{{Name: "compile", Run: "make"}}},
			{Name: "deploy", DependsOn: []string{"build"},
				Steps: []core.StepDefinition{{Name: "ship", Run: "make deploy"}}},
		},
	}
}

func TestNewRun(t *testing.T) {
	t.Parallel()

	trigger := core.TriggerEvent{
		Type:      core.TriggerPush,
		Branch:    "main",
		GitRef:    "refs/heads/main",
		GitSHA:    "abc123",
		Variables: map[string]string{"tier": "staging"},
	}
	run := core.NewRun("pip_1", runDefinition(), 7, trigger)

	require.Equal(t, int64(7), run.RunNumber)
	require.Equal(t, core.RunQueuedStatus, run.Status)
	require.Equal(t, "refs/heads/main", run.GitRef)
	require.Len(t, run.Stages, 2)
	require.Equal(t, core.StagePending, run.Stages[0].Status)
	require.Equal(t, core.StepPending, run.Stages[0].Steps[0].Status)
	// Trigger variables override definition variables.
	require.Equal(t, "staging", run.Variables["tier"])
	require.Equal(t, "eu", run.Variables["region"])
}

func TestFindStage(t *testing.T) {
	t.Parallel()

	run := core.NewRun("pip_1", runDefinition(), 1, core.TriggerEvent{})
	require.NotNil(t, run.FindStage("deploy"))
	require.Nil(t, run.FindStage("ghost"))

	// The pointer aliases the run's slice, so mutations stick.
	run.FindStage("build").Status = core.StageRunning
	require.Equal(t, core.StageRunning, run.Stages[0].Status)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	run := core.NewRun("pip_1", runDefinition(), 1, core.TriggerEvent{})
	start := time.Now()

	run.MarkStarted(start)
	require.Equal(t, core.RunRunning, run.Status)
	require.NotNil(t, run.StartedAt)

	// A second MarkStarted is a no-op.
	run.MarkStarted(start.Add(time.Hour))
	require.Equal(t, start.UTC(), *run.StartedAt)

	run.Finalize(core.RunSuccess, start.Add(90*time.Second))
	require.Equal(t, core.RunSuccess, run.Status)
	require.NotNil(t, run.DurationMS)
	require.Equal(t, int64(90_000), *run.DurationMS)
	// Billable minutes round up.
	require.Equal(t, int64(2), *run.BillableMinutes)

	// Terminal runs are immutable.
	run.Finalize(core.RunFailure, start.Add(time.Hour))
	require.Equal(t, core.RunSuccess, run.Status)
}
