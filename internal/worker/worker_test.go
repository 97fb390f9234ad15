package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/bus"
	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/persistence/memory"
	"github.com/copyleftdev/oxide-ci-sub000/internal/worker"
)

// recordingExecutor captures executor requests. Steps named in holds block
// until their channel closes; cancellation also unblocks them.
type recordingExecutor struct {
	mu    sync.Mutex
	reqs  []core.ExecutorRequest
	holds map[string]chan struct{}
}

func (e *recordingExecutor) Run(ctx context.Context, req core.ExecutorRequest) (*core.ExecutorResult, error) {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	hold := e.holds[req.Step.Name]
	e.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &core.ExecutorResult{ExitCode: 0}, nil
}

func (e *recordingExecutor) requests() []core.ExecutorRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.ExecutorRequest(nil), e.reqs...)
}

// startWorker wires one worker to an in-memory bus and agent repository.
func startWorker(t *testing.T, exec core.Executor, maxJobs int) (*bus.Bus, *worker.Worker) {
	t.Helper()
	b := bus.New(bus.NewMemoryStore(), bus.Config{}, nil)
	w := worker.New(worker.Config{
		Name:              "runner-agent",
		Labels:            []string{"linux"},
		Capabilities:      []core.Capability{core.CapabilityDocker},
		MaxConcurrentJobs: maxJobs,
		WorkDir:           t.TempDir(),
	}, memory.NewAgentRepository(), b, exec, nil, nil)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		w.Stop(context.Background())
		require.NoError(t, b.Close())
	})
	return b, w
}

func TestStepEnvironmentDrivesExpressions(t *testing.T) {
	exec := &recordingExecutor{holds: map[string]chan struct{}{}}
	b, w := startWorker(t, exec, 1)
	ctx := context.Background()

	done := make(chan *core.StageCompletedEvent, 1)
	unsub, err := b.Subscribe(ctx, "run.>", func(_ context.Context, evt core.Event) error {
		if c, ok := evt.(*core.StageCompletedEvent); ok {
			select {
			case done <- c:
			default:
			}
		}
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(ctx, &core.JobAssignedEvent{
		AgentID: w.AgentID(),
		JobID:   core.NewJobID(),
		RunID:   core.NewRunID(),
		Stage: core.StageDefinition{
			Name: "release",
			Steps: []core.StepDefinition{
				{
					Name:        "deploy",
					Run:         "deploy --region ${{ env.REGION }}",
					Environment: map[string]string{"REGION": "eu-west-1"},
					Condition:   &core.Condition{If: "${{ env.REGION }} == 'eu-west-1'"},
				},
				{
					// No environment of its own, so the condition sees an
					// empty region and the step skips.
					Name:      "audit",
					Run:       "audit",
					Condition: &core.Condition{If: "${{ env.REGION }} == 'eu-west-1'"},
				},
			},
		},
	}))

	select {
	case c := <-done:
		require.Equal(t, core.StageSuccess, c.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("stage never completed")
	}

	reqs := exec.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "deploy --region eu-west-1", reqs[0].Step.Run)
	require.Equal(t, "eu-west-1", reqs[0].Env["REGION"])
}

func TestCancelTargetsSingleJob(t *testing.T) {
	exec := &recordingExecutor{holds: map[string]chan struct{}{
		"first":  make(chan struct{}),
		"second": make(chan struct{}),
	}}
	b, w := startWorker(t, exec, 2)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		statuses = map[int]core.StageStatus{}
	)
	completions := make(chan struct{}, 2)
	unsub, err := b.Subscribe(ctx, "run.>", func(_ context.Context, evt core.Event) error {
		if c, ok := evt.(*core.StageCompletedEvent); ok {
			mu.Lock()
			statuses[c.JobIndex] = c.Status
			mu.Unlock()
			completions <- struct{}{}
		}
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	runID := core.NewRunID()
	keep := core.NewJobID()
	doomed := core.NewJobID()
	for i, assignment := range []struct {
		jobID core.JobID
		step  string
	}{{keep, "first"}, {doomed, "second"}} {
		require.NoError(t, b.Publish(ctx, &core.JobAssignedEvent{
			AgentID:  w.AgentID(),
			JobID:    assignment.jobID,
			RunID:    runID,
			JobIndex: i,
			Stage: core.StageDefinition{
				Name:  "matrix",
				Steps: []core.StepDefinition{{Name: assignment.step, Run: assignment.step}},
			},
		}))
	}

	// Both variants must be executing before the cancel arrives.
	deadline := time.Now().Add(5 * time.Second)
	for len(exec.requests()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, exec.requests(), 2)

	require.NoError(t, b.Publish(ctx, &core.JobCancelRequestedEvent{
		AgentID: w.AgentID(),
		RunID:   runID,
		JobID:   doomed,
	}))

	select {
	case <-completions:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled job never reported")
	}
	mu.Lock()
	require.Equal(t, core.StageCancelled, statuses[1])
	_, keptDone := statuses[0]
	require.False(t, keptDone)
	mu.Unlock()

	close(exec.holds["first"])
	select {
	case <-completions:
	case <-time.After(5 * time.Second):
		t.Fatal("surviving job never completed")
	}
	mu.Lock()
	require.Equal(t, core.StageSuccess, statuses[0])
	mu.Unlock()
}
