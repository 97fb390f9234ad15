package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/bus"
	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/persistence/memory"
	"github.com/copyleftdev/oxide-ci-sub000/internal/scheduler"
	"github.com/copyleftdev/oxide-ci-sub000/internal/worker"
)

// stubExecutor scripts step outcomes by the step's run command. "fail" always
// exits 1, "block" waits for cancellation, commands listed in failures fail
// that many times before succeeding, and gated commands hold until released.
type stubExecutor struct {
	mu       sync.Mutex
	failures map[string]int
	gates    map[string]chan struct{}
	calls    []string
}

func (e *stubExecutor) Run(ctx context.Context, req core.ExecutorRequest) (*core.ExecutorResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req.Step.Run)
	remaining := e.failures[req.Step.Run]
	if remaining > 0 {
		e.failures[req.Step.Run]--
	}
	gate := e.gates[req.Step.Run]
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch {
	case req.Step.Run == "block":
		<-ctx.Done()
		return nil, ctx.Err()
	case req.Step.Run == "fail", remaining > 0:
		return &core.ExecutorResult{ExitCode: 1}, nil
	}
	return &core.ExecutorResult{ExitCode: 0}, nil
}

// gate holds the named command until the returned release function is called.
// Cancellation also unblocks it.
func (e *stubExecutor) gate(command string) func() {
	ch := make(chan struct{})
	e.mu.Lock()
	e.gates[command] = ch
	e.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (e *stubExecutor) count(command string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c == command {
			n++
		}
	}
	return n
}

type harness struct {
	t     *testing.T
	bus   *bus.Bus
	repos scheduler.Repositories
	sched *scheduler.Scheduler
	exec  *stubExecutor
}

// newHarness wires a scheduler and one worker to an in-memory bus and
// in-memory repositories. The worker carries the docker capability so stages
// with the default container environment dispatch to it.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessCfg(t, scheduler.Config{
		DispatchWorkers:    2,
		RedispatchInterval: 20 * time.Millisecond,
		SweepInterval:      50 * time.Millisecond,
	})
}

func newHarnessCfg(t *testing.T, cfg scheduler.Config) *harness {
	t.Helper()
	ctx := context.Background()

	b := bus.New(bus.NewMemoryStore(), bus.Config{}, nil)
	repos := scheduler.Repositories{
		Pipelines: memory.NewPipelineRepository(),
		Runs:      memory.NewRunRepository(),
		Agents:    memory.NewAgentRepository(),
		Approvals: memory.NewApprovalRepository(),
	}
	sched, err := scheduler.New(cfg, repos, b, nil)
	require.NoError(t, err)

	exec := &stubExecutor{failures: map[string]int{}, gates: map[string]chan struct{}{}}
	w := worker.New(worker.Config{
		Name:              "test-agent",
		Labels:            []string{"linux"},
		Capabilities:      []core.Capability{core.CapabilityDocker},
		MaxConcurrentJobs: 4,
		WorkDir:           t.TempDir(),
	}, repos.Agents, b, exec, nil, nil)
	require.NoError(t, w.Start(ctx))
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() {
		sched.Stop()
		w.Stop(context.Background())
		require.NoError(t, b.Close())
	})

	return &harness{t: t, bus: b, repos: repos, sched: sched, exec: exec}
}

// addWorker registers one more build agent on the harness bus.
func (h *harness) addWorker(name string) {
	h.t.Helper()
	w := worker.New(worker.Config{
		Name:              name,
		Labels:            []string{"linux"},
		Capabilities:      []core.Capability{core.CapabilityDocker},
		MaxConcurrentJobs: 4,
		WorkDir:           h.t.TempDir(),
	}, h.repos.Agents, h.bus, h.exec, nil, nil)
	require.NoError(h.t, w.Start(context.Background()))
	h.t.Cleanup(func() { w.Stop(context.Background()) })
}

func (h *harness) pipeline(def *core.PipelineDefinition) *core.Pipeline {
	h.t.Helper()
	now := time.Now().UTC()
	p := &core.Pipeline{ID: core.NewPipelineID(), Name: def.Name, Definition: def, CreatedAt: now, UpdatedAt: now}
	require.NoError(h.t, h.repos.Pipelines.Create(context.Background(), p))
	return p
}

// waitTerminal polls the run until it reaches a terminal status.
func (h *harness) waitTerminal(id core.RunID) *core.Run {
	h.t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.repos.Runs.Get(ctx, id)
		require.NoError(h.t, err)
		if run.Status.IsTerminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("run %s did not reach a terminal status", id)
	return nil
}

func manualTrigger() core.TriggerEvent {
	return core.TriggerEvent{
		Type:        core.TriggerManual,
		Branch:      "main",
		GitRef:      "refs/heads/main",
		TriggeredBy: "tester",
	}
}

func step(name, run string) core.StepDefinition {
	return core.StepDefinition{Name: name, Run: run}
}

func stage(name string, deps []string, steps ...core.StepDefinition) core.StageDefinition {
	return core.StageDefinition{Name: name, DependsOn: deps, Steps: steps}
}

func TestLinearRunSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.pipeline(&core.PipelineDefinition{
		Name: "linear",
		Stages: []core.StageDefinition{
			stage("build", nil, step("compile", "make build")),
			stage("test", []string{"build"}, step("unit", "make test")),
		},
	})

	var (
		mu    sync.Mutex
		order []string
	)
	unsub, err := h.bus.Subscribe(ctx, "run.>", func(_ context.Context, evt core.Event) error {
		if c, ok := evt.(*core.StageCompletedEvent); ok {
			mu.Lock()
			order = append(order, c.StageName)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	run, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)
	require.Equal(t, int64(1), run.RunNumber)

	final := h.waitTerminal(run.ID)
	require.Equal(t, core.RunSuccess, final.Status)
	require.NotNil(t, final.DurationMS)
	require.Nil(t, final.FailureSummary)

	mu.Lock()
	require.Equal(t, []string{"build", "test"}, order)
	mu.Unlock()

	for _, s := range final.Stages {
		require.Equal(t, core.StageSuccess, s.Status)
		require.NotNil(t, s.StartedAt)
	}
	require.Equal(t, 1, h.exec.count("make build"))
	require.Equal(t, 1, h.exec.count("make test"))
}

func TestDiamondOrdering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.pipeline(&core.PipelineDefinition{
		Name: "diamond",
		Stages: []core.StageDefinition{
			stage("build", nil, step("compile", "make build")),
			stage("test", []string{"build"}, step("unit", "make test")),
			stage("lint", []string{"build"}, step("vet", "make lint")),
			stage("deploy", []string{"test", "lint"}, step("ship", "make deploy")),
		},
	})

	var (
		mu    sync.Mutex
		order []string
	)
	unsub, err := h.bus.Subscribe(ctx, "run.>", func(_ context.Context, evt core.Event) error {
		if c, ok := evt.(*core.StageCompletedEvent); ok {
			mu.Lock()
			order = append(order, c.StageName)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	run, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)

	final := h.waitTerminal(run.ID)
	require.Equal(t, core.RunSuccess, final.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	require.Equal(t, "build", order[0])
	require.Equal(t, "deploy", order[3])
}

func TestFailureStopsSuccessors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.pipeline(&core.PipelineDefinition{
		Name: "failing",
		Stages: []core.StageDefinition{
			stage("build", nil, step("compile", "fail")),
			stage("test", []string{"build"}, step("unit", "make test")),
		},
	})

	run, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)

	final := h.waitTerminal(run.ID)
	require.Equal(t, core.RunFailure, final.Status)
	require.NotNil(t, final.FailureSummary)
	require.Equal(t, "build", final.FailureSummary.Stage)
	require.Equal(t, 0, h.exec.count("make test"))
}

func TestConditionSkipDoesNotBlockSuccessors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	deploy := stage("deploy", nil, step("ship", "make deploy"))
	deploy.Condition = &core.Condition{If: "${{ target }} == 'production'"}

	p := h.pipeline(&core.PipelineDefinition{
		Name: "conditional",
		Stages: []core.StageDefinition{
			deploy,
			stage("notify", []string{"deploy"}, step("ping", "make notify")),
		},
	})

	run, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)

	final := h.waitTerminal(run.ID)
	require.Equal(t, core.RunSuccess, final.Status)

	skipped := final.FindStage("deploy")
	require.NotNil(t, skipped)
	require.Equal(t, core.StageSkipped, skipped.Status)
	require.Equal(t, 0, h.exec.count("make deploy"))
	require.Equal(t, 1, h.exec.count("make notify"))
}

func TestStepRetrySucceedsOnSecondAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.failures["flaky-push"] = 1

	push := step("push", "flaky-push")
	push.Retry = &core.RetrySpec{MaxAttempts: 3, DelaySeconds: 1}

	p := h.pipeline(&core.PipelineDefinition{
		Name:   "retrying",
		Stages: []core.StageDefinition{stage("publish", nil, push)},
	})

	run, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)

	final := h.waitTerminal(run.ID)
	require.Equal(t, core.RunSuccess, final.Status)
	require.Equal(t, 2, h.exec.count("flaky-push"))
}

func TestMatrixExpandsIntoJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	test := stage("test", nil, step("unit", "make test"))
	test.Matrix = &core.Matrix{
		Dimensions:     map[string][]string{"go": {"1.23", "1.24"}},
		DimensionOrder: []string{"go"},
	}

	p := h.pipeline(&core.PipelineDefinition{
		Name:   "matrixed",
		Stages: []core.StageDefinition{test},
	})

	var (
		mu      sync.Mutex
		indexes []int
	)
	unsub, err := h.bus.Subscribe(ctx, "run.>", func(_ context.Context, evt core.Event) error {
		if c, ok := evt.(*core.StageCompletedEvent); ok {
			mu.Lock()
			indexes = append(indexes, c.JobIndex)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	run, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)

	final := h.waitTerminal(run.ID)
	require.Equal(t, core.RunSuccess, final.Status)
	require.Equal(t, 2, h.exec.count("make test"))

	mu.Lock()
	require.ElementsMatch(t, []int{0, 1}, indexes)
	mu.Unlock()
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.pipeline(&core.PipelineDefinition{
		Name:   "cancellable",
		Stages: []core.StageDefinition{stage("soak", nil, step("wait", "block"))},
	})

	started := make(chan struct{}, 1)
	unsub, err := h.bus.Subscribe(ctx, "run.>", func(_ context.Context, evt core.Event) error {
		if _, ok := evt.(*core.StageStartedEvent); ok {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	run, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never started")
	}

	require.NoError(t, h.sched.CancelRun(ctx, run.ID, "tester"))

	final := h.waitTerminal(run.ID)
	require.Equal(t, core.RunCancelledStatus, final.Status)

	// A second cancel finds the run already terminal.
	require.ErrorIs(t, h.sched.CancelRun(ctx, run.ID, "tester"), core.ErrRunTerminal)
}

func TestApprovalGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	protected := func(name string, prevent bool) core.StageDefinition {
		s := stage(name, nil, step("ship", "make deploy"))
		s.Environment = &core.EnvironmentSpec{
			Protection: &core.ProtectionSpec{
				RequiredApprovers:   1,
				PreventSelfApproval: prevent,
				TimeoutMinutes:      60,
			},
		}
		return s
	}

	waitGate := func(runID core.RunID) *core.ApprovalGate {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			gates, err := h.repos.Approvals.List(ctx, runID)
			require.NoError(t, err)
			if len(gates) == 1 {
				return gates[0]
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal("approval gate never created")
		return nil
	}

	t.Run("ApproveReleasesStage", func(t *testing.T) {
		p := h.pipeline(&core.PipelineDefinition{
			Name:   "gated-approve",
			Stages: []core.StageDefinition{protected("deploy", false)},
		})
		run, err := h.sched.StartRun(ctx, p, manualTrigger())
		require.NoError(t, err)

		gate := waitGate(run.ID)
		require.Equal(t, core.ApprovalPending, gate.Status)

		require.NoError(t, h.sched.Approve(ctx, gate.ID, "reviewer"))

		final := h.waitTerminal(run.ID)
		require.Equal(t, core.RunSuccess, final.Status)
	})

	t.Run("RejectFailsRun", func(t *testing.T) {
		p := h.pipeline(&core.PipelineDefinition{
			Name:   "gated-reject",
			Stages: []core.StageDefinition{protected("deploy", false)},
		})
		run, err := h.sched.StartRun(ctx, p, manualTrigger())
		require.NoError(t, err)

		gate := waitGate(run.ID)
		require.NoError(t, h.sched.Reject(ctx, gate.ID, "reviewer"))

		final := h.waitTerminal(run.ID)
		require.Equal(t, core.RunFailure, final.Status)
		require.NotNil(t, final.FailureSummary)
		require.Equal(t, "approval rejected", final.FailureSummary.Reason)

		// Resolved gates reject further votes.
		require.ErrorIs(t, h.sched.Approve(ctx, gate.ID, "other"), core.ErrApprovalResolved)
	})

	t.Run("SelfApprovalBlocked", func(t *testing.T) {
		p := h.pipeline(&core.PipelineDefinition{
			Name:   "gated-self",
			Stages: []core.StageDefinition{protected("deploy", true)},
		})
		run, err := h.sched.StartRun(ctx, p, manualTrigger())
		require.NoError(t, err)

		gate := waitGate(run.ID)
		// The run was triggered by "tester", who may not approve it.
		require.Error(t, h.sched.Approve(ctx, gate.ID, "tester"))
		require.NoError(t, h.sched.Approve(ctx, gate.ID, "reviewer"))

		final := h.waitTerminal(run.ID)
		require.Equal(t, core.RunSuccess, final.Status)
	})

	t.Run("BypassReleasesStage", func(t *testing.T) {
		p := h.pipeline(&core.PipelineDefinition{
			Name:   "gated-bypass",
			Stages: []core.StageDefinition{protected("deploy", false)},
		})
		run, err := h.sched.StartRun(ctx, p, manualTrigger())
		require.NoError(t, err)

		gate := waitGate(run.ID)
		require.NoError(t, h.sched.Bypass(ctx, gate.ID))

		final := h.waitTerminal(run.ID)
		require.Equal(t, core.RunSuccess, final.Status)
	})
}

func TestRunNumbersIncrement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.pipeline(&core.PipelineDefinition{
		Name:   "numbered",
		Stages: []core.StageDefinition{stage("build", nil, step("compile", "make build"))},
	})

	first, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)
	h.waitTerminal(first.ID)

	second, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)
	h.waitTerminal(second.ID)

	require.Equal(t, int64(1), first.RunNumber)
	require.Equal(t, int64(2), second.RunNumber)
}

func TestIndependentBranchSurvivesFailure(t *testing.T) {
	h := newHarness(t)
	h.addWorker("test-agent-2")
	ctx := context.Background()
	release := h.exec.gate("hold-good")

	p := h.pipeline(&core.PipelineDefinition{
		Name: "split",
		Stages: []core.StageDefinition{
			stage("bad", nil, step("break", "fail")),
			stage("after-bad", []string{"bad"}, step("never", "make never")),
			stage("good", nil, step("work", "hold-good")),
			stage("after-good", []string{"good"}, step("more", "make more")),
		},
	})

	badDone := make(chan struct{}, 1)
	unsub, err := h.bus.Subscribe(ctx, "run.>", func(_ context.Context, evt core.Event) error {
		if c, ok := evt.(*core.StageCompletedEvent); ok && c.StageName == "bad" {
			select {
			case badDone <- struct{}{}:
			default:
			}
		}
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	run, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)

	select {
	case <-badDone:
	case <-time.After(5 * time.Second):
		t.Fatal("failing stage never completed")
	}
	// The failure must not tear down the branch that does not depend on it.
	release()

	final := h.waitTerminal(run.ID)
	require.Equal(t, core.RunFailure, final.Status)
	require.NotNil(t, final.FailureSummary)
	require.Equal(t, "bad", final.FailureSummary.Stage)

	good := final.FindStage("good")
	require.NotNil(t, good)
	require.Equal(t, core.StageSuccess, good.Status)

	afterGood := final.FindStage("after-good")
	require.NotNil(t, afterGood)
	require.Equal(t, core.StageSuccess, afterGood.Status)

	afterBad := final.FindStage("after-bad")
	require.NotNil(t, afterBad)
	require.Equal(t, core.StageSkipped, afterBad.Status)

	require.Equal(t, 1, h.exec.count("make more"))
	require.Equal(t, 0, h.exec.count("make never"))
}

func TestConcurrencyGroupSerializesRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release := h.exec.gate("hold-deploy")

	p := h.pipeline(&core.PipelineDefinition{
		Name:        "serialized",
		Concurrency: &core.ConcurrencySpec{Group: "deploy-prod"},
		Stages:      []core.StageDefinition{stage("deploy", nil, step("ship", "hold-deploy"))},
	})

	var (
		mu      sync.Mutex
		started []core.RunID
	)
	unsub, err := h.bus.Subscribe(ctx, "run.>", func(_ context.Context, evt core.Event) error {
		if s, ok := evt.(*core.StageStartedEvent); ok {
			mu.Lock()
			started = append(started, s.RunID)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	first, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)
	second, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)

	startedRuns := func() []core.RunID {
		mu.Lock()
		defer mu.Unlock()
		return append([]core.RunID(nil), started...)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(startedRuns()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	// The second run must hold in the queue while the group slot is taken.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, []core.RunID{first.ID}, startedRuns())

	release()
	require.Equal(t, core.RunSuccess, h.waitTerminal(first.ID).Status)
	require.Equal(t, core.RunSuccess, h.waitTerminal(second.ID).Status)
	require.Equal(t, []core.RunID{first.ID, second.ID}, startedRuns())
}

func TestPipelineJobLimitBoundsParallelism(t *testing.T) {
	h := newHarnessCfg(t, scheduler.Config{
		DispatchWorkers:    2,
		RedispatchInterval: 20 * time.Millisecond,
		SweepInterval:      50 * time.Millisecond,
		MaxJobsPerPipeline: 1,
	})
	h.addWorker("test-agent-2")
	ctx := context.Background()
	releaseLeft := h.exec.gate("hold-left")
	releaseRight := h.exec.gate("hold-right")

	p := h.pipeline(&core.PipelineDefinition{
		Name: "bounded",
		Stages: []core.StageDefinition{
			stage("left", nil, step("l", "hold-left")),
			stage("right", nil, step("r", "hold-right")),
		},
	})

	run, err := h.sched.StartRun(ctx, p, manualTrigger())
	require.NoError(t, err)

	inFlight := func() int { return h.exec.count("hold-left") + h.exec.count("hold-right") }
	deadline := time.Now().Add(5 * time.Second)
	for inFlight() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	// Two idle agents, but the pipeline holds a single job slot.
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, inFlight())

	releaseLeft()
	releaseRight()

	final := h.waitTerminal(run.ID)
	require.Equal(t, core.RunSuccess, final.Status)
	require.Equal(t, 1, h.exec.count("hold-left"))
	require.Equal(t, 1, h.exec.count("hold-right"))
}
