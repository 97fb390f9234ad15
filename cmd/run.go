package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/config"
	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/metrics"
	"github.com/copyleftdev/oxide-ci-sub000/internal/scheduler"
	"github.com/copyleftdev/oxide-ci-sub000/internal/worker"
)

func runCmd() *cobra.Command {
	var vars []string

	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Execute a pipeline locally and stream its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := core.ParsePipelineDefinition(data)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			now := time.Now().UTC()
			pipeline := &core.Pipeline{
				ID:         core.NewPipelineID(),
				Name:       def.Name,
				Definition: def,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := rt.repos.Pipelines.Create(ctx, pipeline); err != nil {
				return fmt.Errorf("register pipeline: %w", err)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched, err := scheduler.New(scheduler.Config{
				DispatchWorkers: cfg.Scheduler.DispatchWorkers,
			}, rt.repos, rt.bus, metrics.NewSchedulerMetrics(rt.registry))
			if err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			w := worker.New(localWorkerConfig(cfg, def),
				rt.repos.Agents, rt.bus, &worker.ShellExecutor{}, rt.secrets, rt.cache)
			if err := w.Start(ctx); err != nil {
				return err
			}
			defer w.Stop(cmd.Context())

			done := make(chan *core.RunCompletedEvent, 1)
			unsub, err := rt.bus.Subscribe(ctx, "run.>", runPrinter(done))
			if err != nil {
				return err
			}
			defer unsub()

			trigger := core.TriggerEvent{
				Type:        core.TriggerManual,
				Pipeline:    def.Name,
				TriggeredBy: currentUser(),
				Variables:   parseVars(vars),
			}
			runs, err := sched.HandleTrigger(ctx, trigger)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				return fmt.Errorf("pipeline %q did not start a run", def.Name)
			}
			run := runs[0]
			fmt.Printf("Started run %s (#%d)\n", color.CyanString(string(run.ID)), run.RunNumber)

			for {
				select {
				case <-ctx.Done():
					cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					_ = sched.CancelRun(cancelCtx, run.ID, "interrupted")
					return fmt.Errorf("interrupted")
				case completed := <-done:
					if completed.RunID != run.ID {
						continue
					}
					return printSummary(completed)
				}
			}
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "variable override, key=value, repeatable")
	return cmd
}

// localWorkerConfig gives the one-shot agent every label and capability the
// definition asks for, so every stage is schedulable locally.
func localWorkerConfig(cfg *config.Config, def *core.PipelineDefinition) worker.Config {
	labels := map[string]struct{}{}
	caps := map[core.Capability]struct{}{}
	for i := range def.Stages {
		stage := &def.Stages[i]
		if stage.Agent != nil {
			for _, label := range stage.Agent.Labels {
				labels[label] = struct{}{}
			}
		}
		for _, c := range core.RequiredCapabilities(stage.EnvironmentType()) {
			caps[c] = struct{}{}
		}
	}

	wc := workerConfig(cfg, lo.Keys(caps))
	wc.Name = "local"
	wc.Labels = lo.Keys(labels)
	if wc.MaxConcurrentJobs < len(def.Stages) {
		wc.MaxConcurrentJobs = len(def.Stages)
	}
	return wc
}

func runPrinter(done chan<- *core.RunCompletedEvent) core.EventHandler {
	stageColor := color.New(color.FgCyan)
	okColor := color.New(color.FgGreen)
	failColor := color.New(color.FgRed)
	dimColor := color.New(color.Faint)

	return func(_ context.Context, evt core.Event) error {
		switch e := evt.(type) {
		case *core.StageStartedEvent:
			stageColor.Printf("==> %s\n", e.StageName)
		case *core.StepOutputEvent:
			if e.Stream == "stderr" {
				dimColor.Printf("    %s\n", e.Line)
			} else {
				fmt.Printf("    %s\n", e.Line)
			}
		case *core.StepCompletedEvent:
			switch e.Status {
			case core.StepSuccess:
				okColor.Printf("  ✓ %s\n", e.StepName)
			case core.StepSkipped:
				dimColor.Printf("  - %s (skipped)\n", e.StepName)
			case core.StepFailure:
				failColor.Printf("  ✗ %s\n", e.StepName)
			}
		case *core.RunCompletedEvent:
			select {
			case done <- e:
			default:
			}
		}
		return nil
	}
}

func printSummary(evt *core.RunCompletedEvent) error {
	duration := time.Duration(evt.DurationMS) * time.Millisecond
	if evt.Status == core.RunSuccess {
		color.Green("Run #%d succeeded in %s", evt.RunNumber, duration)
		return nil
	}
	if evt.FailureSummary != nil {
		color.Red("Run #%d %s: stage %q, %s",
			evt.RunNumber, evt.Status, evt.FailureSummary.Stage, evt.FailureSummary.Reason)
	} else {
		color.Red("Run #%d %s", evt.RunNumber, evt.Status)
	}
	return fmt.Errorf("run finished with status %s", evt.Status)
}

func parseVars(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, _ := strings.Cut(pair, "=")
		out[key] = value
	}
	return out
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "local"
}
