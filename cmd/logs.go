package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/bus"
	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

func logsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print the step output of a run from the event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			id, err := core.ParseRunID(args[0])
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			printer := logPrinter(id)

			if !follow {
				return rt.bus.Replay(ctx, "run.>", 1, func(evt core.Event) bool {
					printer(evt)
					return true
				})
			}

			done := make(chan struct{})
			var once sync.Once
			unsub, err := rt.bus.SubscribeWithOptions(ctx, "run.>",
				func(_ context.Context, evt core.Event) error {
					printer(evt)
					if completed, ok := evt.(*core.RunCompletedEvent); ok && completed.RunID == id {
						once.Do(func() { close(done) })
					}
					return nil
				},
				bus.WithStartPosition(bus.DeliverAll))
			if err != nil {
				return err
			}
			defer unsub()

			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false,
		"keep streaming until the run completes")
	return cmd
}

// logPrinter renders the events of one run, ignoring everything else on the
// stream.
func logPrinter(id core.RunID) func(core.Event) {
	stageColor := color.New(color.FgCyan)
	okColor := color.New(color.FgGreen)
	failColor := color.New(color.FgRed)
	dimColor := color.New(color.Faint)

	return func(evt core.Event) {
		switch e := evt.(type) {
		case *core.StageStartedEvent:
			if e.RunID == id {
				stageColor.Printf("==> %s\n", e.StageName)
			}
		case *core.StepOutputEvent:
			if e.RunID != id {
				return
			}
			if e.Stream == "stderr" {
				dimColor.Printf("    %s\n", e.Line)
			} else {
				fmt.Printf("    %s\n", e.Line)
			}
		case *core.StepCompletedEvent:
			if e.RunID != id {
				return
			}
			switch e.Status {
			case core.StepSuccess:
				okColor.Printf("  ✓ %s\n", e.StepName)
			case core.StepSkipped:
				dimColor.Printf("  - %s (skipped)\n", e.StepName)
			case core.StepFailure:
				failColor.Printf("  ✗ %s\n", e.StepName)
			}
		case *core.StageCompletedEvent:
			if e.RunID == id && e.Status == core.StageFailure {
				failColor.Printf("==> %s failed: %s\n", e.StageName, e.Reason)
			}
		case *core.RunCompletedEvent:
			if e.RunID == id {
				fmt.Printf("Run #%d finished: %s\n", e.RunNumber, e.Status)
			}
		}
	}
}
