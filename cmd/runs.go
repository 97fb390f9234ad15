package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect pipeline runs",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list <pipeline-name>",
		Short: "List the recent runs of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			pipeline, err := rt.repos.Pipelines.GetByName(ctx, args[0])
			if err != nil {
				return err
			}
			runs, err := rt.repos.Runs.GetByPipeline(ctx, pipeline.ID, limit, 0)
			if err != nil {
				return err
			}

			t := newTable("RUN", "ID", "STATUS", "TRIGGER", "QUEUED", "DURATION")
			for _, r := range runs {
				duration := "-"
				if r.DurationMS != nil {
					duration = (time.Duration(*r.DurationMS) * time.Millisecond).String()
				}
				t.AppendRow(table.Row{
					fmt.Sprintf("#%d", r.RunNumber), r.ID, runStatusCell(r.Status),
					r.Trigger.Type, r.QueuedAt.Local().Format(time.RFC3339), duration,
				})
			}
			fmt.Println(t.Render())
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the stages of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			run, err := rt.repos.Runs.Get(ctx, core.RunID(args[0]))
			if err != nil {
				return err
			}

			fmt.Printf("%s #%d  %s\n", run.PipelineName, run.RunNumber, runStatusCell(run.Status))
			if run.FailureSummary != nil {
				color.Red("  failed at %s: %s", run.FailureSummary.Stage, run.FailureSummary.Reason)
			}

			t := newTable("STAGE", "STATUS", "AGENT", "STARTED", "COMPLETED")
			for _, stage := range run.Stages {
				name := stage.Name
				if stage.DisplayName != "" {
					name = stage.DisplayName
				}
				t.AppendRow(table.Row{
					name, stage.Status, orDash(string(stage.AgentID)),
					formatTime(stage.StartedAt), formatTime(stage.CompletedAt),
				})
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func runStatusCell(status core.RunStatus) string {
	switch status {
	case core.RunSuccess:
		return color.GreenString(status.String())
	case core.RunFailure, core.RunTimeout:
		return color.RedString(status.String())
	case core.RunRunning:
		return color.CyanString(status.String())
	default:
		return status.String()
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
