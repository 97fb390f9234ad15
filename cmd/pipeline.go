package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

func pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage registered pipelines",
	}
	cmd.AddCommand(pipelineRegisterCmd())
	cmd.AddCommand(pipelineListCmd())
	return cmd
}

func pipelineRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <pipeline-file>",
		Short: "Register a pipeline, or update it when the name exists",
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
			existing, err := rt.repos.Pipelines.GetByName(ctx, def.Name)
			switch {
			case err == nil:
				existing.Definition = def
				existing.UpdatedAt = now
				if err := rt.repos.Pipelines.Update(ctx, existing); err != nil {
					return err
				}
				fmt.Printf("Updated pipeline %s (%s)\n", def.Name, existing.ID)
			case errors.Is(err, core.ErrPipelineNotFound):
				pipeline := &core.Pipeline{
					ID:         core.NewPipelineID(),
					Name:       def.Name,
					Definition: def,
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if err := rt.repos.Pipelines.Create(ctx, pipeline); err != nil {
					return err
				}
				fmt.Printf("Registered pipeline %s (%s)\n", def.Name, pipeline.ID)
			default:
				return err
			}
			return nil
		},
	}
}

func pipelineListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered pipelines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			pipelines, err := rt.repos.Pipelines.List(ctx, 0, 0)
			if err != nil {
				return err
			}

			t := newTable("ID", "NAME", "STAGES", "UPDATED")
			for _, p := range pipelines {
				t.AppendRow(table.Row{
					p.ID, p.Name, len(p.Definition.Stages),
					p.UpdatedAt.Local().Format(time.RFC3339),
				})
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func newTable(headers ...interface{}) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(headers))
	return t
}
