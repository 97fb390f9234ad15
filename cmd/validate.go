package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/dag"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline-file>...",
		Short: "Check pipeline files for syntax and graph errors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := validateFile(path); err != nil {
					color.Red("✗ %s: %v", path, err)
					failed++
					continue
				}
				color.Green("✓ %s", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d file(s) invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	def, err := core.ParsePipelineDefinition(data)
	if err != nil {
		return err
	}
	// Build expands matrices and sorts the graph, so it surfaces cycle,
	// unknown-dependency, and empty-matrix errors.
	if _, err := dag.Build(def); err != nil {
		return err
	}
	return nil
}
