package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

const starterPipeline = `name: my-pipeline

triggers:
  - type: push
    branches: [main]

stages:
  - name: build
    steps:
      - name: compile
        run: make build

  - name: test
    depends_on: [build]
    steps:
      - name: unit
        run: make test
`

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter pipeline definition",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "oxide.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}

			// The scaffold must always survive our own validation.
			if _, err := core.ParsePipelineDefinition([]byte(starterPipeline)); err != nil {
				return fmt.Errorf("starter pipeline is invalid: %w", err)
			}
			if err := os.WriteFile(path, []byte(starterPipeline), 0o644); err != nil {
				return err
			}
			fmt.Printf("%s Wrote %s\n", color.GreenString("✓"), path)
			return nil
		},
	}
}
