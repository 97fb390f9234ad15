package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cooperative cancellation of a run",
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

			run, err := rt.repos.Runs.Get(ctx, id)
			if err != nil {
				return err
			}
			if run.Status.IsTerminal() {
				return fmt.Errorf("run %s already finished with status %s", id, run.Status)
			}

			if err := rt.bus.Publish(ctx, &core.RunCancelRequestedEvent{
				RunID:       id,
				RequestedBy: currentUser(),
			}); err != nil {
				return err
			}
			fmt.Printf("Cancellation requested for run %s\n", id)
			return nil
		},
	}
}
