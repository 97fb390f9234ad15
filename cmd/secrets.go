package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the secret store",
	}
	cmd.AddCommand(secretsSetCmd())
	cmd.AddCommand(secretsListCmd())
	cmd.AddCommand(secretsDeleteCmd())
	return cmd
}

func secretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Store a secret; reads the value from stdin when omitted",
		Args:  cobra.RangeArgs(1, 2),
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

			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}

			if err := rt.secrets.Set(ctx, args[0], value); err != nil {
				return err
			}
			fmt.Printf("Stored secret %s\n", args[0])
			return nil
		},
	}
}

func secretsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secret keys",
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

			keys, err := rt.secrets.List(ctx)
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	}
}

func secretsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a secret",
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

			if err := rt.secrets.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted secret %s\n", args[0])
			return nil
		},
	}
}
