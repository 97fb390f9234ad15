package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage build caches",
	}
	cmd.AddCommand(cacheListCmd())
	cmd.AddCommand(cacheDeleteCmd())
	cmd.AddCommand(cacheClearCmd())
	return cmd
}

func cacheClearCmd() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cache entries, optionally bounded by key prefix",
		Args:  cobra.NoArgs,
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

			entries, err := rt.cache.List(ctx, prefix)
			if err != nil {
				return err
			}
			removed := 0
			for _, e := range entries {
				if err := rt.cache.Delete(ctx, e.Key); err != nil {
					return fmt.Errorf("delete %s: %w", e.Key, err)
				}
				publishEvicted(ctx, rt, e)
				removed++
			}
			fmt.Printf("Removed %d cache entries\n", removed)
			return nil
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "only clear keys with this prefix")
	return cmd
}

func cacheListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [prefix]",
		Short: "List cache entries, optionally filtered by key prefix",
		Args:  cobra.MaximumNArgs(1),
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

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			entries, err := rt.cache.List(ctx, prefix)
			if err != nil {
				return err
			}

			t := newTable("KEY", "SIZE", "CREATED")
			for _, e := range entries {
				t.AppendRow(table.Row{
					e.Key, formatBytes(e.SizeBytes),
					e.CreatedAt.Local().Format(time.RFC3339),
				})
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func cacheDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a cache entry",
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

			entries, err := rt.cache.List(ctx, args[0])
			if err != nil {
				return err
			}
			if err := rt.cache.Delete(ctx, args[0]); err != nil {
				return err
			}
			for _, e := range entries {
				if e.Key == args[0] {
					publishEvicted(ctx, rt, e)
				}
			}
			fmt.Printf("Deleted cache entry %s\n", args[0])
			return nil
		},
	}
}

// publishEvicted announces a removed cache entry on the event stream.
func publishEvicted(ctx context.Context, rt *runtime, e core.CacheEntry) {
	if err := rt.bus.Publish(ctx, &core.CacheEvictedEvent{
		CacheID: e.ID,
		Key:     e.Key,
	}); err != nil {
		logger.Warn(ctx, "Failed to publish cache eviction",
			tag.Key(e.Key), tag.Error(err))
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
