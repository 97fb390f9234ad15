package cmd

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/config"
	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/worker"
)

var execLookPath = exec.LookPath

func workerCmd() *cobra.Command {
	var (
		name   string
		labels []string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a build agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			if name != "" {
				cfg.Worker.Name = name
			}
			if len(labels) > 0 {
				cfg.Worker.Labels = labels
			}

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := worker.New(workerConfig(cfg, hostCapabilities()),
				rt.repos.Agents, rt.bus, &worker.ShellExecutor{}, rt.secrets, rt.cache)
			if err := w.Start(ctx); err != nil {
				return err
			}
			defer w.Stop(cmd.Context())

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "agent name (default is the hostname)")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "agent label, repeatable")
	return cmd
}

// workerConfig builds a worker configuration from the application config.
// Configured capabilities win over probed ones.
func workerConfig(cfg *config.Config, probed []core.Capability) worker.Config {
	name := cfg.Worker.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	caps := probed
	if len(cfg.Worker.Capabilities) > 0 {
		caps = lo.Map(cfg.Worker.Capabilities, func(c string, _ int) core.Capability {
			return core.Capability(c)
		})
	}
	return worker.Config{
		Name:              name,
		Labels:            cfg.Worker.Labels,
		Capabilities:      caps,
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		WorkDir:           cfg.Worker.WorkDir,
		ArtifactDir:       cfg.Worker.ArtifactDir,
	}
}
