package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
	"github.com/copyleftdev/oxide-ci-sub000/internal/metrics"
	"github.com/copyleftdev/oxide-ci-sub000/internal/registry"
	"github.com/copyleftdev/oxide-ci-sub000/internal/scheduler"
	"github.com/copyleftdev/oxide-ci-sub000/internal/worker"
)

func serveCmd() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data directory: %w", err)
			}

			// One scheduler per data directory.
			lock := flock.New(cfg.LockFile())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire scheduler lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("another scheduler holds %s", cfg.LockFile())
			}
			defer func() { _ = lock.Unlock() }()

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched, err := scheduler.New(scheduler.Config{
				DispatchWorkers:    cfg.Scheduler.DispatchWorkers,
				SweepInterval:      cfg.Scheduler.SweepInterval,
				MaxJobsPerPipeline: cfg.Scheduler.MaxJobsPerPipeline,
			}, rt.repos, rt.bus, metrics.NewSchedulerMetrics(rt.registry))
			if err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			sweeper := registry.NewSweeper(rt.repos.Agents, rt.bus, cfg.Worker.HeartbeatInterval)
			go sweeper.Start(ctx)

			crons := scheduler.NewCronService(sched)
			go crons.Start(ctx)

			if cfg.Metrics.Addr != "" {
				startMetricsServer(ctx, cfg.Metrics.Addr, rt)
			}

			if withWorker {
				w := worker.New(workerConfig(cfg, hostCapabilities()),
					rt.repos.Agents, rt.bus, &worker.ShellExecutor{}, rt.secrets, rt.cache)
				if err := w.Start(ctx); err != nil {
					return err
				}
				defer w.Stop(cmd.Context())
			}

			logger.Info(ctx, "Control plane ready", tag.Dir(cfg.DataDir))
			<-ctx.Done()
			logger.Info(ctx, "Shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&withWorker, "with-worker", false,
		"also run a local build agent in this process")
	return cmd
}

func startMetricsServer(ctx context.Context, addr string, rt *runtime) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "Metrics server failed", tag.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
}

// hostCapabilities probes which execution substrates this host provides.
func hostCapabilities() []core.Capability {
	var caps []core.Capability
	for _, probe := range []struct {
		binary string
		cap    core.Capability
	}{
		{"docker", core.CapabilityDocker},
		{"podman", core.CapabilityPodman},
		{"firecracker", core.CapabilityFirecracker},
		{"nix", core.CapabilityNix},
	} {
		if _, err := execLookPath(probe.binary); err == nil {
			caps = append(caps, probe.cap)
		}
	}
	return caps
}
