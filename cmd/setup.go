package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/oxide-ci-sub000/internal/bus"
	"github.com/copyleftdev/oxide-ci-sub000/internal/config"
	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
	"github.com/copyleftdev/oxide-ci-sub000/internal/metrics"
	"github.com/copyleftdev/oxide-ci-sub000/internal/persistence/memory"
	"github.com/copyleftdev/oxide-ci-sub000/internal/persistence/postgres"
	"github.com/copyleftdev/oxide-ci-sub000/internal/persistence/redis"
	"github.com/copyleftdev/oxide-ci-sub000/internal/persistence/secrets"
	"github.com/copyleftdev/oxide-ci-sub000/internal/scheduler"
)

// runtime bundles the wired infrastructure a command operates on.
type runtime struct {
	cfg      *config.Config
	bus      *bus.Bus
	repos    scheduler.Repositories
	cache    core.CacheProvider
	secrets  core.SecretProvider
	registry *prometheus.Registry

	closers []func()
}

// newRuntime wires the bus, repositories, cache, and secret store from the
// configuration. Postgres and Redis are used when configured; otherwise the
// in-memory implementations serve.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	rt := &runtime{cfg: cfg, registry: prometheus.NewRegistry()}

	var store bus.StreamStore
	switch cfg.Bus.Store {
	case "memory":
		store = bus.NewMemoryStore()
	default:
		var err error
		store, err = bus.NewSQLiteStore(cfg.StreamFile())
		if err != nil {
			return nil, fmt.Errorf("open stream store: %w", err)
		}
	}
	rt.bus = bus.New(store, bus.Config{
		AckWait:        cfg.Bus.AckWait,
		MaxDeliver:     cfg.Bus.MaxDeliver,
		RetentionAge:   cfg.Bus.RetentionAge,
		RetentionBytes: cfg.Bus.RetentionSize,
	}, metrics.NewBusMetrics(rt.registry))
	rt.closers = append(rt.closers, func() {
		if err := rt.bus.Close(); err != nil {
			logger.Warn(ctx, "Failed to close bus", tag.Error(err))
		}
	})

	if cfg.Postgres.DSN != "" {
		pg, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.repos = scheduler.Repositories{
			Pipelines: pg.Pipelines(),
			Runs:      pg.Runs(),
			Agents:    pg.Agents(),
			Approvals: pg.Approvals(),
		}
		rt.closers = append(rt.closers, pg.Close)
	} else {
		rt.repos = scheduler.Repositories{
			Pipelines: memory.NewPipelineRepository(),
			Runs:      memory.NewRunRepository(),
			Agents:    memory.NewAgentRepository(),
			Approvals: memory.NewApprovalRepository(),
		}
	}

	if cfg.Redis.Addr != "" {
		cache, err := redis.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.cache = cache
		rt.closers = append(rt.closers, func() {
			if err := cache.Close(); err != nil {
				logger.Warn(ctx, "Failed to close cache", tag.Error(err))
			}
		})
	} else {
		rt.cache = memory.NewCacheProvider()
	}

	secretStore, err := secrets.New(cfg.SecretsFile())
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.secrets = secretStore

	return rt, nil
}

// Close tears down the wired infrastructure in reverse order.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
