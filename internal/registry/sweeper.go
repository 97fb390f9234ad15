package registry

import (
	"context"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
)

// DefaultHeartbeatInterval is how often agents report liveness.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultStaleMultiplier scales the heartbeat interval into the offline
// threshold.
const DefaultStaleMultiplier = 3

// Sweeper transitions agents without recent heartbeats to offline and
// publishes the disconnect so the scheduler can recover their in-flight
// work.
type Sweeper struct {
	agents    core.AgentRepository
	bus       core.EventBus
	interval  time.Duration
	threshold time.Duration
}

// NewSweeper creates a sweeper. Zero durations select the defaults.
func NewSweeper(agents core.AgentRepository, bus core.EventBus, heartbeat time.Duration) *Sweeper {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Sweeper{
		agents:    agents,
		bus:       bus,
		interval:  heartbeat,
		threshold: heartbeat * DefaultStaleMultiplier,
	}
}

// Start runs the sweep loop until the context is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over the registry.
func (s *Sweeper) Sweep(ctx context.Context) {
	stale, err := s.agents.GetStale(ctx, s.threshold)
	if err != nil {
		logger.Error(ctx, "stale agent lookup failed", tag.Error(err))
		return
	}

	for _, agent := range stale {
		agent.Status = core.AgentOffline
		runID := agent.CurrentRunID
		agent.CurrentRunID = ""
		if err := s.agents.Update(ctx, agent); err != nil {
			logger.Error(ctx, "failed to mark agent offline",
				tag.AgentID(agent.ID.String()), tag.Error(err))
			continue
		}

		logger.Warn(ctx, "agent heartbeat timed out",
			tag.AgentID(agent.ID.String()),
			tag.AgentName(agent.Name),
			tag.RunID(runID.String()))

		evt := &core.AgentDisconnectedEvent{
			AgentID: agent.ID,
			Reason:  "heartbeat timeout",
		}
		if err := s.bus.Publish(ctx, evt); err != nil {
			logger.Error(ctx, "failed to publish agent disconnect",
				tag.AgentID(agent.ID.String()), tag.Error(err))
		}
	}
}
