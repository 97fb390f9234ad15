package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/bus"
	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/persistence/memory"
	"github.com/copyleftdev/oxide-ci-sub000/internal/registry"
)

func registerAgent(t *testing.T, repo *memory.AgentRepository, name string, registeredAt time.Time, labels []string, caps []core.Capability) *core.Agent {
	t.Helper()
	a := &core.Agent{
		Name:         name,
		Labels:       labels,
		Capabilities: caps,
		RegisteredAt: registeredAt,
	}
	require.NoError(t, repo.Register(context.Background(), a))
	return a
}

func TestFindBest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("LabelsAndCapabilitiesAreSupersets", func(t *testing.T) {
		repo := memory.NewAgentRepository()
		registerAgent(t, repo, "small", base, []string{"linux"}, nil)
		want := registerAgent(t, repo, "big", base.Add(time.Minute),
			[]string{"linux", "gpu"}, []core.Capability{core.CapabilityDocker})

		m := registry.NewMatcher(repo)
		got, err := m.FindBest(ctx, registry.Requirements{
			Labels:       []string{"linux", "gpu"},
			Capabilities: []core.Capability{core.CapabilityDocker},
		})
		require.NoError(t, err)
		require.Equal(t, want.ID, got.ID)
	})

	t.Run("NameWinsOverSpecificity", func(t *testing.T) {
		repo := memory.NewAgentRepository()
		registerAgent(t, repo, "generic", base, []string{"linux", "gpu"}, nil)
		pinned := registerAgent(t, repo, "pinned", base.Add(time.Hour), []string{"linux"}, nil)

		m := registry.NewMatcher(repo)
		got, err := m.FindBest(ctx, registry.Requirements{
			Labels: []string{"linux"},
			Name:   "pinned",
		})
		require.NoError(t, err)
		require.Equal(t, pinned.ID, got.ID)
	})

	t.Run("MoreMatchingLabelsWins", func(t *testing.T) {
		repo := memory.NewAgentRepository()
		registerAgent(t, repo, "broad", base, []string{"linux", "gpu", "fast"}, nil)
		exact := registerAgent(t, repo, "exact", base.Add(time.Minute), []string{"linux"}, nil)
		_ = exact

		m := registry.NewMatcher(repo)
		got, err := m.FindBest(ctx, registry.Requirements{Labels: []string{"linux"}})
		// Both carry the one required label; the tie breaks by earliest
		// registration.
		require.NoError(t, err)
		require.Equal(t, "broad", got.Name)
	})

	t.Run("EarliestRegistrationBreaksTies", func(t *testing.T) {
		repo := memory.NewAgentRepository()
		first := registerAgent(t, repo, "first", base, []string{"linux"}, nil)
		registerAgent(t, repo, "second", base.Add(time.Minute), []string{"linux"}, nil)

		m := registry.NewMatcher(repo)
		got, err := m.FindBest(ctx, registry.Requirements{Labels: []string{"linux"}})
		require.NoError(t, err)
		require.Equal(t, first.ID, got.ID)
	})

	t.Run("BusyAgentsSkipped", func(t *testing.T) {
		repo := memory.NewAgentRepository()
		busy := registerAgent(t, repo, "busy", base, []string{"linux"}, nil)
		busy.Status = core.AgentBusy
		require.NoError(t, repo.Update(ctx, busy))
		idle := registerAgent(t, repo, "idle", base.Add(time.Minute), []string{"linux"}, nil)

		m := registry.NewMatcher(repo)
		got, err := m.FindBest(ctx, registry.Requirements{Labels: []string{"linux"}})
		require.NoError(t, err)
		require.Equal(t, idle.ID, got.ID)
	})

	t.Run("NoAgent", func(t *testing.T) {
		repo := memory.NewAgentRepository()
		registerAgent(t, repo, "linux-only", base, []string{"linux"}, nil)

		m := registry.NewMatcher(repo)
		_, err := m.FindBest(ctx, registry.Requirements{Labels: []string{"windows"}})
		require.ErrorIs(t, err, core.ErrNoAvailableAgent)
	})
}

func TestSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewAgentRepository()
	b := bus.New(bus.NewMemoryStore(), bus.Config{}, nil)
	defer func() { _ = b.Close() }()

	stale := registerAgent(t, repo, "stale", time.Now().Add(-time.Hour), nil, nil)
	fresh := registerAgent(t, repo, "fresh", time.Now().Add(-time.Hour), nil, nil)
	require.NoError(t, repo.Heartbeat(ctx, fresh.ID, nil))

	disconnected := make(chan core.AgentID, 1)
	unsub, err := b.Subscribe(ctx, "agent.*.disconnected", func(_ context.Context, evt core.Event) error {
		disconnected <- evt.(*core.AgentDisconnectedEvent).AgentID
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	sweeper := registry.NewSweeper(repo, b, 10*time.Second)
	sweeper.Sweep(ctx)

	select {
	case id := <-disconnected:
		require.Equal(t, stale.ID, id)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a disconnect event")
	}

	got, err := repo.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, core.AgentOffline, got.Status)

	gotFresh, err := repo.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, core.AgentIdle, gotFresh.Status)
}
