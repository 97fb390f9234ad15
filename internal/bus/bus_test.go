package bus_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/bus"
	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

func newTestBus(t *testing.T, cfg bus.Config) *bus.Bus {
	t.Helper()
	b := bus.New(bus.NewMemoryStore(), cfg, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func queuedEvent(pipeline string) *core.RunQueuedEvent {
	return &core.RunQueuedEvent{
		RunID:      "run_1",
		PipelineID: core.PipelineID(pipeline),
		RunNumber:  1,
		QueuedAt:   time.Now().UTC(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, bus.Config{})
	ctx := context.Background()

	var got atomic.Int32
	unsub, err := b.Subscribe(ctx, "run.queued.*", func(_ context.Context, evt core.Event) error {
		require.IsType(t, &core.RunQueuedEvent{}, evt)
		got.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(ctx, queuedEvent("pip_1")))
	waitFor(t, func() bool { return got.Load() == 1 })

	// A non-matching subject is not delivered.
	require.NoError(t, b.Publish(ctx, &core.RunStartedEvent{
		RunID: "run_1", PipelineID: "pip_1", StartedAt: time.Now(),
	}))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), got.Load())
}

func TestFIFOPerSubscriber(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, bus.Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	unsub, err := b.Subscribe(ctx, "run.queued.>", func(_ context.Context, evt core.Event) error {
		mu.Lock()
		order = append(order, string(evt.(*core.RunQueuedEvent).PipelineID))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(ctx, queuedEvent(fmt.Sprintf("pip_%03d", i))))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	})
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("pip_%03d", i), order[i])
	}
}

func TestQueueGroupLoadBalances(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, bus.Config{})
	ctx := context.Background()

	var a, c atomic.Int32
	unsubA, err := b.QueueSubscribe(ctx, "run.queued.*", "workers", func(_ context.Context, _ core.Event) error {
		a.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer unsubA()
	unsubB, err := b.QueueSubscribe(ctx, "run.queued.*", "workers", func(_ context.Context, _ core.Event) error {
		c.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer unsubB()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(ctx, queuedEvent(fmt.Sprintf("pip_%d", i))))
	}

	// Each event is handled exactly once across the group.
	waitFor(t, func() bool { return a.Load()+c.Load() == n })
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(n), a.Load()+c.Load())
}

func TestDeadLetterAfterMaxDeliver(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, bus.Config{MaxDeliver: 3, AckWait: time.Second})
	ctx := context.Background()

	var attempts atomic.Int32
	unsub, err := b.Subscribe(ctx, "run.queued.*", func(_ context.Context, _ core.Event) error {
		attempts.Add(1)
		return fmt.Errorf("handler rejects")
	})
	require.NoError(t, err)
	defer unsub()

	var dead atomic.Int32
	var gotDL bus.DeadLetter
	unsubDead, err := b.SubscribeDead(ctx, "", func(_ context.Context, dl bus.DeadLetter) error {
		gotDL = dl
		dead.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer unsubDead()

	require.NoError(t, b.Publish(ctx, queuedEvent("pip_1")))

	waitFor(t, func() bool { return dead.Load() == 1 })
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, "run.queued.pip_1", gotDL.Subject)
	require.Equal(t, 3, gotDL.Attempts)
	require.Contains(t, gotDL.Reason, "handler rejects")
}

func TestReplay(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, bus.Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, queuedEvent(fmt.Sprintf("pip_%d", i))))
	}

	var replayed []string
	err := b.Replay(ctx, "run.queued.*", 1, func(evt core.Event) bool {
		replayed = append(replayed, string(evt.(*core.RunQueuedEvent).PipelineID))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"pip_0", "pip_1", "pip_2"}, replayed)
}

func TestSubscribeFromBeginning(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, bus.Config{})
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, queuedEvent("pip_early")))

	var got atomic.Int32
	unsub, err := b.SubscribeWithOptions(ctx, "run.queued.*", func(_ context.Context, _ core.Event) error {
		got.Add(1)
		return nil
	}, bus.WithStartPosition(bus.DeliverAll))
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(ctx, queuedEvent("pip_late")))
	waitFor(t, func() bool { return got.Load() == 2 })
}

func TestDLQHiddenFromBroadPatterns(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, bus.Config{MaxDeliver: 1, AckWait: time.Second})
	ctx := context.Background()

	// A failing subscriber produces a dead letter under dlq.run.queued...
	unsubFail, err := b.Subscribe(ctx, "run.queued.*", func(_ context.Context, _ core.Event) error {
		return fmt.Errorf("nope")
	})
	require.NoError(t, err)
	defer unsubFail()

	var broad atomic.Int32
	unsubBroad, err := b.Subscribe(ctx, ">", func(_ context.Context, _ core.Event) error {
		broad.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer unsubBroad()

	var dead atomic.Int32
	unsubDead, err := b.SubscribeDead(ctx, "", func(_ context.Context, _ bus.DeadLetter) error {
		dead.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer unsubDead()

	require.NoError(t, b.Publish(ctx, queuedEvent("pip_1")))
	waitFor(t, func() bool { return dead.Load() == 1 })

	// The ">" subscriber saw the original event only, not the dead letter.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), broad.Load())
}
