package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/bus"
	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/persistence/memory"
)

func TestCacheEvictionIsAnnounced(t *testing.T) {
	ctx := context.Background()
	b := bus.New(bus.NewMemoryStore(), bus.Config{}, nil)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	rt := &runtime{bus: b, cache: memory.NewCacheProvider()}

	evicted := make(chan *core.CacheEvictedEvent, 1)
	unsub, err := b.Subscribe(ctx, "cache.evicted.>", func(_ context.Context, evt core.Event) error {
		if e, ok := evt.(*core.CacheEvictedEvent); ok {
			evicted <- e
		}
		return nil
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, rt.cache.Save(ctx, "deps-linux", []byte("payload"), time.Hour))
	entries, err := rt.cache.List(ctx, "deps-")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, rt.cache.Delete(ctx, entries[0].Key))
	publishEvicted(ctx, rt, entries[0])

	select {
	case e := <-evicted:
		require.Equal(t, "deps-linux", e.Key)
		require.Equal(t, entries[0].ID, e.CacheID)
	case <-time.After(3 * time.Second):
		t.Fatal("eviction never announced")
	}
}
