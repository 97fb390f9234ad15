package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueGroupRejectsReplay(t *testing.T) {
	b := New(NewMemoryStore(), Config{}, nil)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	h := func(context.Context, Record) error { return nil }
	_, err := b.subscribe(context.Background(), "run.>", "workers", h,
		&subscribeOptions{position: DeliverAll})
	require.Error(t, err)

	// A queue group starting at new events is still fine.
	unsub, err := b.subscribe(context.Background(), "run.>", "workers", h, nil)
	require.NoError(t, err)
	unsub()
}
