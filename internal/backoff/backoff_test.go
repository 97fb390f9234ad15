package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/backoff"
)

func TestPolicyDelay(t *testing.T) {
	t.Parallel()

	t.Run("Exponential", func(t *testing.T) {
		p := backoff.Exponential(time.Second)
		require.Equal(t, time.Second, p.Delay(1))
		require.Equal(t, 2*time.Second, p.Delay(2))
		require.Equal(t, 4*time.Second, p.Delay(3))
		// The cap applies.
		require.Equal(t, 30*time.Second, p.Delay(10))
	})

	t.Run("Constant", func(t *testing.T) {
		p := backoff.Constant(100 * time.Millisecond)
		require.Equal(t, 100*time.Millisecond, p.Delay(1))
		require.Equal(t, 100*time.Millisecond, p.Delay(5))
	})

	t.Run("Transport", func(t *testing.T) {
		p := backoff.Transport()
		require.Equal(t, 100*time.Millisecond, p.Delay(1))
		require.Equal(t, 200*time.Millisecond, p.Delay(2))
		require.Equal(t, 30*time.Second, p.Delay(10))
		require.Equal(t, 10, p.MaxAttempts)
	})
}

func TestRetry(t *testing.T) {
	t.Parallel()

	t.Run("SucceedsAfterFailures", func(t *testing.T) {
		attempts := 0
		err := backoff.Retry(context.Background(), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		}, backoff.Constant(time.Millisecond), nil)
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("NonRetriableStops", func(t *testing.T) {
		fatal := errors.New("fatal")
		attempts := 0
		err := backoff.Retry(context.Background(), func(context.Context) error {
			attempts++
			return fatal
		}, backoff.Constant(time.Millisecond), func(err error) bool {
			return !errors.Is(err, fatal)
		})
		require.ErrorIs(t, err, fatal)
		require.Equal(t, 1, attempts)
	})

	t.Run("Exhaustion", func(t *testing.T) {
		p := backoff.Constant(time.Millisecond)
		p.MaxAttempts = 2
		cause := errors.New("transient")
		attempts := 0
		err := backoff.Retry(context.Background(), func(context.Context) error {
			attempts++
			return cause
		}, p, nil)
		require.ErrorIs(t, err, cause)
		require.Equal(t, 2, attempts)
	})

	t.Run("ContextCancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := backoff.Retry(ctx, func(context.Context) error {
			return errors.New("transient")
		}, backoff.Constant(time.Hour), nil)
		require.ErrorIs(t, err, context.Canceled)
	})
}
