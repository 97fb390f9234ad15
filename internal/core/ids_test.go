package core_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

func TestIDs(t *testing.T) {
	t.Parallel()

	t.Run("Prefixes", func(t *testing.T) {
		require.True(t, strings.HasPrefix(string(core.NewPipelineID()), "pip_"))
		require.True(t, strings.HasPrefix(string(core.NewRunID()), "run_"))
		require.True(t, strings.HasPrefix(string(core.NewAgentID()), "agt_"))
		require.True(t, strings.HasPrefix(string(core.NewApprovalID()), "apr_"))
		require.True(t, strings.HasPrefix(string(core.NewCacheID()), "cch_"))
		require.True(t, strings.HasPrefix(string(core.NewJobID()), "job_"))
		require.True(t, strings.HasPrefix(string(core.NewMatrixID()), "mtx_"))
	})

	t.Run("RoundTrip", func(t *testing.T) {
		id := core.NewRunID()
		parsed, err := core.ParseRunID(id.String())
		require.NoError(t, err)
		require.Equal(t, id, parsed)
	})

	t.Run("BareUUIDAccepted", func(t *testing.T) {
		id := core.NewRunID()
		bare := strings.TrimPrefix(id.String(), "run_")
		parsed, err := core.ParseRunID(bare)
		require.NoError(t, err)
		require.Equal(t, id, parsed)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := core.ParseRunID("run_not-a-uuid")
		require.Error(t, err)
	})

	t.Run("TimeOrdered", func(t *testing.T) {
		// UUIDv7 sorts by creation time, so later IDs compare greater.
		a := core.NewRunID()
		b := core.NewRunID()
		require.True(t, a.String() <= b.String())
	})

	t.Run("Unique", func(t *testing.T) {
		seen := make(map[core.RunID]struct{})
		for i := 0; i < 1000; i++ {
			id := core.NewRunID()
			_, dup := seen[id]
			require.False(t, dup)
			seen[id] = struct{}{}
		}
	})
}
