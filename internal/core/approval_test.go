package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

func newGate(spec *core.ProtectionSpec) *core.ApprovalGate {
	return core.NewApprovalGate("run_1", "deploy", "alice", spec)
}

func TestApprovalGate(t *testing.T) {
	t.Parallel()

	now := time.Now()

	t.Run("DefaultTimeout", func(t *testing.T) {
		g := newGate(&core.ProtectionSpec{RequiredApprovers: 1})
		require.Equal(t, core.DefaultPipelineTimeoutMinutes, g.TimeoutMinutes)
		require.Equal(t, core.ApprovalPending, g.Status)
	})

	t.Run("ApproveUntilFull", func(t *testing.T) {
		g := newGate(&core.ProtectionSpec{RequiredApprovers: 2})
		require.True(t, g.Approve("bob", now))
		require.Equal(t, core.ApprovalPending, g.Status)
		require.False(t, g.FullyApproved())

		require.True(t, g.Approve("carol", now))
		require.Equal(t, core.ApprovalApproved, g.Status)
		require.NotNil(t, g.ResolvedAt)
	})

	t.Run("DuplicateApproverIgnored", func(t *testing.T) {
		g := newGate(&core.ProtectionSpec{RequiredApprovers: 2})
		require.True(t, g.Approve("bob", now))
		require.False(t, g.Approve("bob", now))
		require.Equal(t, 1, g.CurrentApprovals)
	})

	t.Run("AllowedApprovers", func(t *testing.T) {
		g := newGate(&core.ProtectionSpec{
			RequiredApprovers: 1,
			AllowedApprovers:  []string{"bob"},
		})
		require.False(t, g.Approve("mallory", now))
		require.True(t, g.Approve("bob", now))
	})

	t.Run("PreventSelfApproval", func(t *testing.T) {
		g := newGate(&core.ProtectionSpec{
			RequiredApprovers:   1,
			PreventSelfApproval: true,
		})
		// alice triggered the run.
		require.False(t, g.Approve("alice", now))
		require.True(t, g.Approve("bob", now))
	})

	t.Run("Reject", func(t *testing.T) {
		g := newGate(&core.ProtectionSpec{RequiredApprovers: 2})
		require.True(t, g.Approve("bob", now))
		require.True(t, g.Reject("carol", now))
		require.Equal(t, core.ApprovalRejectedStatus, g.Status)
		// Resolved gates are immutable.
		require.False(t, g.Approve("dave", now))
		require.False(t, g.Bypass(now))
	})

	t.Run("Expire", func(t *testing.T) {
		g := newGate(&core.ProtectionSpec{RequiredApprovers: 1, TimeoutMinutes: 5})
		require.False(t, g.Expire(now))
		require.True(t, g.Expire(g.ExpiresAt.Add(time.Second)))
		require.Equal(t, core.ApprovalExpiredStatus, g.Status)
	})

	t.Run("Bypass", func(t *testing.T) {
		g := newGate(&core.ProtectionSpec{RequiredApprovers: 3})
		require.True(t, g.Bypass(now))
		require.Equal(t, core.ApprovalBypassed, g.Status)
	})
}
