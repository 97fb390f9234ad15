package core_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

func TestStatusTerminality(t *testing.T) {
	t.Parallel()

	require.False(t, core.RunQueuedStatus.IsTerminal())
	require.False(t, core.RunRunning.IsTerminal())
	require.True(t, core.RunSuccess.IsTerminal())
	require.True(t, core.RunFailure.IsTerminal())
	require.True(t, core.RunCancelledStatus.IsTerminal())
	require.True(t, core.RunTimeout.IsTerminal())

	require.True(t, core.RunQueuedStatus.IsActive())
	require.True(t, core.RunRunning.IsActive())
	require.False(t, core.RunSuccess.IsActive())
}

func TestStageCountsAsSuccess(t *testing.T) {
	t.Parallel()

	require.True(t, core.StageSuccess.CountsAsSuccess())
	require.True(t, core.StageSkipped.CountsAsSuccess())
	require.False(t, core.StageFailure.CountsAsSuccess())
	require.False(t, core.StageCancelled.CountsAsSuccess())
	require.False(t, core.StageRunning.CountsAsSuccess())
}

func TestStatusJSONRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(core.RunCancelledStatus)
	require.NoError(t, err)
	require.Equal(t, `"cancelled"`, string(data))

	var s core.RunStatus
	require.NoError(t, json.Unmarshal(data, &s))
	require.Equal(t, core.RunCancelledStatus, s)

	require.Error(t, json.Unmarshal([]byte(`"bogus"`), &s))
}

func TestApprovalStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, core.ApprovalPending.IsTerminal())
	require.True(t, core.ApprovalApproved.IsTerminal())
	require.True(t, core.ApprovalRejectedStatus.IsTerminal())
	require.True(t, core.ApprovalExpiredStatus.IsTerminal())
	require.True(t, core.ApprovalBypassed.IsTerminal())
}
