package bus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/bus"
)

func TestValidSubject(t *testing.T) {
	t.Parallel()

	require.True(t, bus.ValidSubject("run.queued.pip_1"))
	require.True(t, bus.ValidSubject("agent.registered"))
	require.False(t, bus.ValidSubject(""))
	require.False(t, bus.ValidSubject("run..queued"))
	require.False(t, bus.ValidSubject("run.*"))
	require.False(t, bus.ValidSubject("run.>"))
}

func TestMatchSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"run.queued", "run.queued", true},
		{"run.queued", "run.started", false},
		{"run.*", "run.queued", true},
		{"run.*", "run.queued.pip_1", false},
		{"run.*.pip_1", "run.queued.pip_1", true},
		{"run.>", "run.queued", true},
		{"run.>", "run.queued.pip_1.run_1", true},
		{"run.>", "run", false},
		{"agent.*.heartbeat", "agent.agt_1.heartbeat", true},
		{"agent.*.heartbeat", "agent.agt_1.disconnected", false},
		{">", "anything.at.all", true},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, bus.MatchSubject(tc.pattern, tc.subject),
			"MatchSubject(%q, %q)", tc.pattern, tc.subject)
	}
}
