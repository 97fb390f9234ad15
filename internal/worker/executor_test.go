package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/worker"
)

func shellStep(script string) core.StepDefinition {
	return core.StepDefinition{Name: "step", Run: script, Shell: "sh"}
}

func TestShellExecutor(t *testing.T) {
	t.Parallel()

	exec := &worker.ShellExecutor{}
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		res, err := exec.Run(ctx, core.ExecutorRequest{
			Step:             shellStep("exit 0"),
			WorkingDirectory: t.TempDir(),
		})
		require.NoError(t, err)
		require.Equal(t, 0, res.ExitCode)
	})

	t.Run("ExitCode", func(t *testing.T) {
		res, err := exec.Run(ctx, core.ExecutorRequest{
			Step:             shellStep("exit 7"),
			WorkingDirectory: t.TempDir(),
		})
		require.NoError(t, err)
		require.Equal(t, 7, res.ExitCode)
	})

	t.Run("Outputs", func(t *testing.T) {
		script := `printf 'digest=sha256:abc\n# comment\nmalformed\nversion = 1.2\n' > "$OXIDE_OUTPUT"`
		res, err := exec.Run(ctx, core.ExecutorRequest{
			Step:             shellStep(script),
			WorkingDirectory: t.TempDir(),
		})
		require.NoError(t, err)
		require.Equal(t, map[string]string{
			"digest":  "sha256:abc",
			"version": "1.2",
		}, res.Outputs)
	})

	t.Run("EnvPassedThrough", func(t *testing.T) {
		script := `[ "$MY_VAR" = "my-value" ]`
		res, err := exec.Run(ctx, core.ExecutorRequest{
			Step:             shellStep(script),
			WorkingDirectory: t.TempDir(),
			Env:              map[string]string{"MY_VAR": "my-value"},
		})
		require.NoError(t, err)
		require.Equal(t, 0, res.ExitCode)
	})

	t.Run("OutputStreaming", func(t *testing.T) {
		var mu sync.Mutex
		var lines []string
		_, err := exec.Run(ctx, core.ExecutorRequest{
			Step:             shellStep(`echo one; echo two >&2`),
			WorkingDirectory: t.TempDir(),
			OnOutput: func(stream, line string) {
				mu.Lock()
				lines = append(lines, stream+":"+line)
				mu.Unlock()
			},
		})
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"stdout:one", "stderr:two"}, lines)
	})

	t.Run("Cancellation", func(t *testing.T) {
		cancelCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err := exec.Run(cancelCtx, core.ExecutorRequest{
			Step:             shellStep("sleep 30"),
			WorkingDirectory: t.TempDir(),
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("PluginRejected", func(t *testing.T) {
		_, err := exec.Run(ctx, core.ExecutorRequest{
			Step: core.StepDefinition{Name: "p", Plugin: "docker-build"},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "plugin")
	})
}
