package core_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

const sampleYAML = `
name: web-app
version: "1"
variables:
  region: eu-west-1
triggers:
  - type: push
    branches: [main, "release/*"]
    paths_ignore: ["docs/**"]
  - type: schedule
    schedule: "0 3 * * *"
concurrency:
  group: web-app-${{ region }}
  cancel_in_progress: true
cache:
  key: deps-${{ region }}
  paths: ["node_modules/**"]
timeout_minutes: 45
stages:
  - name: build
    steps:
      - name: compile
        run: make build
        outputs: [digest]
  - name: test
    depends_on: [build]
    condition: "${{ region }} != ''"
    matrix:
      dimensions:
        go: ["1.23", "1.24"]
      exclude:
        - go: "1.23"
    steps:
      - name: unit
        run: make test
        continue_on_error: true
  - name: deploy
    depends_on: [test]
    environment:
      type: container
      image: deployer:latest
      name: production
      protection:
        required_approvers: 1
        prevent_self_approval: true
    steps:
      - name: ship
        run: make deploy
        shell: sh
`

func TestParsePipelineDefinition(t *testing.T) {
	t.Parallel()

	def, err := core.ParsePipelineDefinition([]byte(sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "web-app", def.Name)
	require.Equal(t, 45, def.TimeoutMinutes)
	require.Len(t, def.Stages, 3)

	t.Run("Triggers", func(t *testing.T) {
		require.Equal(t, core.TriggerPush, def.Triggers[0].Type)
		require.Equal(t, []string{"main", "release/*"}, def.Triggers[0].Branches)
		require.Equal(t, []string{"docs/**"}, def.Triggers[0].PathsIgnore)
		require.Equal(t, "0 3 * * *", def.Triggers[1].Schedule)
	})

	t.Run("Concurrency", func(t *testing.T) {
		require.NotNil(t, def.Concurrency)
		require.True(t, def.Concurrency.CancelInProgress)
	})

	t.Run("MatrixDimensionOrder", func(t *testing.T) {
		m := def.Stages[1].Matrix
		require.NotNil(t, m)
		require.Equal(t, []string{"go"}, m.DimensionOrder)
		require.Equal(t, []string{"1.23", "1.24"}, m.Dimensions["go"])
		require.Len(t, m.Exclude, 1)
	})

	t.Run("ConditionStringForm", func(t *testing.T) {
		cond := def.Stages[1].Condition
		require.NotNil(t, cond)
		require.Equal(t, "${{ region }} != ''", cond.If)
	})

	t.Run("ContinueOnErrorBoolForm", func(t *testing.T) {
		coe := def.Stages[1].Steps[0].ContinueOnError
		require.NotNil(t, coe)
		require.NotNil(t, coe.Bool)
		require.True(t, *coe.Bool)
	})

	t.Run("EnvironmentDefaults", func(t *testing.T) {
		require.Equal(t, core.EnvContainer, def.Stages[0].EnvironmentType())
		require.False(t, def.Stages[0].RequiresApproval())
		require.True(t, def.Stages[2].RequiresApproval())
	})

	t.Run("Shell", func(t *testing.T) {
		require.Equal(t, core.DefaultShell, def.Stages[0].Steps[0].EffectiveShell())
		require.Equal(t, "sh", def.Stages[2].Steps[0].EffectiveShell())
	})
}

func TestParsePipelineDefinitionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"MissingName", "stages:\n  - name: a\n    steps:\n      - name: s\n        run: \"true\"\n"},
		{"NoStages", "name: empty\n"},
		{"StageWithoutSteps", "name: p\nstages:\n  - name: a\n"},
		{"StepWithoutRun", "name: p\nstages:\n  - name: a\n    steps:\n      - name: s\n"},
		{"DuplicateStage", "name: p\nstages:\n  - name: a\n    steps:\n      - name: s\n        run: \"true\"\n  - name: a\n    steps:\n      - name: s\n        run: \"true\"\n"},
		{"BadCron", "name: p\ntriggers:\n  - type: schedule\n    schedule: \"bad\"\nstages:\n  - name: a\n    steps:\n      - name: s\n        run: \"true\"\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := core.ParsePipelineDefinition([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestRetrySpecDefaults(t *testing.T) {
	t.Parallel()

	var r *core.RetrySpec
	require.Equal(t, core.DefaultRetryMaxAttempts, r.Attempts())
	require.Equal(t, core.DefaultRetryDelaySeconds, r.Delay())

	r = &core.RetrySpec{MaxAttempts: 3, DelaySeconds: 5}
	require.Equal(t, 3, r.Attempts())
	require.Equal(t, 5, r.Delay())
}
