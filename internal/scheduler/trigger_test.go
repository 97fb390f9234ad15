package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/scheduler"
)

func TestMatchTrigger(t *testing.T) {
	t.Parallel()

	def := func(triggers ...core.TriggerConfig) *core.PipelineDefinition {
		return &core.PipelineDefinition{Name: "p", Triggers: triggers}
	}

	tests := []struct {
		name string
		def  *core.PipelineDefinition
		evt  core.TriggerEvent
		want bool
	}{
		{
			"NoRulesMatchesAnyBranchPush",
			def(),
			core.TriggerEvent{Type: core.TriggerPush, Branch: "feature/x"},
			true,
		},
		{
			"NoRulesIgnoresTags",
			def(),
			core.TriggerEvent{Type: core.TriggerPush, Tag: "v1.0.0"},
			false,
		},
		{
			"NoRulesIgnoresManual",
			def(),
			core.TriggerEvent{Type: core.TriggerManual},
			false,
		},
		{
			"BranchGlob",
			def(core.TriggerConfig{Type: core.TriggerPush, Branches: []string{"main", "release/*"}}),
			core.TriggerEvent{Type: core.TriggerPush, Branch: "release/2026-08"},
			true,
		},
		{
			"BranchMismatch",
			def(core.TriggerConfig{Type: core.TriggerPush, Branches: []string{"main"}}),
			core.TriggerEvent{Type: core.TriggerPush, Branch: "develop"},
			false,
		},
		{
			"TagNeedsExplicitPattern",
			def(core.TriggerConfig{Type: core.TriggerPush, Branches: []string{"main"}}),
			core.TriggerEvent{Type: core.TriggerPush, Tag: "v1.0.0"},
			false,
		},
		{
			"TagPattern",
			def(core.TriggerConfig{Type: core.TriggerPush, Tags: []string{"v*"}}),
			core.TriggerEvent{Type: core.TriggerPush, Tag: "v1.2.3"},
			true,
		},
		{
			"PathsRequireOverlap",
			def(core.TriggerConfig{Type: core.TriggerPush, Paths: []string{"src/**"}}),
			core.TriggerEvent{Type: core.TriggerPush, Branch: "main", ChangedPaths: []string{"docs/readme.md"}},
			false,
		},
		{
			"PathsOverlap",
			def(core.TriggerConfig{Type: core.TriggerPush, Paths: []string{"src/**"}}),
			core.TriggerEvent{Type: core.TriggerPush, Branch: "main", ChangedPaths: []string{"src/app/main.go"}},
			true,
		},
		{
			"PathsIgnoreBlocksWhenAllMatch",
			def(core.TriggerConfig{Type: core.TriggerPush, PathsIgnore: []string{"docs/**"}}),
			core.TriggerEvent{Type: core.TriggerPush, Branch: "main", ChangedPaths: []string{"docs/a.md", "docs/b.md"}},
			false,
		},
		{
			"PathsIgnorePassesOnMixedChange",
			def(core.TriggerConfig{Type: core.TriggerPush, PathsIgnore: []string{"docs/**"}}),
			core.TriggerEvent{Type: core.TriggerPush, Branch: "main", ChangedPaths: []string{"docs/a.md", "src/main.go"}},
			true,
		},
		{
			"ScheduleMatchesExactExpression",
			def(core.TriggerConfig{Type: core.TriggerSchedule, Schedule: "0 3 * * *"}),
			core.TriggerEvent{Type: core.TriggerSchedule, Schedule: "0 3 * * *"},
			true,
		},
		{
			"ScheduleMismatch",
			def(core.TriggerConfig{Type: core.TriggerSchedule, Schedule: "0 3 * * *"}),
			core.TriggerEvent{Type: core.TriggerSchedule, Schedule: "0 4 * * *"},
			false,
		},
		{
			"TypeMismatch",
			def(core.TriggerConfig{Type: core.TriggerPush, Branches: []string{"main"}}),
			core.TriggerEvent{Type: core.TriggerManual, Branch: "main"},
			false,
		},
		{
			"AnyRuleSuffices",
			def(
				core.TriggerConfig{Type: core.TriggerSchedule, Schedule: "0 3 * * *"},
				core.TriggerConfig{Type: core.TriggerPush, Branches: []string{"main"}},
			),
			core.TriggerEvent{Type: core.TriggerPush, Branch: "main"},
			true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, scheduler.MatchTrigger(tc.def, tc.evt))
		})
	}
}

func TestHandleTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// One pipeline without trigger rules, one restricted to main.
	h.pipeline(&core.PipelineDefinition{
		Name:   "open",
		Stages: []core.StageDefinition{stage("build", nil, step("compile", "make build"))},
	})
	h.pipeline(&core.PipelineDefinition{
		Name: "main-only",
		Triggers: []core.TriggerConfig{
			{Type: core.TriggerPush, Branches: []string{"main"}},
		},
		Stages: []core.StageDefinition{stage("build", nil, step("compile", "make build"))},
	})

	t.Run("PushToMainStartsBoth", func(t *testing.T) {
		runs, err := h.sched.HandleTrigger(ctx, core.TriggerEvent{
			Type:   core.TriggerPush,
			Branch: "main",
			GitRef: "refs/heads/main",
		})
		require.NoError(t, err)
		require.Len(t, runs, 2)
		for _, run := range runs {
			final := h.waitTerminal(run.ID)
			require.Equal(t, core.RunSuccess, final.Status)
		}
	})

	t.Run("PushToFeatureStartsOpenOnly", func(t *testing.T) {
		runs, err := h.sched.HandleTrigger(ctx, core.TriggerEvent{
			Type:   core.TriggerPush,
			Branch: "feature/x",
		})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		require.Equal(t, "open", runs[0].PipelineName)
		h.waitTerminal(runs[0].ID)
	})

	t.Run("TagPushStartsNothing", func(t *testing.T) {
		runs, err := h.sched.HandleTrigger(ctx, core.TriggerEvent{
			Type: core.TriggerPush,
			Tag:  "v1.0.0",
		})
		require.NoError(t, err)
		require.Empty(t, runs)
	})

	t.Run("NamedPipelineOnly", func(t *testing.T) {
		runs, err := h.sched.HandleTrigger(ctx, core.TriggerEvent{
			Type:     core.TriggerManual,
			Pipeline: "open",
		})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		require.Equal(t, "open", runs[0].PipelineName)
		h.waitTerminal(runs[0].ID)
	})

	t.Run("UnknownPipeline", func(t *testing.T) {
		_, err := h.sched.HandleTrigger(ctx, core.TriggerEvent{
			Type:     core.TriggerManual,
			Pipeline: "ghost",
		})
		require.True(t, scheduler.IsNotFound(err))
	})
}
