package scheduler

import (
	"context"
	"errors"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/eval"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
)

// HandleTrigger starts a run for every pipeline whose triggers match the
// event. When the event names a pipeline, only that one is considered and
// its trigger rules are not consulted: asking for a pipeline by name is the
// match. Returns the started runs.
func (s *Scheduler) HandleTrigger(ctx context.Context, evt core.TriggerEvent) ([]*core.Run, error) {
	if evt.Pipeline != "" {
		p, err := s.repos.Pipelines.GetByName(ctx, evt.Pipeline)
		if err != nil {
			return nil, err
		}
		run, err := s.StartRun(ctx, p, evt)
		if err != nil {
			return nil, err
		}
		return []*core.Run{run}, nil
	}

	pipelines, err := s.repos.Pipelines.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	var (
		started []*core.Run
		errs    core.ErrorList
	)
	for _, p := range pipelines {
		if !MatchTrigger(p.Definition, evt) {
			continue
		}
		run, err := s.StartRun(ctx, p, evt)
		if err != nil {
			logger.Error(ctx, "Failed to start run",
				tag.Pipeline(p.Name), tag.Error(err))
			errs.Add(err)
			continue
		}
		started = append(started, run)
	}
	return started, errs.ErrorOrNil()
}

// MatchTrigger reports whether any trigger rule of the definition matches the
// event. A pipeline without trigger rules runs on pushes to any branch and on
// nothing else. Tag pushes match only rules that list tag patterns
// explicitly.
func MatchTrigger(def *core.PipelineDefinition, evt core.TriggerEvent) bool {
	if len(def.Triggers) == 0 {
		return evt.Type == core.TriggerPush && evt.Tag == ""
	}
	for _, rule := range def.Triggers {
		if matchRule(rule, evt) {
			return true
		}
	}
	return false
}

func matchRule(rule core.TriggerConfig, evt core.TriggerEvent) bool {
	if rule.Type != evt.Type {
		return false
	}

	if evt.Type == core.TriggerSchedule {
		return rule.Schedule == evt.Schedule
	}

	if evt.Tag != "" {
		return eval.GlobAny(rule.Tags, evt.Tag)
	}

	if len(rule.Branches) > 0 && !eval.GlobAny(rule.Branches, evt.Branch) {
		return false
	}

	if len(rule.Paths) > 0 && !anyPathMatches(rule.Paths, evt.ChangedPaths) {
		return false
	}
	if len(rule.PathsIgnore) > 0 && len(evt.ChangedPaths) > 0 &&
		allPathsMatch(rule.PathsIgnore, evt.ChangedPaths) {
		return false
	}
	return true
}

func anyPathMatches(patterns, paths []string) bool {
	for _, path := range paths {
		if eval.GlobAny(patterns, path) {
			return true
		}
	}
	return false
}

func allPathsMatch(patterns, paths []string) bool {
	for _, path := range paths {
		if !eval.GlobAny(patterns, path) {
			return false
		}
	}
	return true
}

// IsNotFound reports whether the error is a missing-pipeline lookup, so
// callers can distinguish bad input from trigger evaluation failures.
func IsNotFound(err error) bool {
	return errors.Is(err, core.ErrPipelineNotFound)
}
