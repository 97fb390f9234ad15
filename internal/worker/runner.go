package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
	"github.com/copyleftdev/oxide-ci-sub000/internal/eval"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger/tag"
)

// runStage executes every step of the assigned stage in order and reduces
// the results to one stage outcome.
func (w *Worker) runStage(ctx context.Context, a *core.JobAssignedEvent) *core.StageCompletedEvent {
	completed := &core.StageCompletedEvent{
		RunID:     a.RunID,
		StageName: a.Stage.Name,
		JobIndex:  a.JobIndex,
	}

	workdir := filepath.Join(w.cfg.WorkDir, fmt.Sprintf("%s-%s-%d", a.RunID, a.Stage.Name, a.JobIndex))
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		completed.Status = core.StageFailure
		completed.Reason = fmt.Sprintf("create workspace: %s", err)
		return completed
	}

	variables := make(map[string]string, len(a.Variables)+len(a.Stage.Variables))
	for k, v := range a.Variables {
		variables[k] = v
	}
	ectx := &eval.Context{
		Variables:   variables,
		Matrix:      a.MatrixValues,
		StepOutputs: make(map[string]map[string]string),
	}
	for k, v := range a.Stage.Variables {
		variables[k] = eval.Interpolate(v, ectx)
	}

	cacheKey := w.restoreCache(ctx, a, ectx, workdir)

	for _, step := range a.Stage.Steps {
		result := w.runStep(ctx, a, step, ectx, workdir)
		switch result.status {
		case core.StepSkipped:
			continue
		case core.StepSuccess:
			if len(result.outputs) > 0 {
				ectx.StepOutputs[step.Name] = result.outputs
			}
		case core.StepCancelled:
			completed.Status = core.StageCancelled
			completed.Reason = "cancelled"
			return completed
		case core.StepFailure:
			// The failing step's own outputs never materialized, so any
			// expression referencing them sees empty strings.
			if eval.EvaluateContinueOnError(step.ContinueOnError, ectx) {
				logger.Warn(ctx, "Step failed, continuing",
					tag.RunID(string(a.RunID)),
					tag.Stage(a.Stage.Name),
					tag.Step(step.Name))
				continue
			}
			completed.Status = core.StageFailure
			completed.FailedStep = step.Name
			completed.ExitCode = result.exitCode
			completed.Reason = result.reason
			return completed
		}
	}

	w.saveCache(ctx, a, cacheKey, workdir)
	w.collectArtifacts(ctx, a, ectx, workdir)

	completed.Status = core.StageSuccess
	return completed
}

// stepResult is the outcome of one step after retries.
type stepResult struct {
	status   core.StepStatus
	exitCode *int
	outputs  map[string]string
	reason   string
}

// runStep evaluates the step condition, then attempts the step within its
// retry budget. Only the last attempt's outputs survive.
func (w *Worker) runStep(ctx context.Context, a *core.JobAssignedEvent, step core.StepDefinition, ectx *eval.Context, workdir string) stepResult {
	// The step's environment is what env.NAME resolves to in its condition
	// and command.
	ectx.Env = eval.InterpolateMap(step.Environment, ectx)
	if !eval.EvaluateCondition(step.Condition, ectx) {
		w.publishStepCompleted(ctx, a, step.Name, stepResult{status: core.StepSkipped})
		return stepResult{status: core.StepSkipped}
	}

	attempts := step.Retry.Attempts()
	var last stepResult
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := w.bus.Publish(ctx, &core.StepStartedEvent{
			RunID:     a.RunID,
			StageName: a.Stage.Name,
			StepName:  step.Name,
			Attempt:   attempt,
			StartedAt: time.Now().UTC(),
		}); err != nil {
			logger.Warn(ctx, "Failed to publish step started",
				tag.Step(step.Name), tag.Error(err))
		}

		last = w.attemptStep(ctx, a, step, ectx, workdir)
		if last.status != core.StepFailure {
			break
		}
		if attempt < attempts {
			delay := time.Duration(step.Retry.Delay()) * time.Second
			if step.Retry != nil && step.Retry.ExponentialBackoff {
				delay *= time.Duration(math.Pow(2, float64(attempt-1)))
			}
			select {
			case <-ctx.Done():
				last = stepResult{status: core.StepCancelled}
			case <-time.After(delay):
			}
			if last.status == core.StepCancelled {
				break
			}
		}
	}

	w.publishStepCompleted(ctx, a, step.Name, last)
	return last
}

// attemptStep runs the step once through the executor.
func (w *Worker) attemptStep(ctx context.Context, a *core.JobAssignedEvent, step core.StepDefinition, ectx *eval.Context, workdir string) stepResult {
	env := make(map[string]string, len(ectx.Env)+len(step.Variables))
	for key, value := range ectx.Env {
		env[key] = value
	}
	for key, value := range eval.InterpolateMap(step.Variables, ectx) {
		env[key] = value
	}

	for _, key := range step.Secrets {
		if w.secrets == nil {
			return stepResult{status: core.StepFailure, reason: "no secret provider configured"}
		}
		value, err := w.secrets.Get(ctx, key)
		if err != nil {
			return stepResult{status: core.StepFailure, reason: fmt.Sprintf("resolve secret %q: %s", key, err)}
		}
		env[key] = value
		if err := w.bus.Publish(ctx, &core.SecretAccessedEvent{
			RunID:    a.RunID,
			StepName: step.Name,
			Key:      key,
		}); err != nil {
			logger.Warn(ctx, "Failed to publish secret access", tag.Key(key), tag.Error(err))
		}
	}

	run := step
	run.Run = eval.Interpolate(step.Run, ectx)

	wd := workdir
	if step.WorkingDirectory != "" {
		wd = filepath.Join(workdir, eval.Interpolate(step.WorkingDirectory, ectx))
	}

	timeout := step.TimeoutMinutes
	if timeout <= 0 {
		timeout = core.DefaultStepTimeoutMinutes
	}
	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Minute)
	defer cancel()

	var image string
	if a.Stage.Environment != nil {
		image = eval.Interpolate(a.Stage.Environment.Image, ectx)
	}

	res, err := w.exec.Run(stepCtx, core.ExecutorRequest{
		Step:             run,
		Environment:      a.Stage.EnvironmentType(),
		Image:            image,
		WorkingDirectory: wd,
		Env:              env,
		OnOutput: func(stream, line string) {
			if err := w.bus.Publish(ctx, &core.StepOutputEvent{
				RunID:     a.RunID,
				StageName: a.Stage.Name,
				StepName:  step.Name,
				Stream:    stream,
				Line:      line,
			}); err != nil {
				logger.Debug(ctx, "Dropped output line", tag.Step(step.Name), tag.Error(err))
			}
		},
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return stepResult{status: core.StepCancelled}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return stepResult{status: core.StepFailure, reason: "step timeout"}
		}
		return stepResult{status: core.StepFailure, reason: err.Error()}
	}

	if res.ExitCode != 0 {
		code := res.ExitCode
		return stepResult{
			status:   core.StepFailure,
			exitCode: &code,
			reason:   fmt.Sprintf("exit code %d", code),
		}
	}

	zero := 0
	return stepResult{
		status:   core.StepSuccess,
		exitCode: &zero,
		outputs:  declaredOutputs(step, res.Outputs),
	}
}

// declaredOutputs filters the executor's outputs down to the keys the step
// declares.
func declaredOutputs(step core.StepDefinition, outputs map[string]string) map[string]string {
	if len(step.Outputs) == 0 || len(outputs) == 0 {
		return nil
	}
	out := make(map[string]string, len(step.Outputs))
	for _, key := range step.Outputs {
		if value, ok := outputs[key]; ok {
			out[key] = value
		}
	}
	return out
}

func (w *Worker) publishStepCompleted(ctx context.Context, a *core.JobAssignedEvent, stepName string, result stepResult) {
	if err := w.bus.Publish(ctx, &core.StepCompletedEvent{
		RunID:       a.RunID,
		StageName:   a.Stage.Name,
		StepName:    stepName,
		Status:      result.status,
		ExitCode:    result.exitCode,
		Outputs:     result.outputs,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		logger.Warn(ctx, "Failed to publish step completion",
			tag.Step(stepName), tag.Error(err))
	}
}
