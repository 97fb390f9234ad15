package core

import (
	"time"
)

// TriggerEvent is an incoming event that may start runs.
type TriggerEvent struct {
	Type         TriggerType       `json:"type"`
	Branch       string            `json:"branch,omitempty"`
	Tag          string            `json:"tag,omitempty"`
	ChangedPaths []string          `json:"changed_paths,omitempty"`
	GitRef       string            `json:"git_ref,omitempty"`
	GitSHA       string            `json:"git_sha,omitempty"`
	Schedule     string            `json:"schedule,omitempty"`
	TriggeredBy  string            `json:"triggered_by,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Pipeline     string            `json:"pipeline,omitempty"`
}

// Run is one execution of a pipeline.
type Run struct {
	ID           RunID             `json:"id"`
	PipelineID   PipelineID        `json:"pipeline_id"`
	PipelineName string            `json:"pipeline_name"`
	RunNumber    int64             `json:"run_number"`
	Status       RunStatus         `json:"status"`
	Trigger      TriggerEvent      `json:"trigger"`
	GitRef       string            `json:"git_ref,omitempty"`
	GitSHA       string            `json:"git_sha,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	Stages       []Stage           `json:"stages"`

	QueuedAt        time.Time  `json:"queued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMS      *int64     `json:"duration_ms,omitempty"`
	BillableMinutes *int64     `json:"billable_minutes,omitempty"`

	// FailureSummary locates the first failure for a human reader.
	FailureSummary *FailureSummary `json:"failure_summary,omitempty"`
}

// FailureSummary is attached to non-success terminal runs.
type FailureSummary struct {
	Stage    string  `json:"stage"`
	Step     string  `json:"step,omitempty"`
	ExitCode *int    `json:"exit_code,omitempty"`
	AgentID  AgentID `json:"agent_id,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Stage is a stage definition materialized into a run.
type Stage struct {
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name,omitempty"`
	Status      StageStatus `json:"status"`
	DependsOn   []string    `json:"depends_on,omitempty"`
	Steps       []Step      `json:"steps"`
	AgentID     AgentID     `json:"agent_id,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Step is a step definition materialized into a run.
type Step struct {
	Name        string            `json:"name"`
	Status      StepStatus        `json:"status"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// NewRun materializes a run from a pipeline definition. The run number must
// be allocated by the repository before persisting.
func NewRun(pipelineID PipelineID, def *PipelineDefinition, runNumber int64, trigger TriggerEvent) *Run {
	stages := make([]Stage, 0, len(def.Stages))
	for _, sd := range def.Stages {
		steps := make([]Step, 0, len(sd.Steps))
		for _, step := range sd.Steps {
			steps = append(steps, Step{Name: step.Name, Status: StepPending})
		}
		stages = append(stages, Stage{
			Name:        sd.Name,
			DisplayName: sd.DisplayName,
			Status:      StagePending,
			DependsOn:   append([]string(nil), sd.DependsOn...),
			Steps:       steps,
		})
	}

	variables := make(map[string]string, len(def.Variables)+len(trigger.Variables))
	for k, v := range def.Variables {
		variables[k] = v
	}
	for k, v := range trigger.Variables {
		variables[k] = v
	}

	return &Run{
		ID:           NewRunID(),
		PipelineID:   pipelineID,
		PipelineName: def.Name,
		RunNumber:    runNumber,
		Status:       RunQueuedStatus,
		Trigger:      trigger,
		GitRef:       trigger.GitRef,
		GitSHA:       trigger.GitSHA,
		Variables:    variables,
		Stages:       stages,
		QueuedAt:     time.Now().UTC(),
	}
}

// FindStage returns the stage with the given name, or nil.
func (r *Run) FindStage(name string) *Stage {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// MarkStarted transitions the run to Running on first stage start.
func (r *Run) MarkStarted(at time.Time) {
	if r.Status != RunQueuedStatus {
		return
	}
	r.Status = RunRunning
	t := at.UTC()
	r.StartedAt = &t
}

// Finalize transitions the run to a terminal status. Terminal states are
// immutable; finalizing an already terminal run is a no-op.
func (r *Run) Finalize(status RunStatus, at time.Time) {
	if r.Status.IsTerminal() {
		return
	}
	r.Status = status
	t := at.UTC()
	r.CompletedAt = &t
	if r.StartedAt != nil {
		ms := t.Sub(*r.StartedAt).Milliseconds()
		r.DurationMS = &ms
		minutes := (ms + 59_999) / 60_000
		r.BillableMinutes = &minutes
	}
}

// QueuedJob is the unit handed to the scheduling queue: one (stage, matrix
// variant) pair of one run.
type QueuedJob struct {
	ID           JobID             `json:"id"`
	RunID        RunID             `json:"run_id"`
	PipelineID   PipelineID        `json:"pipeline_id"`
	StageName    string            `json:"stage_name"`
	JobIndex     int               `json:"job_index"`
	DisplayName  string            `json:"display_name,omitempty"`
	MatrixValues map[string]string `json:"matrix_values,omitempty"`

	Priority         Priority  `json:"priority"`
	QueuedAt         time.Time `json:"queued_at"`
	Labels           []string  `json:"labels,omitempty"`
	ConcurrencyGroup string    `json:"concurrency_group,omitempty"`
}
