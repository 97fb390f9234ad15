package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/robfig/cron/v3"
)

// Defaults applied when the definition leaves a field unset.
const (
	DefaultPipelineTimeoutMinutes = 60
	DefaultStepTimeoutMinutes     = 30
	DefaultShell                  = "bash"
	DefaultRetryMaxAttempts       = 1
	DefaultRetryDelaySeconds      = 10
)

// PipelineDefinition is the user-authored pipeline configuration, normally
// loaded from YAML.
type PipelineDefinition struct {
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version,omitempty" json:"version,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Triggers    []TriggerConfig   `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
	Stages      []StageDefinition `yaml:"stages" json:"stages"`
	Cache       *CacheSpec        `yaml:"cache,omitempty" json:"cache,omitempty"`
	Artifacts   *ArtifactsSpec    `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	Concurrency *ConcurrencySpec  `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`

	// TimeoutMinutes bounds the whole run. Zero means the default.
	TimeoutMinutes int `yaml:"timeout_minutes,omitempty" json:"timeout_minutes,omitempty"`
}

// TriggerType classifies what caused (or may cause) a run.
type TriggerType string

const (
	TriggerPush        TriggerType = "push"
	TriggerPullRequest TriggerType = "pull_request"
	TriggerSchedule    TriggerType = "schedule"
	TriggerManual      TriggerType = "manual"
	TriggerAPI         TriggerType = "api"
	TriggerWebhook     TriggerType = "webhook"
)

// TriggerConfig is one trigger rule in a pipeline definition. Filters are
// glob patterns; an empty filter list matches anything except Tags, which
// must be listed explicitly to match tag events.
type TriggerConfig struct {
	Type        TriggerType `yaml:"type" json:"type"`
	Branches    []string    `yaml:"branches,omitempty" json:"branches,omitempty"`
	Tags        []string    `yaml:"tags,omitempty" json:"tags,omitempty"`
	Paths       []string    `yaml:"paths,omitempty" json:"paths,omitempty"`
	PathsIgnore []string    `yaml:"paths_ignore,omitempty" json:"paths_ignore,omitempty"`
	Schedule    string      `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

// ConcurrencySpec limits simultaneous runs sharing a group.
type ConcurrencySpec struct {
	Group            string `yaml:"group" json:"group"`
	CancelInProgress bool   `yaml:"cancel_in_progress,omitempty" json:"cancel_in_progress,omitempty"`
	// Limit is the number of slots the group holds. Zero means one.
	Limit int `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// CacheSpec declares paths saved and restored around a run.
type CacheSpec struct {
	Key   string   `yaml:"key" json:"key"`
	Paths []string `yaml:"paths" json:"paths"`
}

// ArtifactsSpec declares paths collected after a run.
type ArtifactsSpec struct {
	Paths []string `yaml:"paths" json:"paths"`
}

// EnvironmentType selects the execution substrate for a stage.
type EnvironmentType string

const (
	EnvContainer   EnvironmentType = "container"
	EnvFirecracker EnvironmentType = "firecracker"
	EnvNix         EnvironmentType = "nix"
	EnvHost        EnvironmentType = "host"
)

// EnvironmentSpec describes where a stage runs and, for protected
// environments, the approval requirements before it may start.
type EnvironmentSpec struct {
	Type  EnvironmentType `yaml:"type,omitempty" json:"type,omitempty"`
	Image string          `yaml:"image,omitempty" json:"image,omitempty"`
	Name  string          `yaml:"name,omitempty" json:"name,omitempty"`

	Protection *ProtectionSpec `yaml:"protection,omitempty" json:"protection,omitempty"`
}

// ProtectionSpec gates a stage behind human approval.
type ProtectionSpec struct {
	RequiredApprovers   int      `yaml:"required_approvers" json:"required_approvers"`
	AllowedApprovers    []string `yaml:"allowed_approvers,omitempty" json:"allowed_approvers,omitempty"`
	PreventSelfApproval bool     `yaml:"prevent_self_approval,omitempty" json:"prevent_self_approval,omitempty"`
	TimeoutMinutes      int      `yaml:"timeout_minutes,omitempty" json:"timeout_minutes,omitempty"`
}

// AgentSelector narrows which agents may run a stage.
type AgentSelector struct {
	Labels []string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Name   string   `yaml:"name,omitempty" json:"name,omitempty"`
}

// RetrySpec configures retry behavior for a stage or step.
type RetrySpec struct {
	MaxAttempts        int  `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	DelaySeconds       int  `yaml:"delay_seconds,omitempty" json:"delay_seconds,omitempty"`
	ExponentialBackoff bool `yaml:"exponential_backoff,omitempty" json:"exponential_backoff,omitempty"`
}

// Attempts returns the effective number of attempts.
func (r *RetrySpec) Attempts() int {
	if r == nil || r.MaxAttempts <= 0 {
		return DefaultRetryMaxAttempts
	}
	return r.MaxAttempts
}

// Delay returns the effective base delay in seconds.
func (r *RetrySpec) Delay() int {
	if r == nil || r.DelaySeconds <= 0 {
		return DefaultRetryDelaySeconds
	}
	return r.DelaySeconds
}

// Matrix parameterizes a stage into one job per combination.
type Matrix struct {
	Dimensions  map[string][]string `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
	Include     []map[string]string `yaml:"include,omitempty" json:"include,omitempty"`
	Exclude     []map[string]string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	FailFast    bool                `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`
	MaxParallel int                 `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`

	// DimensionOrder preserves the declaration order of dimension keys for
	// deterministic expansion and display names. Populated on unmarshal.
	DimensionOrder []string `yaml:"-" json:"dimension_order,omitempty"`
}

// UnmarshalYAML records dimension key order, which Go maps do not preserve.
func (m *Matrix) UnmarshalYAML(data []byte) error {
	type alias Matrix
	var a alias
	if err := yaml.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Matrix(a)

	var ordered struct {
		Dimensions yaml.MapSlice `yaml:"dimensions"`
	}
	if err := yaml.Unmarshal(data, &ordered); err != nil {
		return err
	}
	for _, item := range ordered.Dimensions {
		if key, ok := item.Key.(string); ok {
			m.DimensionOrder = append(m.DimensionOrder, key)
		}
	}
	return nil
}

// StageDefinition is one stage in a pipeline definition.
type StageDefinition struct {
	Name        string            `yaml:"name" json:"name"`
	DisplayName string            `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Condition   *Condition        `yaml:"condition,omitempty" json:"condition,omitempty"`
	Environment *EnvironmentSpec  `yaml:"environment,omitempty" json:"environment,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
	Steps       []StepDefinition  `yaml:"steps" json:"steps"`
	Agent       *AgentSelector    `yaml:"agent,omitempty" json:"agent,omitempty"`
	Matrix      *Matrix           `yaml:"matrix,omitempty" json:"matrix,omitempty"`

	TimeoutMinutes int        `yaml:"timeout_minutes,omitempty" json:"timeout_minutes,omitempty"`
	Retry          *RetrySpec `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// EnvironmentType returns the effective environment type. Absent environment
// defaults to container.
func (s *StageDefinition) EnvironmentType() EnvironmentType {
	if s.Environment == nil || s.Environment.Type == "" {
		return EnvContainer
	}
	return s.Environment.Type
}

// RequiresApproval reports whether the stage is gated behind an approval.
func (s *StageDefinition) RequiresApproval() bool {
	return s.Environment != nil && s.Environment.Protection != nil &&
		s.Environment.Protection.RequiredApprovers > 0
}

// StepDefinition is one command or plugin invocation within a stage.
type StepDefinition struct {
	Name             string            `yaml:"name" json:"name"`
	Plugin           string            `yaml:"plugin,omitempty" json:"plugin,omitempty"`
	Run              string            `yaml:"run,omitempty" json:"run,omitempty"`
	Shell            string            `yaml:"shell,omitempty" json:"shell,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`
	Environment      map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Variables        map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
	Secrets          []string          `yaml:"secrets,omitempty" json:"secrets,omitempty"`
	Condition        *Condition        `yaml:"condition,omitempty" json:"condition,omitempty"`
	TimeoutMinutes   int               `yaml:"timeout_minutes,omitempty" json:"timeout_minutes,omitempty"`
	Retry            *RetrySpec        `yaml:"retry,omitempty" json:"retry,omitempty"`
	ContinueOnError  *ContinueOnError  `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	Outputs          []string          `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// EffectiveShell returns the shell used to run the step's script.
func (s *StepDefinition) EffectiveShell() string {
	if s.Shell == "" {
		return DefaultShell
	}
	return s.Shell
}

// Condition is either a bare expression string or an if/unless pair.
type Condition struct {
	If     string `yaml:"if,omitempty" json:"if,omitempty"`
	Unless string `yaml:"unless,omitempty" json:"unless,omitempty"`
}

// UnmarshalYAML accepts both the string form and the mapping form.
func (c *Condition) UnmarshalYAML(data []byte) error {
	var s string
	if err := yaml.Unmarshal(data, &s); err == nil {
		c.If = s
		return nil
	}
	type alias Condition
	var a alias
	if err := yaml.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("condition must be a string or {if, unless}: %w", err)
	}
	*c = Condition(a)
	return nil
}

func (c *Condition) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.If = s
		return nil
	}
	type alias Condition
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("condition must be a string or {if, unless}: %w", err)
	}
	*c = Condition(a)
	return nil
}

// ContinueOnError is either a boolean or an expression evaluated against the
// failing step's context.
type ContinueOnError struct {
	Bool *bool  `yaml:"-" json:"bool,omitempty"`
	Expr string `yaml:"-" json:"expr,omitempty"`
}

func (c *ContinueOnError) UnmarshalYAML(data []byte) error {
	var b bool
	if err := yaml.Unmarshal(data, &b); err == nil {
		c.Bool = &b
		return nil
	}
	var s string
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("continue_on_error must be a bool or an expression: %w", err)
	}
	c.Expr = s
	return nil
}

func (c *ContinueOnError) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		c.Bool = &b
		return nil
	}
	type alias ContinueOnError
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("continue_on_error must be a bool or an expression: %w", err)
	}
	*c = ContinueOnError(a)
	return nil
}

func (c *ContinueOnError) MarshalYAML() ([]byte, error) {
	if c.Bool != nil {
		return yaml.Marshal(*c.Bool)
	}
	return yaml.Marshal(c.Expr)
}

// ParsePipelineDefinition parses and validates a YAML pipeline definition.
func ParsePipelineDefinition(data []byte) (*PipelineDefinition, error) {
	var def PipelineDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural validity of the definition. Graph-level
// validation (unknown dependencies, cycles) happens when the DAG is built.
func (d *PipelineDefinition) Validate() error {
	var errs ErrorList
	if strings.TrimSpace(d.Name) == "" {
		errs.Add(fmt.Errorf("%w: pipeline name is required", ErrInvalidDefinition))
	}
	if len(d.Stages) == 0 {
		errs.Add(ErrEmptyPipeline)
	}

	seen := make(map[string]struct{}, len(d.Stages))
	for _, stage := range d.Stages {
		if strings.TrimSpace(stage.Name) == "" {
			errs.Add(fmt.Errorf("%w: stage name is required", ErrInvalidDefinition))
			continue
		}
		if _, dup := seen[stage.Name]; dup {
			errs.Add(fmt.Errorf("%w: duplicate stage %q", ErrInvalidDefinition, stage.Name))
		}
		seen[stage.Name] = struct{}{}

		if len(stage.Steps) == 0 {
			errs.Add(fmt.Errorf("%w: stage %q has no steps", ErrInvalidDefinition, stage.Name))
		}
		for _, step := range stage.Steps {
			if step.Run == "" && step.Plugin == "" {
				errs.Add(fmt.Errorf("%w: step %q in stage %q needs run or plugin",
					ErrInvalidDefinition, step.Name, stage.Name))
			}
		}
	}

	for _, trigger := range d.Triggers {
		if trigger.Type == TriggerSchedule {
			if _, err := cron.ParseStandard(trigger.Schedule); err != nil {
				errs.Add(fmt.Errorf("%w: invalid schedule %q: %s",
					ErrInvalidDefinition, trigger.Schedule, err))
			}
		}
	}

	return errs.ErrorOrNil()
}
