package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is one lifecycle event on the bus. The wire form is JSON with a
// snake_case discriminator in the "type" field; the subject is a pure
// function of the payload.
type Event interface {
	// EventType returns the snake_case type discriminator.
	EventType() string
	// Subject returns the dot-separated routing subject.
	Subject() string
}

// Subject hierarchy roots.
const (
	SubjectRunRoot      = "run"
	SubjectAgentRoot    = "agent"
	SubjectCacheRoot    = "cache"
	SubjectSecretRoot   = "secret"
	SubjectMatrixRoot   = "matrix"
	SubjectApprovalRoot = "approval"
	SubjectDLQRoot      = "dlq"
)

// Run lifecycle events.

type RunQueuedEvent struct {
	RunID        RunID      `json:"run_id"`
	PipelineID   PipelineID `json:"pipeline_id"`
	PipelineName string     `json:"pipeline_name"`
	RunNumber    int64      `json:"run_number"`
	QueuedAt     time.Time  `json:"queued_at"`
}

func (e *RunQueuedEvent) EventType() string { return "run_queued" }
func (e *RunQueuedEvent) Subject() string {
	return fmt.Sprintf("run.queued.%s", e.PipelineID)
}

type RunStartedEvent struct {
	RunID      RunID      `json:"run_id"`
	PipelineID PipelineID `json:"pipeline_id"`
	RunNumber  int64      `json:"run_number"`
	StartedAt  time.Time  `json:"started_at"`
}

func (e *RunStartedEvent) EventType() string { return "run_started" }
func (e *RunStartedEvent) Subject() string {
	return fmt.Sprintf("run.started.%s.%s", e.PipelineID, e.RunID)
}

type RunCompletedEvent struct {
	RunID          RunID           `json:"run_id"`
	PipelineID     PipelineID      `json:"pipeline_id"`
	RunNumber      int64           `json:"run_number"`
	Status         RunStatus       `json:"status"`
	DurationMS     int64           `json:"duration_ms"`
	FailureSummary *FailureSummary `json:"failure_summary,omitempty"`
	CompletedAt    time.Time       `json:"completed_at"`
}

func (e *RunCompletedEvent) EventType() string { return "run_completed" }
func (e *RunCompletedEvent) Subject() string {
	return fmt.Sprintf("run.completed.%s.%s", e.PipelineID, e.RunID)
}

type RunCancelledEvent struct {
	RunID      RunID      `json:"run_id"`
	PipelineID PipelineID `json:"pipeline_id"`
	Reason     string     `json:"reason,omitempty"`
}

func (e *RunCancelledEvent) EventType() string { return "run_cancelled" }
func (e *RunCancelledEvent) Subject() string {
	return fmt.Sprintf("run.cancelled.%s.%s", e.PipelineID, e.RunID)
}

// RunCancelRequestedEvent is the cancellation intent published on the run's
// subject; the scheduler and the executing agents react cooperatively.
type RunCancelRequestedEvent struct {
	RunID       RunID  `json:"run_id"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func (e *RunCancelRequestedEvent) EventType() string { return "run_cancel_requested" }
func (e *RunCancelRequestedEvent) Subject() string {
	return fmt.Sprintf("run.%s.cancel", e.RunID)
}

// Stage lifecycle events.

type StageStartedEvent struct {
	RunID     RunID     `json:"run_id"`
	StageName string    `json:"stage_name"`
	JobIndex  int       `json:"job_index"`
	AgentID   AgentID   `json:"agent_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

func (e *StageStartedEvent) EventType() string { return "stage_started" }
func (e *StageStartedEvent) Subject() string {
	return fmt.Sprintf("run.%s.stage.%s.started", e.RunID, e.StageName)
}

type StageCompletedEvent struct {
	RunID       RunID       `json:"run_id"`
	StageName   string      `json:"stage_name"`
	JobIndex    int         `json:"job_index"`
	Status      StageStatus `json:"status"`
	AgentID     AgentID     `json:"agent_id,omitempty"`
	FailedStep  string      `json:"failed_step,omitempty"`
	ExitCode    *int        `json:"exit_code,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
}

func (e *StageCompletedEvent) EventType() string { return "stage_completed" }
func (e *StageCompletedEvent) Subject() string {
	return fmt.Sprintf("run.%s.stage.%s.completed", e.RunID, e.StageName)
}

// Step lifecycle events.

type StepStartedEvent struct {
	RunID     RunID     `json:"run_id"`
	StageName string    `json:"stage_name"`
	StepName  string    `json:"step_name"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
}

func (e *StepStartedEvent) EventType() string { return "step_started" }
func (e *StepStartedEvent) Subject() string {
	return fmt.Sprintf("run.%s.step.%s.started", e.RunID, e.StepName)
}

// StepOutputEvent streams one line of step output.
type StepOutputEvent struct {
	RunID     RunID  `json:"run_id"`
	StageName string `json:"stage_name"`
	StepName  string `json:"step_name"`
	Stream    string `json:"stream"` // stdout or stderr
	Line      string `json:"line"`
}

func (e *StepOutputEvent) EventType() string { return "step_output" }
func (e *StepOutputEvent) Subject() string {
	return fmt.Sprintf("run.%s.step.%s.output", e.RunID, e.StepName)
}

type StepCompletedEvent struct {
	RunID       RunID             `json:"run_id"`
	StageName   string            `json:"stage_name"`
	StepName    string            `json:"step_name"`
	Status      StepStatus        `json:"status"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

func (e *StepCompletedEvent) EventType() string { return "step_completed" }
func (e *StepCompletedEvent) Subject() string {
	return fmt.Sprintf("run.%s.step.%s.completed", e.RunID, e.StepName)
}

// Agent events.

type AgentRegisteredEvent struct {
	AgentID      AgentID      `json:"agent_id"`
	Name         string       `json:"name"`
	Labels       []string     `json:"labels,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	OS           string       `json:"os,omitempty"`
	Arch         string       `json:"arch,omitempty"`
}

func (e *AgentRegisteredEvent) EventType() string { return "agent_registered" }
func (e *AgentRegisteredEvent) Subject() string   { return "agent.registered" }

type AgentHeartbeatEvent struct {
	AgentID AgentID        `json:"agent_id"`
	Status  AgentStatus    `json:"status"`
	Metrics *SystemMetrics `json:"metrics,omitempty"`
	At      time.Time      `json:"at"`
}

func (e *AgentHeartbeatEvent) EventType() string { return "agent_heartbeat" }
func (e *AgentHeartbeatEvent) Subject() string {
	return fmt.Sprintf("agent.%s.heartbeat", e.AgentID)
}

type AgentDisconnectedEvent struct {
	AgentID AgentID `json:"agent_id"`
	Reason  string  `json:"reason,omitempty"`
}

func (e *AgentDisconnectedEvent) EventType() string { return "agent_disconnected" }
func (e *AgentDisconnectedEvent) Subject() string {
	return fmt.Sprintf("agent.%s.disconnected", e.AgentID)
}

// JobAssignedEvent instructs one agent to execute a stage. The stage
// definition travels with the assignment so agents stay stateless.
type JobAssignedEvent struct {
	AgentID      AgentID           `json:"agent_id"`
	JobID        JobID             `json:"job_id"`
	RunID        RunID             `json:"run_id"`
	PipelineID   PipelineID        `json:"pipeline_id"`
	PipelineName string            `json:"pipeline_name"`
	Stage        StageDefinition   `json:"stage"`
	StageIndex   int               `json:"stage_index"`
	JobIndex     int               `json:"job_index"`
	MatrixValues map[string]string `json:"matrix_values,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	TimeoutSecs  int               `json:"timeout_secs,omitempty"`
	Cache        *CacheSpec        `json:"cache,omitempty"`
	Artifacts    *ArtifactsSpec    `json:"artifacts,omitempty"`
}

func (e *JobAssignedEvent) EventType() string { return "job_assigned" }
func (e *JobAssignedEvent) Subject() string {
	return fmt.Sprintf("agent.%s.job", e.AgentID)
}

// JobCancelRequestedEvent asks an agent to stop work. An empty JobID cancels
// every job the agent holds for the run; a set JobID cancels only that job,
// which matters when several variants of one run share an agent.
type JobCancelRequestedEvent struct {
	AgentID AgentID `json:"agent_id"`
	RunID   RunID   `json:"run_id"`
	JobID   JobID   `json:"job_id,omitempty"`
}

func (e *JobCancelRequestedEvent) EventType() string { return "job_cancel_requested" }
func (e *JobCancelRequestedEvent) Subject() string {
	return fmt.Sprintf("agent.%s.cancel", e.AgentID)
}

// Matrix events.

type MatrixExpandedEvent struct {
	RunID     RunID    `json:"run_id"`
	StageName string   `json:"stage_name"`
	Count     int      `json:"count"`
	Variants  []string `json:"variants,omitempty"`
}

func (e *MatrixExpandedEvent) EventType() string { return "matrix_expanded" }
func (e *MatrixExpandedEvent) Subject() string {
	return fmt.Sprintf("matrix.expanded.%s", e.RunID)
}

// Approval events.

type ApprovalRequestedEvent struct {
	ApprovalID        ApprovalID `json:"approval_id"`
	RunID             RunID      `json:"run_id"`
	StageName         string     `json:"stage_name"`
	RequiredApprovers int        `json:"required_approvers"`
	ExpiresAt         time.Time  `json:"expires_at"`
}

func (e *ApprovalRequestedEvent) EventType() string { return "approval_requested" }
func (e *ApprovalRequestedEvent) Subject() string {
	return fmt.Sprintf("approval.requested.%s", e.ApprovalID)
}

type ApprovalGrantedEvent struct {
	ApprovalID       ApprovalID `json:"approval_id"`
	RunID            RunID      `json:"run_id"`
	StageName        string     `json:"stage_name"`
	ApprovedBy       string     `json:"approved_by"`
	CurrentApprovals int        `json:"current_approvals"`
	FullyApproved    bool       `json:"fully_approved"`
}

func (e *ApprovalGrantedEvent) EventType() string { return "approval_granted" }
func (e *ApprovalGrantedEvent) Subject() string {
	return fmt.Sprintf("approval.granted.%s", e.ApprovalID)
}

type ApprovalRejectedEvent struct {
	ApprovalID ApprovalID `json:"approval_id"`
	RunID      RunID      `json:"run_id"`
	StageName  string     `json:"stage_name"`
	RejectedBy string     `json:"rejected_by"`
}

func (e *ApprovalRejectedEvent) EventType() string { return "approval_rejected" }
func (e *ApprovalRejectedEvent) Subject() string {
	return fmt.Sprintf("approval.rejected.%s", e.ApprovalID)
}

type ApprovalExpiredEvent struct {
	ApprovalID ApprovalID `json:"approval_id"`
	RunID      RunID      `json:"run_id"`
	StageName  string     `json:"stage_name"`
}

func (e *ApprovalExpiredEvent) EventType() string { return "approval_expired" }
func (e *ApprovalExpiredEvent) Subject() string {
	return fmt.Sprintf("approval.expired.%s", e.ApprovalID)
}

// Cache events. Misses and upload failures are informational; stages proceed.

type CacheHitEvent struct {
	RunID RunID  `json:"run_id"`
	Key   string `json:"key"`
}

func (e *CacheHitEvent) EventType() string { return "cache_hit" }
func (e *CacheHitEvent) Subject() string {
	return fmt.Sprintf("cache.hit.%s", e.RunID)
}

type CacheMissEvent struct {
	RunID RunID  `json:"run_id"`
	Key   string `json:"key"`
}

func (e *CacheMissEvent) EventType() string { return "cache_miss" }
func (e *CacheMissEvent) Subject() string {
	return fmt.Sprintf("cache.miss.%s", e.RunID)
}

type CacheUploadedEvent struct {
	RunID     RunID  `json:"run_id"`
	Key       string `json:"key"`
	SizeBytes int64  `json:"size_bytes"`
}

func (e *CacheUploadedEvent) EventType() string { return "cache_uploaded" }
func (e *CacheUploadedEvent) Subject() string {
	return fmt.Sprintf("cache.uploaded.%s", e.RunID)
}

type CacheEvictedEvent struct {
	CacheID CacheID `json:"cache_id"`
	Key     string  `json:"key"`
}

func (e *CacheEvictedEvent) EventType() string { return "cache_evicted" }
func (e *CacheEvictedEvent) Subject() string {
	return fmt.Sprintf("cache.evicted.%s", e.CacheID)
}

// SecretAccessedEvent records a secret resolution for audit.
type SecretAccessedEvent struct {
	RunID    RunID  `json:"run_id"`
	StepName string `json:"step_name,omitempty"`
	Key      string `json:"key"`
}

func (e *SecretAccessedEvent) EventType() string { return "secret_accessed" }
func (e *SecretAccessedEvent) Subject() string {
	return fmt.Sprintf("secret.accessed.%s", e.RunID)
}

// eventRegistry maps type discriminators to payload factories.
var eventRegistry = map[string]func() Event{}

func registerEvent(factory func() Event) {
	eventRegistry[factory().EventType()] = factory
}

func init() {
	registerEvent(func() Event { return &RunQueuedEvent{} })
	registerEvent(func() Event { return &RunStartedEvent{} })
	registerEvent(func() Event { return &RunCompletedEvent{} })
	registerEvent(func() Event { return &RunCancelledEvent{} })
	registerEvent(func() Event { return &RunCancelRequestedEvent{} })
	registerEvent(func() Event { return &StageStartedEvent{} })
	registerEvent(func() Event { return &StageCompletedEvent{} })
	registerEvent(func() Event { return &StepStartedEvent{} })
	registerEvent(func() Event { return &StepOutputEvent{} })
	registerEvent(func() Event { return &StepCompletedEvent{} })
	registerEvent(func() Event { return &AgentRegisteredEvent{} })
	registerEvent(func() Event { return &AgentHeartbeatEvent{} })
	registerEvent(func() Event { return &AgentDisconnectedEvent{} })
	registerEvent(func() Event { return &JobAssignedEvent{} })
	registerEvent(func() Event { return &JobCancelRequestedEvent{} })
	registerEvent(func() Event { return &MatrixExpandedEvent{} })
	registerEvent(func() Event { return &ApprovalRequestedEvent{} })
	registerEvent(func() Event { return &ApprovalGrantedEvent{} })
	registerEvent(func() Event { return &ApprovalRejectedEvent{} })
	registerEvent(func() Event { return &ApprovalExpiredEvent{} })
	registerEvent(func() Event { return &CacheHitEvent{} })
	registerEvent(func() Event { return &CacheMissEvent{} })
	registerEvent(func() Event { return &CacheUploadedEvent{} })
	registerEvent(func() Event { return &CacheEvictedEvent{} })
	registerEvent(func() Event { return &SecretAccessedEvent{} })
}

// MarshalEvent encodes an event with its type discriminator.
func MarshalEvent(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}
	fields["type"], _ = json.Marshal(e.EventType())
	return json.Marshal(fields)
}

// UnmarshalEvent decodes an event from its wire form using the type
// discriminator.
func UnmarshalEvent(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	factory, ok := eventRegistry[head.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
	e := factory()
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return e, nil
}
