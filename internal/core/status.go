package core

import (
	"encoding/json"
	"fmt"
)

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus int

const (
	RunQueuedStatus RunStatus = iota
	RunRunning
	RunSuccess
	RunFailure
	RunCancelledStatus
	RunTimeout
	RunSkipped
)

func (s RunStatus) String() string {
	switch s {
	case RunQueuedStatus:
		return "queued"
	case RunRunning:
		return "running"
	case RunSuccess:
		return "success"
	case RunFailure:
		return "failure"
	case RunCancelledStatus:
		return "cancelled"
	case RunTimeout:
		return "timeout"
	case RunSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status is final. Terminal statuses are
// immutable.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunFailure, RunCancelledStatus, RunTimeout, RunSkipped:
		return true
	default:
		return false
	}
}

// IsActive reports whether the run is queued or in progress.
func (s RunStatus) IsActive() bool {
	return s == RunQueuedStatus || s == RunRunning
}

// StageStatus is the lifecycle status of a stage within a run.
type StageStatus int

const (
	StagePending StageStatus = iota
	StageWaiting
	StageRunning
	StageSuccess
	StageFailure
	StageCancelled
	StageSkipped
)

func (s StageStatus) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageWaiting:
		return "waiting"
	case StageRunning:
		return "running"
	case StageSuccess:
		return "success"
	case StageFailure:
		return "failure"
	case StageCancelled:
		return "cancelled"
	case StageSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageSuccess, StageFailure, StageCancelled, StageSkipped:
		return true
	default:
		return false
	}
}

// CountsAsSuccess reports whether the status unblocks successor stages.
// Skipped stages count as success for readiness.
func (s StageStatus) CountsAsSuccess() bool {
	return s == StageSuccess || s == StageSkipped
}

// StepStatus is the lifecycle status of a step within a stage.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepSuccess
	StepFailure
	StepCancelled
	StepSkipped
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepSuccess:
		return "success"
	case StepFailure:
		return "failure"
	case StepCancelled:
		return "cancelled"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSuccess, StepFailure, StepCancelled, StepSkipped:
		return true
	default:
		return false
	}
}

// AgentStatus is the availability status of a build agent.
type AgentStatus int

const (
	AgentOffline AgentStatus = iota
	AgentIdle
	AgentBusy
	AgentDraining
)

func (s AgentStatus) String() string {
	switch s {
	case AgentOffline:
		return "offline"
	case AgentIdle:
		return "idle"
	case AgentBusy:
		return "busy"
	case AgentDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// ApprovalStatus is the status of an approval gate.
type ApprovalStatus int

const (
	ApprovalPending ApprovalStatus = iota
	ApprovalApproved
	ApprovalRejectedStatus
	ApprovalExpiredStatus
	ApprovalBypassed
)

func (s ApprovalStatus) String() string {
	switch s {
	case ApprovalPending:
		return "pending"
	case ApprovalApproved:
		return "approved"
	case ApprovalRejectedStatus:
		return "rejected"
	case ApprovalExpiredStatus:
		return "expired"
	case ApprovalBypassed:
		return "bypassed"
	default:
		return "unknown"
	}
}

func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalPending
}

// Priority orders jobs in the scheduling queue.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// JSON round-trips use the snake_case string form shared with the event
// encoding and the persisted records.

func marshalStatus(s fmt.Stringer) ([]byte, error) {
	return json.Marshal(s.String())
}

func (s RunStatus) MarshalJSON() ([]byte, error)      { return marshalStatus(s) }
func (s StageStatus) MarshalJSON() ([]byte, error)    { return marshalStatus(s) }
func (s StepStatus) MarshalJSON() ([]byte, error)     { return marshalStatus(s) }
func (s AgentStatus) MarshalJSON() ([]byte, error)    { return marshalStatus(s) }
func (s ApprovalStatus) MarshalJSON() ([]byte, error) { return marshalStatus(s) }

func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	for st := RunQueuedStatus; st <= RunSkipped; st++ {
		if st.String() == v {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown run status %q", v)
}

func (s *StageStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	for st := StagePending; st <= StageSkipped; st++ {
		if st.String() == v {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stage status %q", v)
}

func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	for st := StepPending; st <= StepSkipped; st++ {
		if st.String() == v {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown step status %q", v)
}

func (s *AgentStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	for st := AgentOffline; st <= AgentDraining; st++ {
		if st.String() == v {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown agent status %q", v)
}

func (s *ApprovalStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	for st := ApprovalPending; st <= ApprovalBypassed; st++ {
		if st.String() == v {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown approval status %q", v)
}
