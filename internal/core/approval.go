package core

import (
	"time"
)

// ApprovalGate is a runtime checkpoint requiring human approval before a
// protected stage proceeds.
type ApprovalGate struct {
	ID                  ApprovalID     `json:"id"`
	RunID               RunID          `json:"run_id"`
	StageName           string         `json:"stage_name"`
	RequiredApprovers   int            `json:"required_approvers"`
	CurrentApprovals    int            `json:"current_approvals"`
	Approvers           []string       `json:"approvers,omitempty"`
	AllowedApprovers    []string       `json:"allowed_approvers,omitempty"`
	PreventSelfApproval bool           `json:"prevent_self_approval"`
	TriggeredBy         string         `json:"triggered_by,omitempty"`
	TimeoutMinutes      int            `json:"timeout_minutes"`
	ExpiresAt           time.Time      `json:"expires_at"`
	Status              ApprovalStatus `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
}

// NewApprovalGate creates a pending gate from a stage's protection spec.
func NewApprovalGate(runID RunID, stageName, triggeredBy string, spec *ProtectionSpec) *ApprovalGate {
	now := time.Now().UTC()
	timeout := spec.TimeoutMinutes
	if timeout <= 0 {
		timeout = DefaultPipelineTimeoutMinutes
	}
	return &ApprovalGate{
		ID:                  NewApprovalID(),
		RunID:               runID,
		StageName:           stageName,
		RequiredApprovers:   spec.RequiredApprovers,
		AllowedApprovers:    append([]string(nil), spec.AllowedApprovers...),
		PreventSelfApproval: spec.PreventSelfApproval,
		TriggeredBy:         triggeredBy,
		TimeoutMinutes:      timeout,
		ExpiresAt:           now.Add(time.Duration(timeout) * time.Minute),
		Status:              ApprovalPending,
		CreatedAt:           now,
	}
}

// FullyApproved reports whether enough approvals have been collected.
func (g *ApprovalGate) FullyApproved() bool {
	return g.CurrentApprovals >= g.RequiredApprovers
}

// CanApprove reports whether the user may approve the gate: the user is in
// the allowed set (or the set is empty), did not trigger the run when self
// approval is prevented, and has not already approved.
func (g *ApprovalGate) CanApprove(user string) bool {
	if len(g.AllowedApprovers) > 0 {
		allowed := false
		for _, a := range g.AllowedApprovers {
			if a == user {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if g.PreventSelfApproval && user == g.TriggeredBy {
		return false
	}
	for _, a := range g.Approvers {
		if a == user {
			return false
		}
	}
	return true
}

// Approve records one approval. Calls on a resolved gate or from an
// ineligible user leave the gate unchanged.
func (g *ApprovalGate) Approve(user string, at time.Time) bool {
	if g.Status.IsTerminal() || !g.CanApprove(user) {
		return false
	}
	g.Approvers = append(g.Approvers, user)
	g.CurrentApprovals++
	if g.FullyApproved() {
		g.resolve(ApprovalApproved, at)
	}
	return true
}

// Reject resolves the gate as rejected. Resolved gates are unchanged.
func (g *ApprovalGate) Reject(user string, at time.Time) bool {
	if g.Status.IsTerminal() {
		return false
	}
	if len(g.AllowedApprovers) > 0 {
		allowed := false
		for _, a := range g.AllowedApprovers {
			if a == user {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	g.resolve(ApprovalRejectedStatus, at)
	return true
}

// Expire resolves a pending gate as expired once its deadline has passed.
func (g *ApprovalGate) Expire(now time.Time) bool {
	if g.Status.IsTerminal() || now.Before(g.ExpiresAt) {
		return false
	}
	g.resolve(ApprovalExpiredStatus, now)
	return true
}

// Bypass resolves the gate without approvals, for operator override.
func (g *ApprovalGate) Bypass(at time.Time) bool {
	if g.Status.IsTerminal() {
		return false
	}
	g.resolve(ApprovalBypassed, at)
	return true
}

func (g *ApprovalGate) resolve(status ApprovalStatus, at time.Time) {
	g.Status = status
	t := at.UTC()
	g.ResolvedAt = &t
}
