package core

import (
	"fmt"
	"time"
)

// Capability is an execution substrate an agent can provide.
type Capability string

const (
	CapabilityDocker      Capability = "docker"
	CapabilityPodman      Capability = "podman"
	CapabilityFirecracker Capability = "firecracker"
	CapabilityNix         Capability = "nix"
)

// RequiredCapabilities derives the capabilities a stage environment needs.
// Host stages run directly on the agent and need none.
func RequiredCapabilities(env EnvironmentType) []Capability {
	switch env {
	case EnvFirecracker:
		return []Capability{CapabilityFirecracker}
	case EnvNix:
		return []Capability{CapabilityNix}
	case EnvHost:
		return nil
	default:
		return []Capability{CapabilityDocker}
	}
}

// SystemMetrics is a point-in-time resource snapshot reported with agent
// heartbeats.
type SystemMetrics struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryUsedBytes uint64  `json:"memory_used_bytes"`
	DiskPercent     float64 `json:"disk_percent"`
	LoadAverage1    float64 `json:"load_average_1"`
}

// Agent is a registered build agent.
type Agent struct {
	ID                AgentID        `json:"id"`
	Name              string         `json:"name"`
	Labels            []string       `json:"labels,omitempty"`
	Capabilities      []Capability   `json:"capabilities,omitempty"`
	OS                string         `json:"os,omitempty"`
	Arch              string         `json:"arch,omitempty"`
	Status            AgentStatus    `json:"status"`
	MaxConcurrentJobs int            `json:"max_concurrent_jobs"`
	CurrentRunID      RunID          `json:"current_run_id,omitempty"`
	SystemMetrics     *SystemMetrics `json:"system_metrics,omitempty"`
	RegisteredAt      time.Time      `json:"registered_at"`
	LastHeartbeatAt   *time.Time     `json:"last_heartbeat_at,omitempty"`
}

// HasLabels reports whether the agent carries every required label.
func (a *Agent) HasLabels(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HasCapabilities reports whether the agent provides every required capability.
func (a *Agent) HasCapabilities(required []Capability) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MatchingLabelCount counts how many of the agent's labels appear in the
// required set; the matcher uses it for label specificity ordering.
func (a *Agent) MatchingLabelCount(required []string) int {
	n := 0
	for _, want := range required {
		for _, have := range a.Labels {
			if have == want {
				n++
				break
			}
		}
	}
	return n
}

// Assign marks the agent busy with the given run. Only idle agents accept
// work.
func (a *Agent) Assign(runID RunID) error {
	if a.Status != AgentIdle {
		return fmt.Errorf("agent %s is %s, not idle", a.ID, a.Status)
	}
	a.Status = AgentBusy
	a.CurrentRunID = runID
	return nil
}

// Release returns a busy agent to idle. Draining and offline agents keep
// their status.
func (a *Agent) Release() {
	if a.Status == AgentBusy {
		a.Status = AgentIdle
	}
	a.CurrentRunID = ""
}

// Stale reports whether the agent's last heartbeat is older than the
// threshold.
func (a *Agent) Stale(threshold time.Duration, now time.Time) bool {
	if a.Status == AgentOffline {
		return false
	}
	last := a.RegisteredAt
	if a.LastHeartbeatAt != nil {
		last = *a.LastHeartbeatAt
	}
	return now.Sub(last) > threshold
}
