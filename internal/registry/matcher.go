// Package registry implements agent selection and liveness over the agent
// repository.
package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// Requirements narrows which agents may take a job.
type Requirements struct {
	Labels       []string
	Capabilities []core.Capability
	// Name pins the job to one specific agent.
	Name string
}

// Matcher picks the best available agent for a job.
type Matcher struct {
	agents core.AgentRepository
}

// NewMatcher creates a matcher over the given repository.
func NewMatcher(agents core.AgentRepository) *Matcher {
	return &Matcher{agents: agents}
}

// FindBest returns the best idle agent satisfying the requirements, or
// ErrNoAvailableAgent. Preference order: explicit name, then label
// specificity, then earliest registration.
func (m *Matcher) FindBest(ctx context.Context, req Requirements) (*core.Agent, error) {
	candidates, err := m.agents.ListAvailable(ctx, req.Labels)
	if err != nil {
		return nil, fmt.Errorf("list available agents: %w", err)
	}

	matched := candidates[:0]
	for _, agent := range candidates {
		if agent.Status != core.AgentIdle {
			continue
		}
		if req.Name != "" && agent.Name != req.Name {
			continue
		}
		if !agent.HasLabels(req.Labels) || !agent.HasCapabilities(req.Capabilities) {
			continue
		}
		matched = append(matched, agent)
	}
	if len(matched) == 0 {
		return nil, core.ErrNoAvailableAgent
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if req.Name != "" {
			an, bn := a.Name == req.Name, b.Name == req.Name
			if an != bn {
				return an
			}
		}
		am, bm := a.MatchingLabelCount(req.Labels), b.MatchingLabelCount(req.Labels)
		if am != bm {
			return am > bm
		}
		return a.RegisteredAt.Before(b.RegisteredAt)
	})

	return matched[0], nil
}
