package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect registered build agents",
	}
	cmd.AddCommand(agentsListCmd())
	cmd.AddCommand(agentsDrainCmd())
	return cmd
}

func agentsDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain <agent-name-or-id>",
		Short: "Stop assigning new work to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			agent, err := findAgent(ctx, rt, args[0])
			if err != nil {
				return err
			}
			if agent.Status == core.AgentOffline {
				return fmt.Errorf("agent %s is offline", agent.Name)
			}
			agent.Status = core.AgentDraining
			if err := rt.repos.Agents.Update(ctx, agent); err != nil {
				return err
			}
			fmt.Printf("Agent %s is draining\n", agent.Name)
			return nil
		},
	}
}

// findAgent resolves an agent by ID first, then by unique name.
func findAgent(ctx context.Context, rt *runtime, ref string) (*core.Agent, error) {
	if id, err := core.ParseAgentID(ref); err == nil {
		if agent, err := rt.repos.Agents.Get(ctx, id); err == nil {
			return agent, nil
		}
	}
	agents, err := rt.repos.Agents.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, agent := range agents {
		if agent.Name == ref {
			return agent, nil
		}
	}
	return nil, fmt.Errorf("no agent named %q", ref)
}

func agentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			agents, err := rt.repos.Agents.List(ctx)
			if err != nil {
				return err
			}

			t := newTable("NAME", "STATUS", "OS/ARCH", "LABELS", "CAPABILITIES", "HEARTBEAT")
			for _, a := range agents {
				caps := lo.Map(a.Capabilities, func(c core.Capability, _ int) string {
					return string(c)
				})
				t.AppendRow(table.Row{
					a.Name, agentStatusCell(a.Status),
					fmt.Sprintf("%s/%s", a.OS, a.Arch),
					strings.Join(a.Labels, ","), strings.Join(caps, ","),
					heartbeatAge(a.LastHeartbeatAt),
				})
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func agentStatusCell(status core.AgentStatus) string {
	switch status {
	case core.AgentIdle:
		return color.GreenString(status.String())
	case core.AgentBusy:
		return color.CyanString(status.String())
	case core.AgentOffline:
		return color.RedString(status.String())
	default:
		return status.String()
	}
}

func heartbeatAge(last *time.Time) string {
	if last == nil {
		return "never"
	}
	return fmt.Sprintf("%s ago", time.Since(*last).Round(time.Second))
}
