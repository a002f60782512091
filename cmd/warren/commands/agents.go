package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/registry"
)

var (
	agentsType       string
	agentsOnlineOnly bool
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect the agent directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	Long: `List agents registered in the directory, with their type,
capabilities, and last heartbeat.

Examples:
  # All agents in the instance
  warren agents list --name prod

  # Only live workers
  warren agents list --name prod --type worker --online`,
	RunE: runAgentsList,
}

var agentsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show directory statistics",
	RunE:  runAgentsStats,
}

var agentsShowCmd = &cobra.Command{
	Use:   "show <agent-id>",
	Short: "Show one agent's full record",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsShow,
}

func init() {
	agentsListCmd.Flags().StringVarP(&agentsType, "type", "t", "", "Filter by agent type")
	agentsListCmd.Flags().BoolVar(&agentsOnlineOnly, "online", false, "Only agents with a live heartbeat")
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsStatsCmd)
	agentsCmd.AddCommand(agentsShowCmd)
	rootCmd.AddCommand(agentsCmd)
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rdb, instance, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reg, err := registry.New(rdb, instance, 0)
	if err != nil {
		return fmt.Errorf("failed to create registry client: %w", err)
	}

	agents := reg.ListAgents(ctx, agentsType, agentsOnlineOnly)
	if len(agents) == 0 {
		printer.Info("No agents found in instance '%s'\n", instance)
		return nil
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })

	printer.Printf("%-24s %-10s %-8s %-20s %s\n", "AGENT", "TYPE", "STATUS", "LAST HEARTBEAT", "CAPABILITIES")
	for _, a := range agents {
		printer.Printf("%-24s %-10s %-8s %-20s %s\n",
			a.AgentID, a.AgentType, a.Status, heartbeatAge(a), strings.Join(a.Capabilities, ","))
	}
	return nil
}

func heartbeatAge(a *registry.AgentInfo) string {
	if a.LastHeartbeat == nil {
		return "never"
	}
	return fmt.Sprintf("%s ago", time.Since(*a.LastHeartbeat).Round(time.Second))
}

func runAgentsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rdb, instance, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reg, err := registry.New(rdb, instance, 0)
	if err != nil {
		return fmt.Errorf("failed to create registry client: %w", err)
	}

	info, err := reg.GetAgent(ctx, args[0])
	if err != nil {
		return printer.Error(
			"agent not found",
			fmt.Sprintf("No agent '%s' is registered in instance '%s'.", args[0], instance),
			[]string{"List registered agents:\n  warren agents list"},
		)
	}

	printer.Printf("Agent:        %s\n", info.AgentID)
	printer.Printf("Type:         %s\n", info.AgentType)
	printer.Printf("Status:       %s\n", info.Status)
	printer.Printf("Capabilities: %s\n", strings.Join(info.Capabilities, ", "))
	printer.Printf("Registered:   %s\n", info.RegisteredAt.Format(time.RFC3339))
	printer.Printf("Heartbeat:    %s\n", heartbeatAge(info))
	if reg.IsOnline(ctx, info.AgentID) {
		printer.Success("Agent is online\n")
	} else {
		printer.Warning("Agent is offline\n")
	}
	if len(info.Metadata) > 0 {
		printer.Println("Metadata:")
		keys := make([]string, 0, len(info.Metadata))
		for k := range info.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printer.Printf("  %s: %s\n", k, info.Metadata[k])
		}
	}
	return nil
}

func runAgentsStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rdb, instance, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reg, err := registry.New(rdb, instance, 0)
	if err != nil {
		return fmt.Errorf("failed to create registry client: %w", err)
	}

	stats := reg.GetStats(ctx)
	printer.Printf("Instance:  %s\n", instance)
	printer.Printf("Agents:    %d total, %d online, %d offline\n",
		stats.TotalAgents, stats.OnlineAgents, stats.OfflineAgents)

	if len(stats.ByCapability) > 0 {
		printer.Println("Capabilities:")
		names := make([]string, 0, len(stats.ByCapability))
		for name := range stats.ByCapability {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			printer.Printf("  %-30s %d\n", name, stats.ByCapability[name])
		}
	}
	return nil
}
