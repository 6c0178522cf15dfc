package commands

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackms/hivemind-go/internal/infrastructure/topology"
	"github.com/blackms/hivemind-go/pkg/hivemind"
)

// ============================================================================
// init
// ============================================================================

var (
	initName      string
	initTopology  string
	initQueenMode string
	initMaxAgents int
	initThreshold float64
	initMemoryTTL time.Duration
)

// InitCmd creates a swarm and makes it the active one.
var InitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a swarm and make it active",
	Long: `Create a new swarm and mark it as the active one. Unset flags take the
values from the config file.

Topologies: hierarchical, mesh, ring, star, hybrid, specs-driven`,
	Example: `  hivemind init --name api --topology mesh --max-agents 6`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer o.Shutdown(context.Background())

		s, err := o.Initialize(ctx, hivemind.InitOptions{
			Name:               initName,
			Topology:           hivemind.SwarmTopology(initTopology),
			QueenMode:          hivemind.QueenMode(initQueenMode),
			MaxAgents:          initMaxAgents,
			ConsensusThreshold: initThreshold,
			MemoryTTL:          initMemoryTTL,
		})
		if err != nil {
			return err
		}
		if OutputJSON {
			return printJSON(s)
		}
		fmt.Printf("Swarm initialized: %s\n", s.ID)
		fmt.Printf("  Name:       %s\n", s.Name)
		fmt.Printf("  Topology:   %s\n", s.Topology)
		fmt.Printf("  Queen mode: %s\n", s.QueenMode)
		fmt.Printf("  Max agents: %d\n", s.MaxAgents)
		fmt.Printf("  Consensus:  %.0f%%\n", s.ConsensusThreshold*100)
		return nil
	},
}

// ============================================================================
// destroy
// ============================================================================

var destroySwarmID string

// DestroyCmd deletes a swarm and everything it owns.
var DestroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete a swarm with its agents, tasks and messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		o, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer o.Shutdown(context.Background())

		id := destroySwarmID
		if id == "" {
			s, err := o.Store().GetActiveSwarm(ctx)
			if err != nil {
				return err
			}
			id = s.ID
		}
		if err := o.Destroy(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Swarm %s destroyed\n", id)
		return nil
	},
}

// ============================================================================
// run
// ============================================================================

var (
	runSwarmID  string
	runAgents   string
	runDefaults bool
)

// RunCmd keeps a swarm running until interrupted.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the active swarm until interrupted",
	Long: `Load a swarm, optionally spawn agents, and keep the Queen scheduling
pending work until SIGINT or SIGTERM. Events are printed as they happen.`,
	Example: `  hivemind run --agents coder=2,tester,reviewer`,
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := parseAgentSpec(runAgents)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		o, err := openOrchestrator(ctx)
		if err != nil {
			return err
		}
		defer o.Shutdown(context.Background())

		s, err := o.Load(ctx, runSwarmID)
		if err != nil {
			return err
		}
		sub := o.Events().Subscribe()
		defer o.Events().Unsubscribe(sub)

		if runDefaults {
			for _, t := range topology.DefaultComposition(s.Topology, s.MaxAgents-len(o.Workers())) {
				specs = append(specs, agentSpec{agentType: t, count: 1})
			}
		}
		for _, spec := range specs {
			for i := 0; i < spec.count; i++ {
				if _, err := o.SpawnAgent(ctx, hivemind.SpawnOptions{Type: spec.agentType, AutoAssign: true}); err != nil {
					return err
				}
			}
		}
		fmt.Printf("Swarm %s running with %d agent(s). Press Ctrl+C to stop.\n", s.ID, len(o.Workers()))

		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down...")
				return nil
			case ev, ok := <-sub.C:
				if !ok {
					return nil
				}
				if OutputJSON {
					printJSON(ev)
					continue
				}
				fmt.Printf("%s  %-22s %v\n", time.UnixMilli(ev.Timestamp).Format(time.TimeOnly), ev.Type, ev.Payload)
			}
		}
	},
}

type agentSpec struct {
	agentType hivemind.AgentType
	count     int
}

// parseAgentSpec parses "coder=2,tester" into typed counts.
func parseAgentSpec(s string) ([]agentSpec, error) {
	var out []agentSpec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, countStr, hasCount := strings.Cut(part, "=")
		spec := agentSpec{agentType: hivemind.AgentType(strings.TrimSpace(name)), count: 1}
		if !spec.agentType.Valid() {
			return nil, fmt.Errorf("unknown agent type %q", name)
		}
		if hasCount {
			n, err := strconv.Atoi(strings.TrimSpace(countStr))
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid count for %s: %q", name, countStr)
			}
			spec.count = n
		}
		out = append(out, spec)
	}
	return out, nil
}

func init() {
	InitCmd.Flags().StringVarP(&initName, "name", "n", "", "Swarm name")
	InitCmd.Flags().StringVarP(&initTopology, "topology", "t", "", "Swarm topology")
	InitCmd.Flags().StringVar(&initQueenMode, "queen-mode", "", "Queen mode (strategic, tactical, adaptive)")
	InitCmd.Flags().IntVarP(&initMaxAgents, "max-agents", "m", 0, "Maximum number of agents")
	InitCmd.Flags().Float64Var(&initThreshold, "consensus", 0, "Consensus threshold in [0,1]")
	InitCmd.Flags().DurationVar(&initMemoryTTL, "memory-ttl", 0, "Memory time-to-live")

	DestroyCmd.Flags().StringVar(&destroySwarmID, "swarm", "", "Swarm ID (default: the active swarm)")

	RunCmd.Flags().StringVar(&runSwarmID, "swarm", "", "Swarm ID (default: the active swarm)")
	RunCmd.Flags().StringVarP(&runAgents, "agents", "a", "", "Agents to spawn, e.g. coder=2,tester")
	RunCmd.Flags().BoolVar(&runDefaults, "default-agents", false, "Spawn the topology's default agent composition")
}
