package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackms/hivemind-go/pkg/hivemind"
)

// ============================================================================
// spawn
// ============================================================================

var (
	spawnType  string
	spawnName  string
	spawnCaps  []string
	spawnCount int
)

// SpawnCmd adds agents to the active swarm.
var SpawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn agents in the active swarm",
	Long: `Spawn one or more agents. Agents live as long as the process does; use
'hivemind run --agents' to keep them working.

Agent types: coordinator, researcher, coder, analyst, architect, tester,
reviewer, optimizer, documenter, monitor, specialist`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSwarm(cmd.Context(), func(o *hivemind.Orchestrator) error {
			var spawned []*hivemind.Agent
			for i := 0; i < spawnCount; i++ {
				name := spawnName
				if name != "" && spawnCount > 1 {
					name = fmt.Sprintf("%s-%d", spawnName, i+1)
				}
				a, err := o.SpawnAgent(cmd.Context(), hivemind.SpawnOptions{
					Type:         hivemind.AgentType(spawnType),
					Name:         name,
					Capabilities: spawnCaps,
					AutoAssign:   true,
				})
				if err != nil {
					return fmt.Errorf("failed to spawn agent %d: %w", i+1, err)
				}
				spawned = append(spawned, a)
			}
			if OutputJSON {
				return printJSON(spawned)
			}
			for i, a := range spawned {
				fmt.Printf("  [%d] Agent %s spawned (type: %s, capabilities: %s)\n",
					i+1, a.ID, a.Type, strings.Join(a.Capabilities, ", "))
			}
			return nil
		})
	},
}

// ============================================================================
// submit
// ============================================================================

var (
	submitPriority  string
	submitStrategy  string
	submitDeps      []string
	submitConsensus bool
	submitMaxAgents int
	submitCaps      []string
	submitAgents    string
	submitWait      bool
	submitTimeout   time.Duration
)

// SubmitCmd hands a task to the Queen.
var SubmitCmd = &cobra.Command{
	Use:   "submit [description]",
	Short: "Submit a task to the active swarm",
	Args:  cobra.ExactArgs(1),
	Example: `  # Queue a task for a running swarm
  hivemind submit "document the public API" --priority high

  # Spawn agents for this run and wait for the result
  hivemind submit "implement the login endpoint" --agents coder,tester --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := parseAgentSpec(submitAgents)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		return withSwarm(ctx, func(o *hivemind.Orchestrator) error {
			for _, spec := range specs {
				for i := 0; i < spec.count; i++ {
					if _, err := o.SpawnAgent(ctx, hivemind.SpawnOptions{Type: spec.agentType}); err != nil {
						return err
					}
				}
			}

			res, err := o.SubmitTask(ctx, hivemind.TaskRequest{
				Description:          args[0],
				Priority:             hivemind.TaskPriority(submitPriority),
				Strategy:             submitStrategy,
				Dependencies:         submitDeps,
				RequireConsensus:     submitConsensus,
				MaxAgents:            submitMaxAgents,
				RequiredCapabilities: submitCaps,
			})
			if err != nil {
				return err
			}
			t := res.Task
			if submitWait {
				if t, err = waitForTask(ctx, o, t.ID, submitTimeout); err != nil {
					return err
				}
			}

			if OutputJSON {
				return printJSON(&hivemind.SubmitResult{Task: t, Decision: res.Decision})
			}
			d := res.Decision
			fmt.Printf("Task submitted: %s\n", t.ID)
			fmt.Printf("  Priority:   %s\n", t.Priority)
			fmt.Printf("  Strategy:   %s\n", d.Strategy)
			fmt.Printf("  Complexity: %s (%.2f)\n", d.Analysis.Complexity, d.Analysis.ComplexityScore)
			fmt.Printf("  Decision:   %s\n", d.Status)
			if d.Reason != "" {
				fmt.Printf("  Reason:     %s\n", d.Reason)
			}
			if len(d.Selected) > 0 {
				fmt.Printf("  Agents:     %s\n", strings.Join(d.Selected, ", "))
			}
			fmt.Printf("  Status:     %s\n", t.Status)
			if t.Error != "" {
				fmt.Printf("  Error:      %s\n", t.Error)
			}
			return nil
		})
	},
}

// waitForTask polls until the task finishes or timeout elapses.
func waitForTask(ctx context.Context, o *hivemind.Orchestrator, taskID string, timeout time.Duration) (*hivemind.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		t, err := o.Task(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, fmt.Errorf("task %s still %s after %s", taskID, t.Status, timeout)
		case <-ticker.C:
		}
	}
}

// ============================================================================
// cancel / retry / rebalance
// ============================================================================

// CancelCmd cancels an unfinished task.
var CancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSwarm(cmd.Context(), func(o *hivemind.Orchestrator) error {
			t, err := o.CancelTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if OutputJSON {
				return printJSON(t)
			}
			fmt.Printf("Task %s cancelled\n", t.ID)
			return nil
		})
	},
}

// RetryCmd resubmits a failed or cancelled task.
var RetryCmd = &cobra.Command{
	Use:   "retry [task-id]",
	Short: "Retry a failed or cancelled task as a new task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSwarm(cmd.Context(), func(o *hivemind.Orchestrator) error {
			res, err := o.RetryTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if OutputJSON {
				return printJSON(res)
			}
			fmt.Printf("Task %s retried as %s (decision: %s)\n", args[0], res.Task.ID, res.Decision.Status)
			return nil
		})
	},
}

// RebalanceCmd recovers failing agents and schedules pending work.
var RebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Recover failing agents and schedule pending tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSwarm(cmd.Context(), func(o *hivemind.Orchestrator) error {
			n, err := o.Rebalance(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%d task(s) assigned\n", n)
			return nil
		})
	},
}

func init() {
	SpawnCmd.Flags().StringVarP(&spawnType, "type", "t", "coder", "Agent type")
	SpawnCmd.Flags().StringVarP(&spawnName, "name", "n", "", "Agent name")
	SpawnCmd.Flags().StringSliceVarP(&spawnCaps, "capabilities", "c", nil, "Agent capabilities (default: the type's catalog)")
	SpawnCmd.Flags().IntVar(&spawnCount, "count", 1, "Number of agents to spawn")

	SubmitCmd.Flags().StringVarP(&submitPriority, "priority", "p", "medium", "Priority (low, medium, high, critical)")
	SubmitCmd.Flags().StringVarP(&submitStrategy, "strategy", "s", "", "Execution strategy (default: chosen by the Queen)")
	SubmitCmd.Flags().StringSliceVar(&submitDeps, "depends-on", nil, "Task IDs that must complete first")
	SubmitCmd.Flags().BoolVar(&submitConsensus, "consensus", false, "Require consensus before assignment")
	SubmitCmd.Flags().IntVar(&submitMaxAgents, "max-agents", 0, "Maximum agents for the task")
	SubmitCmd.Flags().StringSliceVarP(&submitCaps, "capabilities", "c", nil, "Required capabilities")
	SubmitCmd.Flags().StringVarP(&submitAgents, "agents", "a", "", "Agents to spawn first, e.g. coder=2,tester")
	SubmitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait for the task to finish")
	SubmitCmd.Flags().DurationVar(&submitTimeout, "timeout", 5*time.Minute, "How long --wait waits")
}
