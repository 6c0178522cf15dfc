package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/blackms/hivemind-go/pkg/hivemind"
)

var (
	statusSummary bool
	statusTasks   bool
)

// StatusCmd prints the active swarm's state.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display swarm, agent, task and memory status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSwarm(cmd.Context(), func(o *hivemind.Orchestrator) error {
			if statusSummary {
				sum, err := o.Summary(cmd.Context())
				if err != nil {
					return err
				}
				if OutputJSON {
					return printJSON(sum)
				}
				fmt.Printf("%s (%s) %s: %d agents, %d busy, %.0f%% utilized; tasks %d pending, %d running, %d done, %d failed; memory %s\n",
					sum.Name, sum.SwarmID[:8], sum.Topology, sum.Agents, sum.BusyAgents, sum.Utilization*100,
					sum.Pending, sum.InProgress, sum.Completed, sum.Failed, sum.Health)
				return nil
			}

			st, err := o.Status(cmd.Context())
			if err != nil {
				return err
			}
			if OutputJSON {
				return printJSON(st)
			}
			printStatus(st)
			return nil
		})
	},
}

func printStatus(st *hivemind.Status) {
	fmt.Println("=== Swarm ===")
	fmt.Printf("ID:          %s\n", st.Swarm.ID)
	fmt.Printf("Name:        %s\n", st.Swarm.Name)
	fmt.Printf("Topology:    %s\n", st.Swarm.Topology)
	fmt.Printf("Queen mode:  %s\n", st.Swarm.QueenMode)
	fmt.Printf("Storage:     %s\n", st.Backend)
	if st.Fallback != "" {
		fmt.Printf("Fallback:    %s\n", st.Fallback)
	}
	if st.NATS != "" {
		fmt.Printf("NATS:        %s\n", st.NATS)
	}
	fmt.Printf("Utilization: %.0f%%\n", st.Stats.Utilization*100)

	fmt.Println("\n=== Queen ===")
	fmt.Printf("Analyzed:    %d tasks (avg decision %.1fms)\n", st.Queen.TasksAnalyzed, st.Queen.AvgDecisionTime)
	fmt.Printf("Decisions:   %d applied, %d deferred\n", st.Queen.DecisionsApplied, st.Queen.DecisionsDeferred)
	fmt.Printf("Consensus:   %d requested, %d rejected, %d pending\n",
		st.Queen.ConsensusRequested, st.Queen.ConsensusRejected, len(st.Pending))
	fmt.Printf("Reassigned:  %d\n", st.Queen.Reassignments)

	fmt.Println("\n=== Agents ===")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tTASK\tOK\tERR")
	for _, a := range st.Agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			a.ID, a.Type, a.Status, shortID(a.CurrentTaskID), a.SuccessCount, a.ErrorCount)
	}
	w.Flush()

	fmt.Println("\n=== Tasks ===")
	fmt.Printf("Pending: %d  Running: %d  Completed: %d  Failed: %d  Cancelled: %d\n",
		st.Stats.PendingTasks, st.Stats.InProgressTasks, st.Stats.CompletedTasks,
		st.Stats.FailedTasks, st.Stats.CancelledTasks)
	if statusTasks {
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPRIORITY\tSTATUS\tPROGRESS\tDESCRIPTION")
		for _, t := range st.Tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n", shortID(t.ID), t.Priority, t.Status, t.Progress, t.Description)
		}
		w.Flush()
	}

	fmt.Println("\n=== Memory ===")
	fmt.Printf("Health:      %s (%.0f)\n", st.Health.Status, st.Health.Score)
	fmt.Printf("Cache:       %d entries, %.0f%% hit rate\n", st.Memory.Cache.Entries, st.Memory.Cache.HitRate*100)
	fmt.Printf("Compression: %s, %d bytes saved\n", st.Memory.Codec, st.Memory.BytesSaved)
	for _, k := range st.HotKeys {
		fmt.Printf("  hot: %s/%s (score %d)\n", k.Namespace, k.Key, k.Score)
	}
	for _, a := range st.Alerts {
		fmt.Printf("  alert [%s] %s: %.2f (threshold %.2f)\n", a.Level, a.Metric, a.Value, a.Threshold)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}

func init() {
	StatusCmd.Flags().BoolVar(&statusSummary, "summary", false, "Print a one-line summary")
	StatusCmd.Flags().BoolVar(&statusTasks, "tasks", false, "List every task")
}
