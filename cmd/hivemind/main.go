// Package main provides the CLI entry point for hivemind.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackms/hivemind-go/cmd/hivemind/commands"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hivemind",
	Short: "Hive Mind - queen-led agent swarm coordination",
	Long: `Hive Mind coordinates a swarm of agents under a Queen that analyzes
tasks, scores agents, and assigns work, with optional consensus voting.

State is kept in SQLite (falling back to memory when the database cannot
be opened). Events can be mirrored to NATS.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	commands.RegisterGlobalFlags(rootCmd)

	// Swarm lifecycle
	rootCmd.AddCommand(commands.InitCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.DestroyCmd)

	// Agents and tasks
	rootCmd.AddCommand(commands.SpawnCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.RetryCmd)
	rootCmd.AddCommand(commands.RebalanceCmd)

	rootCmd.AddCommand(commands.StatusCmd)
}
