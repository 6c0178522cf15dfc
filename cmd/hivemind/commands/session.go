// Package commands provides the hivemind CLI commands.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackms/hivemind-go/internal/config"
	"github.com/blackms/hivemind-go/pkg/hivemind"
)

// Global flags shared by every command.
var (
	ConfigPath string
	StorePath  string
	LogLevel   string
	OutputJSON bool
)

// RegisterGlobalFlags binds the global flags to root.
func RegisterGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&ConfigPath, "config", "", "Config file (default config/hivemind.yaml)")
	root.PersistentFlags().StringVar(&StorePath, "db", "", "SQLite database path")
	root.PersistentFlags().StringVar(&LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&OutputJSON, "json", false, "Print results as JSON")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, err
	}
	if StorePath != "" {
		cfg.Store.Path = StorePath
	}
	if LogLevel != "" {
		cfg.Log.Level = LogLevel
	}
	return cfg, cfg.Validate()
}

// openOrchestrator builds an Orchestrator without starting a swarm.
func openOrchestrator(ctx context.Context) (*hivemind.Orchestrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	o, err := hivemind.New(ctx, hivemind.Options{Config: cfg})
	if err != nil {
		return nil, err
	}
	if fallback := o.FallbackError(); fallback != nil {
		fmt.Fprintf(os.Stderr, "warning: using in-memory storage, nothing will be saved (%v)\n", fallback)
	}
	return o, nil
}

// withSwarm loads the active swarm, runs fn and shuts down.
func withSwarm(ctx context.Context, fn func(o *hivemind.Orchestrator) error) error {
	o, err := openOrchestrator(ctx)
	if err != nil {
		return err
	}
	defer o.Shutdown(context.Background())

	if _, err := o.Load(ctx, ""); err != nil {
		return fmt.Errorf("no active swarm, run 'hivemind init' first: %w", err)
	}
	return fn(o)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
