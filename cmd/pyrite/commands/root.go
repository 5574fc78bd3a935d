package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyrite-env/pyrite/pkg/config"
	"github.com/pyrite-env/pyrite/pkg/daemon"
)

var (
	// Global flags
	configPath  string
	jsonOutput  bool
	dialTimeout time.Duration
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pyrite",
		Short: "Pyrite - Python environment manager",
		Long: `Pyrite manages Python virtual environments through a long-lived daemon.

Features:
  - Deterministic dependency resolution with backtracking
  - Transactional environment changes with automatic rollback
  - Conflict-aware synchronization with merge strategies
  - Environment snapshots for save and restore
  - Detection of changes made outside the daemon`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&dialTimeout, "dial-timeout", 5*time.Second, "daemon connection timeout")

	// Add subcommands
	rootCmd.AddCommand(newDaemonCommand(version))
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newSaveCommand())
	rootCmd.AddCommand(newLoadCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}

// loadConfig loads the effective configuration for the current command.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// withClient connects to the daemon and runs fn over the connection.
func withClient(fn func(*daemon.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := daemon.Dial(cfg.Daemon.SocketPath, dialTimeout)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer client.Close()

	return fn(client)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
