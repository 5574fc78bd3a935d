package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyrite-env/pyrite/pkg/daemon"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and performance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(client *daemon.Client) error {
				result, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(result)
				}

				fmt.Printf("Daemon %s, up %s\n", result.Version, result.Uptime.Round(time.Second))
				fmt.Printf("Environments: %d\n", result.Environments)
				if len(result.ActiveSyncs) > 0 {
					fmt.Printf("Syncing: %s\n", strings.Join(result.ActiveSyncs, ", "))
				}
				fmt.Printf("Syncs run: %d\n", result.Performance.SyncCount)
				fmt.Printf("Avg sync time: %s\n", result.Performance.AvgSyncTime)
				fmt.Printf("Avg install time: %s\n", result.Performance.AvgInstallTime)
				fmt.Printf("Resolution cache hit rate: %.1f%%\n", result.Performance.CacheHitRate*100)
				return nil
			})
		},
	}

	return cmd
}
