package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pyrite-env/pyrite/pkg/daemon"
)

func newKillCommand() *cobra.Command {
	var removeFiles bool

	cmd := &cobra.Command{
		Use:   "kill <name>",
		Short: "Deactivate an environment",
		Long: `Deactivate an environment and remove it from the daemon.

By default only the daemon's record is removed and the on-disk virtual
environment is left in place. Use --rm to delete the files as well.`,
		Args: cobra.ExactArgs(1),
		Example: `  # Forget an environment, keep its files
  pyrite kill webapp

  # Forget an environment and delete its files
  pyrite kill webapp --rm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(client *daemon.Client) error {
				result, err := client.Kill(cmd.Context(), daemon.KillParams{
					Name:        args[0],
					RemoveFiles: removeFiles,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(result)
				}
				if result.Removed {
					fmt.Printf("Environment %s killed, files removed\n", args[0])
				} else {
					fmt.Printf("Environment %s killed\n", args[0])
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&removeFiles, "rm", false, "also delete the environment's files")

	return cmd
}
