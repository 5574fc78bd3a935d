package commands

import (
	"github.com/spf13/cobra"

	"github.com/pyrite-env/pyrite/pkg/daemon"
)

func newLoadCommand() *cobra.Command {
	var (
		inFile string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "load <name>",
		Short: "Restore an environment from a saved snapshot",
		Long: `Restore an environment to the exact package set recorded in a snapshot
file produced by 'pyrite save'.

A successful load also repairs an environment stuck in the degraded or
failed state.`,
		Args: cobra.ExactArgs(1),
		Example: `  # Restore a saved snapshot
  pyrite load webapp --from webapp.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(client *daemon.Client) error {
				result, err := client.Load(cmd.Context(), daemon.LoadParams{
					Name:               args[0],
					Path:               inFile,
					AllowErrorOverride: force,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(result)
				}
				printSyncResult(result)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&inFile, "from", "f", "", "snapshot file to restore")
	cmd.Flags().BoolVar(&force, "force", false, "proceed despite error-severity validation issues")
	cmd.MarkFlagRequired("from")

	return cmd
}
