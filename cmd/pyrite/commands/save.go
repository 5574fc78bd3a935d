package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pyrite-env/pyrite/pkg/daemon"
)

func newSaveCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "save <name>",
		Short: "Export an environment snapshot to a file",
		Args:  cobra.ExactArgs(1),
		Example: `  # Save the current snapshot
  pyrite save webapp --out webapp.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(client *daemon.Client) error {
				result, err := client.Save(cmd.Context(), daemon.SaveParams{
					Name: args[0],
					Path: outFile,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(result)
				}
				fmt.Printf("Saved %d packages to %s\n", result.Packages, result.Path)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output snapshot file path")
	cmd.MarkFlagRequired("out")

	return cmd
}
