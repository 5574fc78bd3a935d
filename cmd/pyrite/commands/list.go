package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pyrite-env/pyrite/pkg/daemon"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List all environments",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(client *daemon.Client) error {
				result, err := client.List(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(result)
				}
				if len(result.Environments) == 0 {
					fmt.Println("No environments")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTATUS\tPYTHON\tPACKAGES\tREVISION\tUPDATED")
				for _, env := range result.Environments {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
						env.Name, env.Status, env.Interpreter, env.Packages,
						env.Revision, env.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
				}
				return w.Flush()
			})
		},
	}

	return cmd
}
