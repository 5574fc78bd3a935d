package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pyrite-env/pyrite/pkg/daemon"
)

func newStartCommand() *cobra.Command {
	var interpreter string

	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Create and activate an environment",
		Args:  cobra.ExactArgs(1),
		Example: `  # Create an environment on the default interpreter
  pyrite start webapp

  # Create an environment on a specific interpreter
  pyrite start webapp --python 3.11.0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(client *daemon.Client) error {
				result, err := client.Start(cmd.Context(), daemon.StartParams{
					Name:        args[0],
					Interpreter: interpreter,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(result)
				}
				fmt.Printf("Environment %s started on python %s\n",
					result.Environment.Name, result.Environment.Interpreter)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&interpreter, "python", "3.12.0", "interpreter version for the environment")

	return cmd
}
