package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pyrite-env/pyrite/pkg/daemon"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <name>",
		Short: "Check an environment against its recorded snapshot",
		Long: `Compare the packages actually installed in an environment against the
daemon's recorded snapshot and report any drift.`,
		Args: cobra.ExactArgs(1),
		Example: `  pyrite check webapp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(client *daemon.Client) error {
				result, err := client.Check(cmd.Context(), daemon.CheckParams{Name: args[0]})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(result)
				}
				if result.InSync {
					fmt.Printf("Environment %s is in sync (%s)\n", result.Name, result.Status)
					return nil
				}
				fmt.Printf("Environment %s has drifted (%s):\n", result.Name, result.Status)
				for _, finding := range result.Drift {
					fmt.Printf("  %s\n", finding)
				}
				return fmt.Errorf("%d drift findings", len(result.Drift))
			})
		},
	}

	return cmd
}
