package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyrite-env/pyrite/pkg/daemon"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <name>",
		Short: "List an environment's sync transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(client *daemon.Client) error {
				result, err := client.History(cmd.Context(), daemon.HistoryParams{
					Name:  args[0],
					Limit: limit,
				})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(result)
				}
				if len(result.Transactions) == 0 {
					fmt.Printf("No transactions for %s\n", result.Name)
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATUS\tOPERATIONS\tSTARTED\tDURATION")
				for _, tx := range result.Transactions {
					duration := "-"
					if !tx.FinishedAt.IsZero() {
						duration = tx.FinishedAt.Sub(tx.StartedAt).Round(time.Millisecond).String()
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						tx.ID, tx.Status, tx.Operations,
						tx.StartedAt.Local().Format("2006-01-02 15:04:05"), duration)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of transactions to show")
	return cmd
}
