package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pyrite-env/pyrite/pkg/daemon"
)

func newSyncCommand() *cobra.Command {
	var (
		requirementsFile string
		strategy         string
		force            bool
	)

	cmd := &cobra.Command{
		Use:   "sync <name> [requirement...]",
		Short: "Synchronize an environment to a requirement set",
		Long: `Resolve a requirement set and converge the environment on it.

Requirements use pip syntax (name, name==1.2.3, name>=1.0,<2.0). The
daemon resolves the full dependency closure, plans the changes, and
applies them as a single transaction: if any operation fails, the
environment is rolled back to its previous state.

The merge strategy controls conflict handling: conservative keeps the
current version when the target would downgrade it, aggressive applies
the target regardless, and manual refuses to resolve conflicts at all.`,
		Args: cobra.MinimumNArgs(1),
		Example: `  # Sync to inline requirements
  pyrite sync webapp "flask>=3.0.0" "requests==2.31.0"

  # Sync to a requirements file
  pyrite sync webapp -r requirements.txt

  # Apply downgrades from the target set
  pyrite sync webapp "flask==2.3.0" --strategy aggressive

  # Proceed despite error-severity validation issues
  pyrite sync webapp "flask" --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			requirements := args[1:]
			if requirementsFile != "" {
				fromFile, err := readRequirementsFile(requirementsFile)
				if err != nil {
					return err
				}
				requirements = append(requirements, fromFile...)
			}

			return withClient(func(client *daemon.Client) error {
				result, err := client.Sync(cmd.Context(), daemon.SyncParams{
					Name:               args[0],
					Requirements:       requirements,
					Strategy:           strategy,
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

	cmd.Flags().StringVarP(&requirementsFile, "requirements", "r", "", "read requirements from a file")
	cmd.Flags().StringVar(&strategy, "strategy", "conservative", "merge strategy: conservative, aggressive, or manual")
	cmd.Flags().BoolVar(&force, "force", false, "proceed despite error-severity validation issues")

	return cmd
}

// readRequirementsFile parses a pip-style requirements file, skipping
// blank lines and comments.
func readRequirementsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open requirements file: %w", err)
	}
	defer f.Close()

	var requirements []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		requirements = append(requirements, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read requirements file: %w", err)
	}
	return requirements, nil
}

func printSyncResult(result *daemon.SyncResult) {
	switch result.Status {
	case "up-to-date":
		fmt.Println("Already up to date")
		return
	case "committed":
		fmt.Printf("Synced: %d changes, revision %d\n", len(result.Changes), result.Revision)
	default:
		fmt.Printf("Sync %s\n", result.Status)
	}
	for _, change := range result.Changes {
		fmt.Printf("  %s\n", change)
	}
	for _, issue := range result.Issues {
		fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.Code, issue.Message)
	}
}
