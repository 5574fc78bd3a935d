package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pyrite-env/pyrite/pkg/daemon"
)

func newDaemonCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the pyrite daemon",
		Long: `Run the long-lived pyrite daemon in the foreground.

The daemon owns the environment store, the dependency resolver, and the
sync transaction manager, and serves the other commands over a unix
socket. It also watches environment directories for changes made behind
its back.`,
		Example: `  # Run with the default configuration
  pyrite daemon

  # Run with an explicit config file
  pyrite -c /etc/pyrite/config.yaml daemon`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().Str("socket", cfg.Daemon.SocketPath).Msg("Starting daemon")

			d, err := daemon.New(cfg, version)
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}

	return cmd
}
