// Package cli holds the liveauction commands.
package cli

import (
	"github.com/cristianortiz/liveauction/internal/shared/config"
	"github.com/cristianortiz/liveauction/internal/shared/logger"
	"github.com/spf13/cobra"
)

var log = logger.GetLogger()

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel string
	cfg      config.Config
}

// Config returns the configuration loaded before the command ran.
func (o *RootOptions) Config() config.Config { return o.cfg }

// NewRootCommand creates the root command of the liveauction binary.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "liveauction",
		Short:         "Live auction bidding engine",
		Long:          "Server-authoritative live auction engine: bidding, closure sweep and realtime streaming.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.LogLevel = opts.LogLevel
			}
			if err := logger.SetLevel(cfg.LogLevel); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override LOG_LEVEL (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}
