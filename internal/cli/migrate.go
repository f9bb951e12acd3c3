package cli

import (
	"fmt"

	"github.com/cristianortiz/liveauction/internal/shared/config"
	"github.com/cristianortiz/liveauction/internal/shared/db/migrations"
	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down]",
		Short: "Apply or roll back the postgres schema",
		Long: `Apply every pending migration (up, the default) or roll back the last one (down).

Example:
  liveauction migrate
  liveauction migrate down`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config()
			if cfg.StoreDriver != config.StorePostgres {
				log.Warn("STORE_DRIVER is not postgres, migrating anyway")
			}
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			switch direction {
			case "up":
				return migrations.RunMigrations(cfg.DB)
			case "down":
				return migrations.Rollback(cfg.DB)
			}
			return fmt.Errorf("unknown direction %q: must be up or down", direction)
		},
	}
	return cmd
}
