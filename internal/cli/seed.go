package cli

import (
	"fmt"

	"github.com/cristianortiz/liveauction/internal/auction/application"
	"github.com/cristianortiz/liveauction/internal/shared/clock"
	"github.com/cristianortiz/liveauction/internal/shared/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the demo auctions into the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config()
			if cfg.StoreDriver == config.StoreMemory {
				return fmt.Errorf("seed needs a persistent store, STORE_DRIVER is %q", cfg.StoreDriver)
			}
			b, err := openBackends(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer b.Close()

			n, err := application.SeedDemo(cmd.Context(), b.store, clock.System{}.Now())
			if err != nil {
				return err
			}
			log.Info("Demo auctions loaded", zap.Int("created", n))
			fmt.Fprintf(cmd.OutOrStdout(), "%d auctions created\n", n)
			return nil
		},
	}
}
