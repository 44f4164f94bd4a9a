package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/app"
	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/internal/logging"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gateway daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return wrapConfigError(err)
			}
			if err := cfg.Validate(); err != nil {
				return wrapConfigError(err)
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gw, err := app.New(runCtx, cfg)
			if err != nil {
				return err
			}
			if err := gw.Start(runCtx); err != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				gw.Shutdown(shutdownCtx)
				return err
			}

			logging.Logger().Info("gateway running", "data_dir", cfg.DataDir, "providers", len(cfg.Providers))
			<-runCtx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return gw.Shutdown(shutdownCtx)
		},
	}
}
