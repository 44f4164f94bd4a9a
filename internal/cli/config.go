package cli

import (
	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print merged configuration as TOML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return wrapConfigError(err)
			}
			return config.Write(cfg, cmd.OutOrStdout())
		},
	}
}
