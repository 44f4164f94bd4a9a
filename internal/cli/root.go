// Package cli wires Cobra subcommands to the application container; it is
// a thin controller with no business logic, mirroring the teacher's
// internal/cli package.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/logging"
)

// NewRootCmd creates the root command and registers all subcommands.
func NewRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "Personal AI gateway daemon",
		// Let main handle fatal error rendering through structured logs.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if verbose {
				logging.SetLevel(slog.LevelDebug)
			} else {
				logging.SetLevel(slog.LevelInfo)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Default to `gatewayd start` when no subcommand is given.
			startCmd, _, err := cmd.Find([]string{"start"})
			if err != nil {
				return err
			}
			startCmd.SetContext(cmd.Context())
			return startCmd.RunE(startCmd, args)
		},
	}

	root.AddCommand(newStartCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newCredentialCmd())
	root.AddCommand(newPairCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newVersionCmd())
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging (debug level)")

	return root
}
