package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/app"
	"github.com/atlasgw/atlas/internal/config"
)

const adminOwner = "admin"

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage encrypted provider/service credentials",
	}
	cmd.AddCommand(newCredentialListCmd())
	cmd.AddCommand(newCredentialAddCmd())
	cmd.AddCommand(newCredentialRotateCmd())
	cmd.AddCommand(newCredentialDeleteCmd())
	return cmd
}

func newCredentialListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List credential metadata (never values)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return wrapConfigError(err)
			}
			store, credStore, err := app.OpenCredentialStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			metas, err := credStore.List(cmd.Context(), adminOwner)
			if err != nil {
				return err
			}
			for _, m := range metas {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Service, m.CreatedAt.Format("2006-01-02T15:04:05Z"))
			}
			return nil
		},
	}
}

func newCredentialAddCmd() *cobra.Command {
	var name, service, value string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a new credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return wrapConfigError(err)
			}
			store, credStore, err := app.OpenCredentialStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			meta, err := credStore.StoreSecret(cmd.Context(), adminOwner, name, service, value)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored credential %s (%s)\n", meta.ID, meta.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unique credential name")
	cmd.Flags().StringVar(&service, "service", "", "service enum: anthropic|openai|google|azure|aws|github|slack|discord|telegram|custom")
	cmd.Flags().StringVar(&value, "value", "", "secret plaintext value")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("service")
	cmd.MarkFlagRequired("value")
	return cmd
}

func newCredentialRotateCmd() *cobra.Command {
	var id, value string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Replace a credential's ciphertext atomically",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return wrapConfigError(err)
			}
			store, credStore, err := app.OpenCredentialStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := credStore.Rotate(cmd.Context(), id, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated credential %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "credential id")
	cmd.Flags().StringVar(&value, "value", "", "new secret plaintext value")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("value")
	return cmd
}

func newCredentialDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a credential permanently",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return wrapConfigError(err)
			}
			store, credStore, err := app.OpenCredentialStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := credStore.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted credential %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "credential id")
	cmd.MarkFlagRequired("id")
	return cmd
}
