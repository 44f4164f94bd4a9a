package cli

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/atlasgw/atlas/internal/app"
	"github.com/atlasgw/atlas/internal/config"
)

// pairKeyFile holds this device's Ed25519 private key, generated on first
// pairing and reused on subsequent `gatewayd pair` runs so re-pairing
// after a device revocation produces the same fingerprint.
const pairKeyFile = "device.key"

func newPairCmd() *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair this machine as a device for owner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return wrapConfigError(err)
			}

			pub, priv, err := loadOrCreateDeviceKey(cfg)
			if err != nil {
				return err
			}
			sum := sha256.Sum256(pub)
			fingerprint := hex.EncodeToString(sum[:])

			store, pairer, authenticator, err := app.OpenAuth(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			challengeID, nonce, err := pairer.BeginChallenge(cmd.Context(), fingerprint)
			if err != nil {
				return err
			}
			signature := ed25519.Sign(priv, nonce)

			device, err := pairer.CompleteChallenge(cmd.Context(), challengeID, owner, name, pub, signature)
			if err != nil {
				return err
			}

			session, err := authenticator.IssueSession(cmd.Context(), device, true)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "paired device %s (%s) for %s\n", device.ID, device.Name, device.Owner)
			fmt.Fprintf(cmd.OutOrStdout(), "access_token: %s\n", session.AccessToken)
			fmt.Fprintf(cmd.OutOrStdout(), "refresh_token: %s\n", session.RefreshToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", adminOwner, "owner this device is paired to")
	cmd.Flags().StringVar(&name, "name", "cli", "human-readable device name")
	return cmd
}

func loadOrCreateDeviceKey(cfg *config.Config) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	path := filepath.Join(cfg.DataDir, pairKeyFile)
	if b, err := os.ReadFile(path); err == nil && len(b) == ed25519.PrivateKeySize {
		priv := ed25519.PrivateKey(b)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate device key: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, nil, fmt.Errorf("persist device key: %w", err)
	}
	return pub, priv, nil
}
