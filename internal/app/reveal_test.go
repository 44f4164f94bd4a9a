package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atlasgw/atlas/internal/auth"
	"github.com/atlasgw/atlas/internal/credential"
	"github.com/atlasgw/atlas/internal/storage"
)

type fakeCredRepo struct {
	byID map[string]storage.Credential
}

func newFakeCredRepo() *fakeCredRepo {
	return &fakeCredRepo{byID: map[string]storage.Credential{}}
}

func (f *fakeCredRepo) InsertCredential(_ context.Context, c storage.Credential) error {
	f.byID[c.ID] = c
	return nil
}
func (f *fakeCredRepo) GetCredential(_ context.Context, id string) (storage.Credential, error) {
	c, ok := f.byID[id]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return c, nil
}
func (f *fakeCredRepo) GetCredentialByName(_ context.Context, owner, name string) (storage.Credential, error) {
	for _, c := range f.byID {
		if c.Owner == owner && c.Name == name {
			return c, nil
		}
	}
	return storage.Credential{}, storage.ErrNotFound
}
func (f *fakeCredRepo) ListCredentials(_ context.Context, owner string) ([]storage.Credential, error) {
	var out []storage.Credential
	for _, c := range f.byID {
		if c.Owner == owner {
			out = append(out, c)
		}
	}
	return out, nil
}
func (f *fakeCredRepo) UpdateCredentialCiphertext(_ context.Context, id string, ciphertext, iv, tag []byte, rotatedAt time.Time) error {
	c, ok := f.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Ciphertext, c.IV, c.Tag, c.LastRotatedAt = ciphertext, iv, tag, &rotatedAt
	f.byID[id] = c
	return nil
}
func (f *fakeCredRepo) DeleteCredential(_ context.Context, id string) error {
	if _, ok := f.byID[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

type fakeSessionRepo struct {
	devices map[string]storage.Device
	refresh map[string]storage.RefreshToken
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{devices: map[string]storage.Device{}, refresh: map[string]storage.RefreshToken{}}
}

func (f *fakeSessionRepo) InsertRefreshToken(_ context.Context, t storage.RefreshToken) error {
	f.refresh[t.Token] = t
	return nil
}
func (f *fakeSessionRepo) GetRefreshToken(_ context.Context, token string) (storage.RefreshToken, error) {
	t, ok := f.refresh[token]
	if !ok {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	return t, nil
}
func (f *fakeSessionRepo) RevokeRefreshToken(_ context.Context, token string) error {
	t := f.refresh[token]
	t.Revoked = true
	f.refresh[token] = t
	return nil
}
func (f *fakeSessionRepo) RevokeAllRefreshTokensForOwner(_ context.Context, owner string) (int, error) {
	n := 0
	for k, t := range f.refresh {
		if t.Owner == owner && !t.Revoked {
			t.Revoked = true
			f.refresh[k] = t
			n++
		}
	}
	return n, nil
}
func (f *fakeSessionRepo) GetDevice(_ context.Context, id string) (storage.Device, error) {
	d, ok := f.devices[id]
	if !ok {
		return storage.Device{}, storage.ErrNotFound
	}
	return d, nil
}

// buildRevealTestApp wires a minimal App (just the Auth/Credential pair
// RevealCredential needs) against in-memory fakes, so the MFA gate can be
// exercised without a full storage.Store.
func buildRevealTestApp(t *testing.T) (*App, string) {
	t.Helper()
	ctx := context.Background()

	credRepo := newFakeCredRepo()
	credStore := credential.New(credRepo)
	credStore.Unlock("test-passphrase", []byte("0123456789abcdef"))
	meta, err := credStore.StoreSecret(ctx, "owner1", "openai", "openai", "sk-test-secret")
	if err != nil {
		t.Fatalf("StoreSecret: %v", err)
	}

	authr := auth.NewAuthenticator(newFakeSessionRepo(), []byte("test-signing-key-0123456789"), 15*time.Minute, 7*24*time.Hour)

	return &App{Auth: authr, Credential: credStore}, meta.ID
}

func TestRevealCredentialRejectsUnverifiedSession(t *testing.T) {
	ctx := context.Background()
	a, credID := buildRevealTestApp(t)

	dev := storage.Device{ID: uuid.NewString(), Owner: "owner1", Trusted: true}
	session, err := a.Auth.IssueSession(ctx, dev, false)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	if _, err := a.RevealCredential(ctx, session.AccessToken, credID); err != auth.ErrMFARequired {
		t.Fatalf("expected ErrMFARequired, got %v", err)
	}
}

func TestRevealCredentialAllowsVerifiedSession(t *testing.T) {
	ctx := context.Background()
	a, credID := buildRevealTestApp(t)

	dev := storage.Device{ID: uuid.NewString(), Owner: "owner1", Trusted: true}
	session, err := a.Auth.IssueSession(ctx, dev, true)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	plaintext, err := a.RevealCredential(ctx, session.AccessToken, credID)
	if err != nil {
		t.Fatalf("RevealCredential: %v", err)
	}
	if plaintext != "sk-test-secret" {
		t.Fatalf("expected decrypted secret, got %q", plaintext)
	}
}
