package auth

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atlasgw/atlas/internal/storage"
)

type fakeAuthRepo struct {
	challenges map[string]storage.PairingChallenge
	devices    map[string]storage.Device
	refresh    map[string]storage.RefreshToken
}

func newFakeAuthRepo() *fakeAuthRepo {
	return &fakeAuthRepo{
		challenges: map[string]storage.PairingChallenge{},
		devices:    map[string]storage.Device{},
		refresh:    map[string]storage.RefreshToken{},
	}
}

func (f *fakeAuthRepo) InsertChallenge(_ context.Context, c storage.PairingChallenge) error {
	f.challenges[c.ID] = c
	return nil
}
func (f *fakeAuthRepo) GetChallenge(_ context.Context, id string) (storage.PairingChallenge, error) {
	c, ok := f.challenges[id]
	if !ok {
		return storage.PairingChallenge{}, storage.ErrNotFound
	}
	return c, nil
}
func (f *fakeAuthRepo) DeleteChallenge(_ context.Context, id string) error {
	delete(f.challenges, id)
	return nil
}
func (f *fakeAuthRepo) DeleteExpiredChallenges(_ context.Context, before time.Time) (int, error) {
	n := 0
	for id, c := range f.challenges {
		if c.ExpiresAt.Before(before) {
			delete(f.challenges, id)
			n++
		}
	}
	return n, nil
}
func (f *fakeAuthRepo) InsertDevice(_ context.Context, d storage.Device) error {
	f.devices[d.ID] = d
	return nil
}
func (f *fakeAuthRepo) GetDevice(_ context.Context, id string) (storage.Device, error) {
	d, ok := f.devices[id]
	if !ok {
		return storage.Device{}, storage.ErrNotFound
	}
	return d, nil
}
func (f *fakeAuthRepo) ListDevicesByOwner(_ context.Context, owner string) ([]storage.Device, error) {
	var out []storage.Device
	for _, d := range f.devices {
		if d.Owner == owner {
			out = append(out, d)
		}
	}
	return out, nil
}
func (f *fakeAuthRepo) CountDevicesByOwner(_ context.Context, owner string) (int, error) {
	n := 0
	for _, d := range f.devices {
		if d.Owner == owner {
			n++
		}
	}
	return n, nil
}
func (f *fakeAuthRepo) TouchDevice(_ context.Context, id string, at time.Time) error {
	d := f.devices[id]
	d.LastSeenAt = &at
	f.devices[id] = d
	return nil
}
func (f *fakeAuthRepo) SetDeviceTrusted(_ context.Context, id string, trusted bool) error {
	d, ok := f.devices[id]
	if !ok {
		return storage.ErrNotFound
	}
	d.Trusted = trusted
	f.devices[id] = d
	return nil
}
func (f *fakeAuthRepo) InsertRefreshToken(_ context.Context, t storage.RefreshToken) error {
	f.refresh[t.Token] = t
	return nil
}
func (f *fakeAuthRepo) GetRefreshToken(_ context.Context, token string) (storage.RefreshToken, error) {
	t, ok := f.refresh[token]
	if !ok {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	return t, nil
}
func (f *fakeAuthRepo) RevokeRefreshToken(_ context.Context, token string) error {
	t := f.refresh[token]
	t.Revoked = true
	f.refresh[token] = t
	return nil
}
func (f *fakeAuthRepo) RevokeAllRefreshTokensForOwner(_ context.Context, owner string) (int, error) {
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

func TestPairingRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newFakeAuthRepo()
	pairer := NewPairer(repo, 5*time.Minute, 10)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	challengeID, nonce, err := pairer.BeginChallenge(ctx, "fp-1")
	if err != nil {
		t.Fatalf("BeginChallenge: %v", err)
	}
	sig := ed25519.Sign(priv, nonce)

	dev, err := pairer.CompleteChallenge(ctx, challengeID, "owner1", "laptop", pub, sig)
	if err != nil {
		t.Fatalf("CompleteChallenge: %v", err)
	}
	if !dev.Trusted {
		t.Fatal("expected newly paired device to be trusted")
	}
}

func TestCompleteChallengeWrongSignatureRejected(t *testing.T) {
	ctx := context.Background()
	repo := newFakeAuthRepo()
	pairer := NewPairer(repo, 5*time.Minute, 10)

	pub, _, _ := ed25519.GenerateKey(nil)
	_, otherPriv, _ := ed25519.GenerateKey(nil)

	challengeID, nonce, _ := pairer.BeginChallenge(ctx, "fp-1")
	wrongSig := ed25519.Sign(otherPriv, nonce)

	if _, err := pairer.CompleteChallenge(ctx, challengeID, "owner1", "laptop", pub, wrongSig); err != ErrWrongSignature {
		t.Fatalf("expected ErrWrongSignature, got %v", err)
	}
}

func TestCompleteChallengeDeviceCapReached(t *testing.T) {
	ctx := context.Background()
	repo := newFakeAuthRepo()
	pairer := NewPairer(repo, 5*time.Minute, 1)

	repo.devices[uuid.NewString()] = storage.Device{Owner: "owner1", Trusted: true}

	pub, priv, _ := ed25519.GenerateKey(nil)
	challengeID, nonce, _ := pairer.BeginChallenge(ctx, "fp-2")
	sig := ed25519.Sign(priv, nonce)

	if _, err := pairer.CompleteChallenge(ctx, challengeID, "owner1", "phone", pub, sig); err != ErrDeviceCapReached {
		t.Fatalf("expected ErrDeviceCapReached, got %v", err)
	}
}

func TestSessionRefreshReplayRevokesAllTokens(t *testing.T) {
	ctx := context.Background()
	repo := newFakeAuthRepo()
	authr := NewAuthenticator(repo, []byte("test-signing-key-0123456789"), 15*time.Minute, 7*24*time.Hour)

	dev := storage.Device{ID: uuid.NewString(), Owner: "owner1", Trusted: true}
	repo.devices[dev.ID] = dev

	session, err := authr.IssueSession(ctx, dev, true)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	refreshed, err := authr.RefreshSession(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if refreshed.RefreshToken == session.RefreshToken {
		t.Fatal("expected refresh token rotation")
	}

	// Replaying the original (now-revoked) token must blanket-revoke.
	if _, err := authr.RefreshSession(ctx, session.RefreshToken); err != ErrTokenRevoked {
		t.Fatalf("expected ErrTokenRevoked on replay, got %v", err)
	}
	if _, err := authr.RefreshSession(ctx, refreshed.RefreshToken); err != ErrTokenRevoked {
		t.Fatalf("expected the rotated token to be revoked too after replay, got %v", err)
	}
}

func TestVerifyAccessRejectsTamperedToken(t *testing.T) {
	ctx := context.Background()
	repo := newFakeAuthRepo()
	authr := NewAuthenticator(repo, []byte("test-signing-key-0123456789"), 15*time.Minute, 7*24*time.Hour)

	dev := storage.Device{ID: uuid.NewString(), Owner: "owner1", Trusted: true}
	repo.devices[dev.ID] = dev
	session, err := authr.IssueSession(ctx, dev, true)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	if _, err := authr.VerifyAccess(session.AccessToken + "x"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
