// Package auth implements device pairing and session issuance: a new
// client proves possession of an Ed25519 keypair via a signed challenge,
// then receives a short-lived access token and a longer-lived refresh
// token. The challenge/response/retry shape is grounded on the teacher's
// interactive telegram pairing flow (internal/cli/pair.go) — a bounded
// wait for the client's response and a clear timeout error — adapted from
// a human typing a code to a signed-nonce protocol suited to a headless
// CLI pairing. A challenge is single-use: any CompleteChallenge attempt,
// including one with a wrong signature, consumes it, so a retry begins a
// new challenge.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atlasgw/atlas/internal/gatewayerr"
	"github.com/atlasgw/atlas/internal/storage"
)

var (
	// ErrWrongSignature mirrors the teacher's ErrWrongCode: the client
	// answered the challenge but the signature doesn't verify.
	ErrWrongSignature = errors.New("auth: challenge signature invalid")
	ErrChallengeExpired = errors.New("auth: challenge expired")
	ErrDeviceCapReached = errors.New("auth: device cap reached for owner")
)

// Repo is the narrow storage dependency the pairing flow needs.
type Repo interface {
	InsertChallenge(ctx context.Context, c storage.PairingChallenge) error
	GetChallenge(ctx context.Context, id string) (storage.PairingChallenge, error)
	DeleteChallenge(ctx context.Context, id string) error
	DeleteExpiredChallenges(ctx context.Context, before time.Time) (int, error)

	InsertDevice(ctx context.Context, d storage.Device) error
	GetDevice(ctx context.Context, id string) (storage.Device, error)
	ListDevicesByOwner(ctx context.Context, owner string) ([]storage.Device, error)
	CountDevicesByOwner(ctx context.Context, owner string) (int, error)
	TouchDevice(ctx context.Context, id string, at time.Time) error
	SetDeviceTrusted(ctx context.Context, id string, trusted bool) error
}

// Pairer issues and verifies device-pairing challenges.
type Pairer struct {
	repo          Repo
	challengeTTL  time.Duration
	maxDevices    int
}

// NewPairer builds a Pairer. challengeTTL and maxDevices come from
// config.AuthConfig.
func NewPairer(repo Repo, challengeTTL time.Duration, maxDevices int) *Pairer {
	return &Pairer{repo: repo, challengeTTL: challengeTTL, maxDevices: maxDevices}
}

// BeginChallenge issues a fresh nonce for a client advertising fingerprint
// (the hex/base64 encoding of its Ed25519 public key's hash). The client is
// expected to sign the nonce and call CompleteChallenge before challengeTTL
// elapses.
func (p *Pairer) BeginChallenge(ctx context.Context, fingerprint string) (challengeID string, nonce []byte, err error) {
	nonce = make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("generate nonce: %w", err)
	}

	id := uuid.NewString()
	expiresAt := time.Now().UTC().Add(p.challengeTTL)
	if err := p.repo.InsertChallenge(ctx, storage.PairingChallenge{
		ID: id, Fingerprint: fingerprint, Nonce: nonce, ExpiresAt: expiresAt,
	}); err != nil {
		return "", nil, fmt.Errorf("persist challenge: %w", err)
	}
	return id, nonce, nil
}

// CompleteChallenge verifies the client's signature over the original
// nonce with its public key, then registers a new device record under
// owner. A device cap above maxDevices is rejected even for a
// correctly-signed response.
func (p *Pairer) CompleteChallenge(ctx context.Context, challengeID, owner, deviceName string, publicKey ed25519.PublicKey, signature []byte) (storage.Device, error) {
	ch, err := p.repo.GetChallenge(ctx, challengeID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Device{}, gatewayerr.NotFound("pairing_challenge", challengeID)
	}
	if err != nil {
		return storage.Device{}, err
	}
	defer p.repo.DeleteChallenge(ctx, challengeID)

	if time.Now().UTC().After(ch.ExpiresAt) {
		return storage.Device{}, ErrChallengeExpired
	}
	if !ed25519.Verify(publicKey, ch.Nonce, signature) {
		return storage.Device{}, ErrWrongSignature
	}

	count, err := p.repo.CountDevicesByOwner(ctx, owner)
	if err != nil {
		return storage.Device{}, err
	}
	if count >= p.maxDevices {
		return storage.Device{}, ErrDeviceCapReached
	}

	dev := storage.Device{
		ID:          uuid.NewString(),
		Owner:       owner,
		Name:        deviceName,
		Fingerprint: ch.Fingerprint,
		PublicKey:   publicKey,
		PairedAt:    time.Now().UTC(),
		Trusted:     true,
	}
	if err := p.repo.InsertDevice(ctx, dev); err != nil {
		return storage.Device{}, fmt.Errorf("persist device: %w", err)
	}
	return dev, nil
}

// SweepExpiredChallenges is invoked periodically by the GC scheduler.
func (p *Pairer) SweepExpiredChallenges(ctx context.Context) (int, error) {
	return p.repo.DeleteExpiredChallenges(ctx, time.Now().UTC())
}

// Revoke marks a device untrusted; refreshing an existing session for it
// then fails the session authenticator's device-trust check. Access tokens
// already issued for it are not looked up and stay valid until they expire.
func (p *Pairer) Revoke(ctx context.Context, deviceID string) error {
	if err := p.repo.SetDeviceTrusted(ctx, deviceID, false); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return gatewayerr.NotFound("device", deviceID)
		}
		return err
	}
	return nil
}
