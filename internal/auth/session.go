package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atlasgw/atlas/internal/storage"
)

var (
	ErrTokenExpired    = errors.New("auth: token expired")
	ErrTokenRevoked    = errors.New("auth: token revoked")
	ErrDeviceUntrusted = errors.New("auth: device is no longer trusted")
	ErrInvalidToken    = errors.New("auth: invalid token")
	ErrMFARequired     = errors.New("auth: multi-factor verification required for this device")
)

// claims is the access token payload. Access tokens are stateless (not
// looked up in storage); only their signature and expiry are checked.
type claims struct {
	jwt.RegisteredClaims
	Owner       string `json:"owner"`
	DeviceID    string `json:"device_id"`
	MFAVerified bool   `json:"mfa_verified"`
}

// Claims is the verified, caller-visible payload of an access token.
type Claims struct {
	Owner       string
	DeviceID    string
	MFAVerified bool
}

// SessionRepo is the storage dependency the session authenticator needs.
type SessionRepo interface {
	InsertRefreshToken(ctx context.Context, t storage.RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (storage.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, token string) error
	RevokeAllRefreshTokensForOwner(ctx context.Context, owner string) (int, error)
	GetDevice(ctx context.Context, id string) (storage.Device, error)
}

// Authenticator issues and verifies access/refresh token pairs.
type Authenticator struct {
	repo            SessionRepo
	signingKey      []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
}

// NewAuthenticator builds an Authenticator. signingKey is a persistent
// per-install HMAC secret (internal/app generates it at random on first
// run and keeps it encrypted in the credential store).
func NewAuthenticator(repo SessionRepo, signingKey []byte, accessTokenTTL, refreshTokenTTL time.Duration) *Authenticator {
	return &Authenticator{repo: repo, signingKey: signingKey, accessTokenTTL: accessTokenTTL, refreshTokenTTL: refreshTokenTTL}
}

// Session is an issued token pair.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IssueSession mints a fresh access/refresh pair for an already-verified
// device (post pairing, or post refresh). mfaVerified records whether the
// device has completed an out-of-band factor beyond key possession; a
// token minted with mfaVerified=false is rejected by VerifyAccessRequireMFA.
func (a *Authenticator) IssueSession(ctx context.Context, device storage.Device, mfaVerified bool) (Session, error) {
	now := time.Now().UTC()
	access, err := a.signAccessToken(device, now, mfaVerified)
	if err != nil {
		return Session{}, err
	}

	refreshToken, err := randomToken()
	if err != nil {
		return Session{}, err
	}
	expiresAt := now.Add(a.refreshTokenTTL)
	if err := a.repo.InsertRefreshToken(ctx, storage.RefreshToken{
		Token: refreshToken, Owner: device.Owner, DeviceID: device.ID,
		MFAVerified: mfaVerified, CreatedAt: now, ExpiresAt: expiresAt,
	}); err != nil {
		return Session{}, fmt.Errorf("persist refresh token: %w", err)
	}

	return Session{AccessToken: access, RefreshToken: refreshToken, ExpiresAt: now.Add(a.accessTokenTTL)}, nil
}

func (a *Authenticator) signAccessToken(device storage.Device, issuedAt time.Time, mfaVerified bool) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(a.accessTokenTTL)),
			Subject:   device.ID,
		},
		Owner:       device.Owner,
		DeviceID:    device.ID,
		MFAVerified: mfaVerified,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(a.signingKey)
}

// VerifyAccess checks an access token's signature and expiry and returns the
// claims it was issued with. It does not itself enforce the MFA
// post-condition; callers performing anything other than MFA enrollment or
// emergency-code use must call VerifyAccessRequireMFA instead.
func (a *Authenticator) VerifyAccess(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		return a.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Owner: c.Owner, DeviceID: c.DeviceID, MFAVerified: c.MFAVerified}, nil
}

// VerifyAccessRequireMFA is VerifyAccess plus the mandatory post-condition
// from spec §4.2: every operation other than MFA enrollment or
// emergency-code use must reject a token minted before MFA was verified.
func (a *Authenticator) VerifyAccessRequireMFA(token string) (Claims, error) {
	c, err := a.VerifyAccess(token)
	if err != nil {
		return Claims{}, err
	}
	if !c.MFAVerified {
		return Claims{}, ErrMFARequired
	}
	return c, nil
}

// RefreshSession exchanges a valid, unexpired, unrevoked refresh token for
// a new session, rotating the refresh token (the presented one is revoked
// immediately). Presenting an already-revoked token is treated as replay:
// every outstanding refresh token for the owner is revoked, forcing
// re-pairing on every device.
func (a *Authenticator) RefreshSession(ctx context.Context, presented string) (Session, error) {
	rt, err := a.repo.GetRefreshToken(ctx, presented)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	if rt.Revoked {
		if _, revokeErr := a.repo.RevokeAllRefreshTokensForOwner(ctx, rt.Owner); revokeErr != nil {
			return Session{}, fmt.Errorf("revoke owner sessions after replay: %w", revokeErr)
		}
		return Session{}, ErrTokenRevoked
	}
	if time.Now().UTC().After(rt.ExpiresAt) {
		return Session{}, ErrTokenExpired
	}

	device, err := a.repo.GetDevice(ctx, rt.DeviceID)
	if err != nil {
		return Session{}, err
	}
	if !device.Trusted {
		return Session{}, ErrDeviceUntrusted
	}

	if err := a.repo.RevokeRefreshToken(ctx, presented); err != nil {
		return Session{}, err
	}
	return a.IssueSession(ctx, device, rt.MFAVerified)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
