package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RefreshToken is a long-lived refresh token issued after a successful
// pairing or re-authentication. Reuse of a revoked token is a replay signal
// and triggers a blanket revocation of every token for the owner.
type RefreshToken struct {
	Token       string
	Owner       string
	DeviceID    string
	MFAVerified bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Revoked     bool
}

func (s *Store) InsertRefreshToken(ctx context.Context, t RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, owner, device_id, mfa_verified, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Token, t.Owner, t.DeviceID, boolToInt(t.MFAVerified),
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.ExpiresAt.UTC().Format(time.RFC3339Nano), boolToInt(t.Revoked))
	return err
}

func (s *Store) GetRefreshToken(ctx context.Context, token string) (RefreshToken, error) {
	var t RefreshToken
	var mfa, revoked int
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT token, owner, device_id, mfa_verified, created_at, expires_at, revoked
		FROM refresh_tokens WHERE token = ?`, token).
		Scan(&t.Token, &t.Owner, &t.DeviceID, &mfa, &createdAt, &expiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, err
	}
	t.MFAVerified = mfa != 0
	t.Revoked = revoked != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return t, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE token = ?`, token)
	return err
}

// RevokeAllRefreshTokensForOwner is the blanket revocation fired when a
// revoked token is presented again (replay detection).
func (s *Store) RevokeAllRefreshTokensForOwner(ctx context.Context, owner string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE owner = ? AND revoked = 0`, owner)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
