package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Device is a paired client, identified by its Ed25519 public key
// fingerprint.
type Device struct {
	ID          string
	Owner       string
	Name        string
	Fingerprint string
	PublicKey   []byte
	PairedAt    time.Time
	LastSeenAt  *time.Time
	Trusted     bool
}

func (s *Store) InsertDevice(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, owner, name, fingerprint, public_key, paired_at, last_seen_at, trusted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Owner, d.Name, d.Fingerprint, d.PublicKey,
		d.PairedAt.UTC().Format(time.RFC3339Nano), nullableTime(d.LastSeenAt), boolToInt(d.Trusted))
	return err
}

func (s *Store) GetDevice(ctx context.Context, id string) (Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, fingerprint, public_key, paired_at, last_seen_at, trusted
		FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

func (s *Store) ListDevicesByOwner(ctx context.Context, owner string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, name, fingerprint, public_key, paired_at, last_seen_at, trusted
		FROM devices WHERE owner = ? ORDER BY paired_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CountDevicesByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE owner = ?`, owner).Scan(&n)
	return n, err
}

func (s *Store) TouchDevice(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *Store) SetDeviceTrusted(ctx context.Context, id string, trusted bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET trusted = ? WHERE id = ?`, boolToInt(trusted), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func scanDevice(row scanner) (Device, error) {
	var d Device
	var pairedAt string
	var lastSeen sql.NullString
	var trusted int
	if err := row.Scan(&d.ID, &d.Owner, &d.Name, &d.Fingerprint, &d.PublicKey, &pairedAt, &lastSeen, &trusted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, ErrNotFound
		}
		return Device{}, err
	}
	d.PairedAt, _ = time.Parse(time.RFC3339Nano, pairedAt)
	if lastSeen.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastSeen.String)
		d.LastSeenAt = &t
	}
	d.Trusted = trusted != 0
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// PairingChallenge is an outstanding device-pairing challenge awaiting the
// client's signed response.
type PairingChallenge struct {
	ID          string
	Fingerprint string
	Nonce       []byte
	ExpiresAt   time.Time
}

func (s *Store) InsertChallenge(ctx context.Context, c PairingChallenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_challenges (id, fingerprint, nonce, expires_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Fingerprint, c.Nonce, c.ExpiresAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetChallenge(ctx context.Context, id string) (PairingChallenge, error) {
	var c PairingChallenge
	var expiresAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, fingerprint, nonce, expires_at FROM pairing_challenges WHERE id = ?`, id).
		Scan(&c.ID, &c.Fingerprint, &c.Nonce, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PairingChallenge{}, ErrNotFound
	}
	if err != nil {
		return PairingChallenge{}, err
	}
	c.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return c, nil
}

func (s *Store) DeleteChallenge(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pairing_challenges WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteExpiredChallenges(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairing_challenges WHERE expires_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
