package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned by any repository lookup that finds no row.
var ErrNotFound = errors.New("storage: not found")

// Credential is the persisted form of an encrypted secret. Plaintext never
// reaches this package; Ciphertext/IV/Tag are the AEAD output produced by
// internal/credential.
type Credential struct {
	ID            string
	Owner         string
	Name          string
	Service       string
	Ciphertext    []byte
	IV            []byte
	Tag           []byte
	KDFParams     string
	CreatedAt     time.Time
	LastRotatedAt *time.Time
}

// InsertCredential stores a new credential row. The (owner, name) pair must
// be unique; a duplicate returns the driver's constraint error unwrapped so
// callers can match on it with errors.Is against sqlite's unique violation.
func (s *Store) InsertCredential(ctx context.Context, c Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, owner, name, service, ciphertext, iv, tag, kdf_params, created_at, last_rotated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Owner, c.Name, c.Service, c.Ciphertext, c.IV, c.Tag, c.KDFParams,
		c.CreatedAt.UTC().Format(time.RFC3339Nano), nullableTime(c.LastRotatedAt))
	return err
}

func (s *Store) GetCredential(ctx context.Context, id string) (Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, service, ciphertext, iv, tag, kdf_params, created_at, last_rotated_at
		FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

func (s *Store) GetCredentialByName(ctx context.Context, owner, name string) (Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, service, ciphertext, iv, tag, kdf_params, created_at, last_rotated_at
		FROM credentials WHERE owner = ? AND name = ?`, owner, name)
	return scanCredential(row)
}

func (s *Store) ListCredentials(ctx context.Context, owner string) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, name, service, ciphertext, iv, tag, kdf_params, created_at, last_rotated_at
		FROM credentials WHERE owner = ? ORDER BY created_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCredentialCiphertext(ctx context.Context, id string, ciphertext, iv, tag []byte, rotatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET ciphertext = ?, iv = ?, tag = ?, last_rotated_at = ? WHERE id = ?`,
		ciphertext, iv, tag, rotatedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (Credential, error) {
	var c Credential
	var createdAt string
	var lastRotated sql.NullString
	if err := row.Scan(&c.ID, &c.Owner, &c.Name, &c.Service, &c.Ciphertext, &c.IV, &c.Tag, &c.KDFParams, &createdAt, &lastRotated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastRotated.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastRotated.String)
		c.LastRotatedAt = &t
	}
	return c, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
