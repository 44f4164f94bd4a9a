// Package credential is the gateway's local secret store: provider API
// keys and other sensitive strings, encrypted at rest with an
// Argon2id-derived key and never logged or returned in plaintext form.
// It generalizes the AES-GCM envelope pattern the rest of the pack uses
// for at-rest encryption (rakunlabs-at's internal/crypto) to
// ChaCha20-Poly1305 with a password-derived key, since the store's key
// material is a user passphrase rather than a fixed-length config secret.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/atlasgw/atlas/internal/gatewayerr"
	"github.com/atlasgw/atlas/internal/storage"
	"github.com/google/uuid"
)

// Argon2 tuning for a local single-user daemon: 1 pass, 64 MiB, 4 lanes.
// RFC 9106's "low-memory" option uses the same memory with 3 passes.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = chacha20poly1305.KeySize
	saltLen      = 16
)

var (
	// ErrNotInitialized is returned by any operation attempted before Unlock.
	ErrNotInitialized = errors.New("credential: store is locked")
	// ErrDuplicateName is returned by Store when (owner, name) already exists.
	ErrDuplicateName = errors.New("credential: name already in use")
	// ErrDecrypt is returned when the master passphrase cannot open a
	// credential's ciphertext (wrong passphrase, or corrupted row).
	ErrDecrypt = errors.New("credential: decryption failed")
)

type kdfParams struct {
	Salt    []byte `json:"salt"`
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// Repo is the narrow storage dependency credential.Store needs.
type Repo interface {
	InsertCredential(ctx context.Context, c storage.Credential) error
	GetCredential(ctx context.Context, id string) (storage.Credential, error)
	GetCredentialByName(ctx context.Context, owner, name string) (storage.Credential, error)
	ListCredentials(ctx context.Context, owner string) ([]storage.Credential, error)
	UpdateCredentialCiphertext(ctx context.Context, id string, ciphertext, iv, tag []byte, rotatedAt time.Time) error
	DeleteCredential(ctx context.Context, id string) error
}

// Store is the credential vault. It holds the derived master key only in
// memory, for the lifetime of the process after Unlock.
type Store struct {
	repo Repo
	key  []byte // nil until Unlock
}

// New constructs a locked Store.
func New(repo Repo) *Store {
	return &Store{repo: repo}
}

// Unlock derives the AEAD key from passphrase and salt using Argon2id.
// Each credential row records the KDF params it was written under, but
// decryption always uses the single key derived here.
func (s *Store) Unlock(passphrase string, salt []byte) {
	s.key = argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// Locked reports whether Unlock has not yet been called.
func (s *Store) Locked() bool {
	return len(s.key) == 0
}

// Meta is a credential's non-secret metadata, safe to log or list.
type Meta struct {
	ID            string
	Owner         string
	Name          string
	Service       string
	CreatedAt     time.Time
	LastRotatedAt *time.Time
}

// StoreSecret encrypts plaintext and persists it under (owner, name).
func (s *Store) StoreSecret(ctx context.Context, owner, name, service, plaintext string) (Meta, error) {
	if s.Locked() {
		return Meta{}, ErrNotInitialized
	}
	if _, err := s.repo.GetCredentialByName(ctx, owner, name); err == nil {
		return Meta{}, ErrDuplicateName
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Meta{}, err
	}

	ciphertext, iv, tag, err := seal(s.key, plaintext)
	if err != nil {
		return Meta{}, fmt.Errorf("seal credential: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Meta{}, fmt.Errorf("generate salt: %w", err)
	}
	params, err := json.Marshal(kdfParams{Salt: salt, Time: argonTime, Memory: argonMemory, Threads: argonThreads})
	if err != nil {
		return Meta{}, err
	}

	rec := storage.Credential{
		ID:         uuid.NewString(),
		Owner:      owner,
		Name:       name,
		Service:    service,
		Ciphertext: ciphertext,
		IV:         iv,
		Tag:        tag,
		KDFParams:  string(params),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.InsertCredential(ctx, rec); err != nil {
		return Meta{}, fmt.Errorf("persist credential: %w", err)
	}
	return Meta{ID: rec.ID, Owner: owner, Name: name, Service: service, CreatedAt: rec.CreatedAt}, nil
}

// Retrieve decrypts and returns the plaintext secret by id.
func (s *Store) Retrieve(ctx context.Context, id string) (string, error) {
	if s.Locked() {
		return "", ErrNotInitialized
	}
	rec, err := s.repo.GetCredential(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return "", gatewayerr.NotFound("credential", id)
	}
	if err != nil {
		return "", err
	}
	plaintext, err := open(s.key, rec.Ciphertext, rec.IV, rec.Tag)
	if err != nil {
		return "", ErrDecrypt
	}
	return plaintext, nil
}

// RetrieveByName decrypts and returns the plaintext secret for (owner, name).
func (s *Store) RetrieveByName(ctx context.Context, owner, name string) (string, error) {
	if s.Locked() {
		return "", ErrNotInitialized
	}
	rec, err := s.repo.GetCredentialByName(ctx, owner, name)
	if errors.Is(err, storage.ErrNotFound) {
		return "", gatewayerr.NotFound("credential", name)
	}
	if err != nil {
		return "", err
	}
	plaintext, err := open(s.key, rec.Ciphertext, rec.IV, rec.Tag)
	if err != nil {
		return "", ErrDecrypt
	}
	return plaintext, nil
}

// List returns metadata for every credential owned by owner, plaintext excluded.
func (s *Store) List(ctx context.Context, owner string) ([]Meta, error) {
	recs, err := s.repo.ListCredentials(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]Meta, 0, len(recs))
	for _, r := range recs {
		out = append(out, Meta{ID: r.ID, Owner: r.Owner, Name: r.Name, Service: r.Service, CreatedAt: r.CreatedAt, LastRotatedAt: r.LastRotatedAt})
	}
	return out, nil
}

// Rotate re-encrypts a credential's plaintext under the currently unlocked
// key, updating its ciphertext and last-rotated timestamp in place.
func (s *Store) Rotate(ctx context.Context, id, newPlaintext string) error {
	if s.Locked() {
		return ErrNotInitialized
	}
	ciphertext, iv, tag, err := seal(s.key, newPlaintext)
	if err != nil {
		return fmt.Errorf("seal rotated credential: %w", err)
	}
	if err := s.repo.UpdateCredentialCiphertext(ctx, id, ciphertext, iv, tag, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return gatewayerr.NotFound("credential", id)
		}
		return err
	}
	return nil
}

// Delete removes a credential permanently.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteCredential(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return gatewayerr.NotFound("credential", id)
		}
		return err
	}
	return nil
}

func seal(key []byte, plaintext string) (ciphertext, iv, tag []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, err
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	// chacha20poly1305.Seal appends the 16-byte tag to the ciphertext; split
	// them so storage's schema can index/inspect them independently.
	tagStart := len(sealed) - aead.Overhead()
	return sealed[:tagStart], nonce, sealed[tagStart:], nil
}

func open(key, ciphertext, iv, tag []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
