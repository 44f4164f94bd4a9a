package credential

import (
	"context"
	"testing"
	"time"

	"github.com/atlasgw/atlas/internal/storage"
	"github.com/google/uuid"
)

type fakeRepo struct {
	byID   map[string]storage.Credential
	byName map[string]string // owner/name -> id
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: map[string]storage.Credential{}, byName: map[string]string{}}
}

func (f *fakeRepo) InsertCredential(_ context.Context, c storage.Credential) error {
	f.byID[c.ID] = c
	f.byName[c.Owner+"/"+c.Name] = c.ID
	return nil
}

func (f *fakeRepo) GetCredential(_ context.Context, id string) (storage.Credential, error) {
	c, ok := f.byID[id]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeRepo) GetCredentialByName(_ context.Context, owner, name string) (storage.Credential, error) {
	id, ok := f.byName[owner+"/"+name]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return f.byID[id], nil
}

func (f *fakeRepo) ListCredentials(_ context.Context, owner string) ([]storage.Credential, error) {
	var out []storage.Credential
	for _, c := range f.byID {
		if c.Owner == owner {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateCredentialCiphertext(_ context.Context, id string, ciphertext, iv, tag []byte, rotatedAt time.Time) error {
	c, ok := f.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Ciphertext, c.IV, c.Tag = ciphertext, iv, tag
	c.LastRotatedAt = &rotatedAt
	f.byID[id] = c
	return nil
}

func (f *fakeRepo) DeleteCredential(_ context.Context, id string) error {
	if _, ok := f.byID[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeRepo())
	s.Unlock("correct horse battery staple", []byte("0123456789abcdef"))

	meta, err := s.StoreSecret(ctx, "owner1", "anthropic-key", "anthropic", "sk-ant-secret")
	if err != nil {
		t.Fatalf("StoreSecret: %v", err)
	}

	got, err := s.Retrieve(ctx, meta.ID)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got != "sk-ant-secret" {
		t.Fatalf("expected round-tripped plaintext, got %q", got)
	}
}

func TestRetrieveWhileLockedFails(t *testing.T) {
	s := New(newFakeRepo())
	if _, err := s.Retrieve(context.Background(), uuid.NewString()); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeRepo())
	s.Unlock("passphrase", []byte("0123456789abcdef"))

	if _, err := s.StoreSecret(ctx, "owner1", "dup", "svc", "v1"); err != nil {
		t.Fatalf("first StoreSecret: %v", err)
	}
	if _, err := s.StoreSecret(ctx, "owner1", "dup", "svc", "v2"); err != ErrDuplicateName {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestRotatePreservesPlaintextUnderNewCiphertext(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeRepo())
	s.Unlock("passphrase", []byte("0123456789abcdef"))

	meta, err := s.StoreSecret(ctx, "owner1", "k", "svc", "v1")
	if err != nil {
		t.Fatalf("StoreSecret: %v", err)
	}
	if err := s.Rotate(ctx, meta.ID, "v2"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	got, err := s.Retrieve(ctx, meta.ID)
	if err != nil {
		t.Fatalf("Retrieve after rotate: %v", err)
	}
	if got != "v2" {
		t.Fatalf("expected v2 after rotation, got %q", got)
	}
}

func TestWrongKeyFailsDecrypt(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	s1 := New(repo)
	s1.Unlock("passphrase-a", []byte("0123456789abcdef"))
	meta, err := s1.StoreSecret(ctx, "owner1", "k", "svc", "secret")
	if err != nil {
		t.Fatalf("StoreSecret: %v", err)
	}

	s2 := New(repo)
	s2.Unlock("passphrase-b", []byte("0123456789abcdef"))
	if _, err := s2.Retrieve(ctx, meta.ID); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt with wrong key, got %v", err)
	}
}
