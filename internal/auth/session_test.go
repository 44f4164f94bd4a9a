package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atlasgw/atlas/internal/storage"
)

func TestVerifyAccessRequireMFARejectsUnverifiedSession(t *testing.T) {
	ctx := context.Background()
	repo := newFakeAuthRepo()
	authr := NewAuthenticator(repo, []byte("test-signing-key-0123456789"), 15*time.Minute, 7*24*time.Hour)

	dev := storage.Device{ID: uuid.NewString(), Owner: "owner1", Trusted: true}
	repo.devices[dev.ID] = dev

	session, err := authr.IssueSession(ctx, dev, false)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	if _, err := authr.VerifyAccessRequireMFA(session.AccessToken); err != ErrMFARequired {
		t.Fatalf("expected ErrMFARequired for an unverified session, got %v", err)
	}

	// VerifyAccess itself must still succeed: the MFA gate is additive,
	// reserved for callers other than enrollment/emergency-code use.
	if _, err := authr.VerifyAccess(session.AccessToken); err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
}

func TestVerifyAccessRequireMFAAllowsVerifiedSession(t *testing.T) {
	ctx := context.Background()
	repo := newFakeAuthRepo()
	authr := NewAuthenticator(repo, []byte("test-signing-key-0123456789"), 15*time.Minute, 7*24*time.Hour)

	dev := storage.Device{ID: uuid.NewString(), Owner: "owner1", Trusted: true}
	repo.devices[dev.ID] = dev

	session, err := authr.IssueSession(ctx, dev, true)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	claims, err := authr.VerifyAccessRequireMFA(session.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessRequireMFA: %v", err)
	}
	if claims.Owner != dev.Owner || claims.DeviceID != dev.ID {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}
