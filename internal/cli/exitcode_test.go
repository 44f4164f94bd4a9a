package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/atlasgw/atlas/internal/app"
)

func TestExitCodeNilIsOK(t *testing.T) {
	if got := ExitCode(nil); got != ExitOK {
		t.Fatalf("expected ExitOK, got %d", got)
	}
}

func TestExitCodeStorageUnreachable(t *testing.T) {
	err := fmt.Errorf("wrap: %w", app.ErrStorageUnreachable)
	if got := ExitCode(err); got != ExitStorageUnreachable {
		t.Fatalf("expected ExitStorageUnreachable, got %d", got)
	}
}

func TestExitCodeCredentialStoreInvalid(t *testing.T) {
	err := fmt.Errorf("wrap: %w", app.ErrCredentialStore)
	if got := ExitCode(err); got != ExitCredentialStoreInvalid {
		t.Fatalf("expected ExitCredentialStoreInvalid, got %d", got)
	}
}

func TestExitCodeConfigError(t *testing.T) {
	err := wrapConfigError(errors.New("bad config"))
	if got := ExitCode(err); got != ExitConfigError {
		t.Fatalf("expected ExitConfigError, got %d", got)
	}
}

func TestExitCodeUnknownErrorDefaultsToConfigError(t *testing.T) {
	if got := ExitCode(errors.New("something else")); got != ExitConfigError {
		t.Fatalf("expected default ExitConfigError, got %d", got)
	}
}

func TestWrapConfigErrorNilIsNil(t *testing.T) {
	if err := wrapConfigError(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWrapConfigErrorUnwraps(t *testing.T) {
	inner := errors.New("bad toml")
	wrapped := wrapConfigError(inner)
	if !errors.Is(wrapped, inner) {
		t.Fatalf("expected wrapped error to unwrap to the original")
	}
}
