package cli

import (
	"errors"

	"github.com/atlasgw/atlas/internal/app"
)

// Exit codes the daemon returns to its process supervisor, per spec §6.
const (
	ExitOK                    = 0
	ExitConfigError            = 2
	ExitCredentialStoreInvalid = 3
	ExitStorageUnreachable     = 4
)

// ExitCode maps a command's returned error to spec §6's process exit
// codes. A nil error is success; everything else is classified by
// unwrapping against the sentinels app.New returns and the configError
// wrapper; any other error maps to ExitConfigError.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, app.ErrStorageUnreachable):
		return ExitStorageUnreachable
	case errors.Is(err, app.ErrCredentialStore):
		return ExitCredentialStoreInvalid
	case errors.As(err, &configError{}):
		return ExitConfigError
	default:
		return ExitConfigError
	}
}

// configError marks an error as a configuration problem for ExitCode's
// classification, without internal/cli importing config's internals
// beyond the Load call already present in start.go.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func wrapConfigError(err error) error {
	if err == nil {
		return nil
	}
	return configError{err: err}
}
