// Package gatewayerr defines the structured error taxonomy crossing the
// core's operation boundary, per the error handling design: every
// caller-visible failure is a typed record, never a bare panic.
package gatewayerr

import "fmt"

// Kind classifies an error for routing and audit decisions. Kinds are a
// closed set; callers switch on Kind, never on error string content.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindDependency     Kind = "dependency"
	KindResource       Kind = "resource"
	KindTrustHalt      Kind = "trust_halt"
)

// Error is the structured record surfaced to callers across the core
// boundary: {kind, code, message, details}.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a structured error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WithDetails attaches additional structured context and returns the
// receiver for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// NotFound is a convenience constructor for the common not-found case.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, "not_found", fmt.Sprintf("%s %q not found", resource, id))
}

// Conflict is a convenience constructor for the common conflict case.
func Conflict(code, message string) *Error {
	return New(KindConflict, code, message)
}

// InvalidState reports a disallowed state transition (e.g. double approval
// transition, used-refresh-token replay).
func InvalidState(message string) *Error {
	return New(KindConflict, "invalid_state", message)
}

// Validation is a convenience constructor for malformed-input errors.
func Validation(message string) *Error {
	return New(KindValidation, "validation", message)
}
