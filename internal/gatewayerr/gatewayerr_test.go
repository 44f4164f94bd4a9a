package gatewayerr

import "testing"

func TestErrorStringIncludesCodeWhenSet(t *testing.T) {
	e := New(KindValidation, "bad_input", "field is required")
	if got := e.Error(); got != "validation: field is required (bad_input)" {
		t.Fatalf("unexpected error string: %q", got)
	}
}

func TestErrorStringOmitsCodeWhenUnset(t *testing.T) {
	e := &Error{Kind: KindNotFound, Message: "missing"}
	if got := e.Error(); got != "not_found: missing" {
		t.Fatalf("unexpected error string: %q", got)
	}
}

func TestNotFoundConvenienceConstructor(t *testing.T) {
	e := NotFound("approval", "abc-123")
	if e.Kind != KindNotFound {
		t.Fatalf("expected KindNotFound, got %s", e.Kind)
	}
	if e.Message != `approval "abc-123" not found` {
		t.Fatalf("unexpected message: %q", e.Message)
	}
}

func TestWithDetailsAttachesAndReturnsReceiver(t *testing.T) {
	e := New(KindDependency, "timeout", "provider unreachable").WithDetails(map[string]any{"provider": "anthropic"})
	if e.Details["provider"] != "anthropic" {
		t.Fatalf("expected details to be attached, got %+v", e.Details)
	}
}

func TestInvalidStateIsConflictKind(t *testing.T) {
	e := InvalidState("approval already left pending")
	if e.Kind != KindConflict {
		t.Fatalf("expected KindConflict, got %s", e.Kind)
	}
	if e.Code != "invalid_state" {
		t.Fatalf("expected code invalid_state, got %s", e.Code)
	}
}
