package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/atlasgw/atlas/internal/config"
)

func TestRunSandboxedCommandAllowedBinaryOK(t *testing.T) {
	out, err := runSandboxedCommand(context.Background(), "echo hello", map[string]bool{"echo": true}, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("execute command: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Fatalf("expected output hello, got %q", out)
	}
}

func TestRunSandboxedCommandRejectsNonAllowlistedBinary(t *testing.T) {
	_, err := runSandboxedCommand(context.Background(), "rm -rf /tmp/whatever", map[string]bool{"echo": true}, 5*time.Second, nil)
	if err == nil {
		t.Fatalf("expected a non-allowlisted command to be rejected")
	}
	if !strings.Contains(err.Error(), "not in the sandbox allowlist") {
		t.Fatalf("expected allowlist rejection error, got %v", err)
	}
}

func TestRunSandboxedCommandEmptyAllowlistIsUnrestricted(t *testing.T) {
	out, err := runSandboxedCommand(context.Background(), "echo hi", nil, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("expected an empty allowlist to leave commands unrestricted, got %v", err)
	}
	if strings.TrimSpace(out) != "hi" {
		t.Fatalf("expected output hi, got %q", out)
	}
}

func TestRunSandboxedCommandTimeoutEnforced(t *testing.T) {
	_, err := runSandboxedCommand(context.Background(), "sleep 1", map[string]bool{"sleep": true}, 10*time.Millisecond, nil)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected a timeout error, got %v", err)
	}
}

func TestBuildExecutorRejectsUnknownCategory(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{CommandTimeout: 5 * time.Second}}
	exec := buildExecutor(cfg, nil)
	if _, err := exec(context.Background(), "file_write", "touch /tmp/x"); err == nil {
		t.Fatalf("expected buildExecutor to only handle shell-actionable categories")
	}
}

func TestBuildExecutorRunsDangerousCommandCategory(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{CommandTimeout: 5 * time.Second}}
	exec := buildExecutor(cfg, nil)
	out, err := exec(context.Background(), "dangerous_command", "echo sandboxed")
	if err != nil {
		t.Fatalf("execute dangerous_command: %v", err)
	}
	if strings.TrimSpace(out) != "sandboxed" {
		t.Fatalf("expected output sandboxed, got %q", out)
	}
}
