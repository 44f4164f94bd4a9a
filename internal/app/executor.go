package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/shlex"

	"github.com/atlasgw/atlas/internal/approval"
	"github.com/atlasgw/atlas/internal/config"
	"github.com/atlasgw/atlas/internal/execution"
	"github.com/atlasgw/atlas/internal/logging"
	"github.com/atlasgw/atlas/internal/sandbox"
)

// warnStartupSandboxConditions logs the non-fatal sandbox warnings the
// teacher's internal/cli/warnings.go emits, adapted to this gateway's
// security modes.
func warnStartupSandboxConditions(cfg *config.Config) {
	if !sandbox.IsSandboxSupported() && cfg.Security.Mode != config.SecurityModeDanger {
		logging.Logger().Warn("landlock sandboxing is unavailable on this host; dangerous_command execution will run unconfined")
	}
	if cfg.Security.Mode == config.SecurityModeDanger {
		logging.Logger().Warn("security.mode is danger; sandbox and domain-proxy checks are bypassed")
	}
}

// startSandbox applies process-level filesystem restriction (spec §4.11's
// "ro-root container") and starts the outbound domain proxy, unless the
// operator has opted into SecurityModeDanger. Inherited by every
// subprocess this process later spawns via exec.CommandContext.
func startSandbox(cfg *config.Config, checker sandbox.DomainChecker) (*sandbox.DomainProxy, error) {
	warnStartupSandboxConditions(cfg)
	if cfg.Security.Mode == config.SecurityModeDanger {
		return nil, nil
	}

	if err := sandbox.RestrictProcess(cfg.Security.Mode, cfg.DataDir); err != nil {
		if cfg.Security.Mode == config.SecurityModeStrict {
			return nil, fmt.Errorf("apply process sandbox: %w", err)
		}
		logging.Logger().Warn("process sandbox restriction failed", "err", err)
	}

	proxy, err := sandbox.StartDomainProxy(checker)
	if err != nil {
		return nil, fmt.Errorf("start domain proxy: %w", err)
	}
	return proxy, nil
}

// buildExecutor wires the Execution/Undo Manager (C11) to a concrete
// sandboxed executor, per spec §4.11's "cmd allowlist + ro-root
// container + timeout" contract: every category whose action body is a
// shell command (dangerous_command, and network_call/external_api, whose
// action bodies are themselves curl-style commands per spec §4.10's
// worked example) runs through the same allowlisted, timed-out
// subprocess, with network categories additionally routed through the
// sandbox's domain-checking proxy.
func buildExecutor(cfg *config.Config, proxy *sandbox.DomainProxy) execution.Executor {
	allowlist := make(map[string]bool, len(cfg.Security.AllowedCommands))
	for _, c := range cfg.Security.AllowedCommands {
		allowlist[c] = true
	}
	timeout := cfg.Security.CommandTimeout

	return func(ctx context.Context, category, actionBody string) (string, error) {
		switch category {
		case string(approval.CategoryDangerousCommand):
			return runSandboxedCommand(ctx, actionBody, allowlist, timeout, nil)
		case string(approval.CategoryNetworkCall), string(approval.CategoryExternalAPI):
			return runSandboxedCommand(ctx, actionBody, allowlist, timeout, proxy)
		default:
			return "", fmt.Errorf("no sandboxed executor registered for category %q", category)
		}
	}
}

// runSandboxedCommand runs command under a context timeout, rejecting it
// up front if its first token isn't in allowlist (when one is
// configured), and, when proxy is non-nil, routing any outbound HTTP(S)
// traffic the command makes through it. Grounded on the teacher's
// RunCommandTool.Execute (internal/tools/run_command_tool.go): bash -lc,
// CombinedOutput, a context deadline mapped to a distinguishable error.
func runSandboxedCommand(ctx context.Context, command string, allowlist map[string]bool, timeout time.Duration, proxy *sandbox.DomainProxy) (string, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	if len(allowlist) > 0 {
		tokens, err := shlex.Split(command)
		if err != nil || len(tokens) == 0 {
			return "", fmt.Errorf("cannot parse command for allowlist check")
		}
		if !allowlist[tokens[0]] {
			return "", fmt.Errorf("command %q is not in the sandbox allowlist", tokens[0])
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-lc", command)
	cmd.Env = os.Environ()
	if proxy != nil {
		cmd.Env = append(cmd.Env, "http_proxy="+proxy.Addr(), "https_proxy="+proxy.Addr())
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return string(out), fmt.Errorf("command timed out after %s", timeout)
		}
		return string(out), fmt.Errorf("execute command: %w", err)
	}
	return string(out), nil
}
