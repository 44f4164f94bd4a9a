package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/shlex"
	"github.com/ryanuber/go-glob"
)

// Risk is the closed severity set for an approval request.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

var riskOrder = map[Risk]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// Covers reports whether ceiling is at least as permissive as r (ceiling
// >= r in the Risk ordering), used by auto-approval rule matching.
func (r Risk) Covers(ceiling Risk) bool {
	return riskOrder[ceiling] >= riskOrder[r]
}

// highRiskPaths are filesystem path globs (doublestar syntax, supporting
// "**") that escalate a file_write/file_delete request, grounded on the
// spec's explicit examples: /etc/**, home dotfiles, credential-adjacent
// names.
var highRiskPaths = []string{
	"/etc/**",
	"/boot/**",
	"/root/.ssh/**",
	"**/.ssh/**",
	"**/.aws/**",
	"**/.gnupg/**",
	"**/.env",
	"**/.env.*",
	"**/*credential*",
	"**/*secret*",
	"**/id_rsa*",
	"**/*.pem",
}

// exfilHosts are recognized exfiltration-risk network targets (paste
// bins, raw file hosts commonly used to stage data egress).
var exfilHosts = []string{
	"pastebin.com", "*.pastebin.com",
	"transfer.sh", "file.io", "0x0.st",
	"*.ngrok.io", "*.requestcatcher.com",
}

// dangerousTokens are single argv tokens that, by themselves, escalate a
// dangerous_command request: privilege escalation and code-eval
// primitives, matched whole-token (post-tokenization) to avoid the
// false positives a raw substring scan invites ("sudoers" containing
// "sudo").
var dangerousTokens = map[string]bool{
	"sudo": true, "eval": true, "exec": true, "mkfs": true,
}

// dangerousTokenSequences are contiguous argv subsequences that escalate
// a dangerous_command request: destructive recursive deletes and
// unsafe permission/ownership changes.
var dangerousTokenSequences = [][]string{
	{"rm", "-rf"}, {"rm", "-fr"}, {"chmod", "777"}, {"chown", "-r"},
}

// dangerousRawSubstrings catch shell syntax shlex cannot tokenize as
// flat argv (pipes, fork bombs, command substitution): pipe-to-shell,
// a fork bomb, and raw device writes.
var dangerousRawSubstrings = []string{
	"dd if=", ":(){ :|:& };:", "| sh", "| bash", "curl | sh", "wget -o- |",
}

// Scorer maps (category, action body) to a Risk per spec §4.10's
// deny-first matcher. It is stateless except for a per-(owner,category)
// escalation counter that counts every scored request: repeated requests
// in the same category escalate the assigned level.
type Scorer struct {
	mu       sync.Mutex
	counters map[string]int
	// EscalateAfter is how many prior scored requests for the same (owner,
	// category) bump each later request's level by one tier.
	EscalateAfter int
}

// NewScorer builds a Scorer with the default escalation threshold.
func NewScorer() *Scorer {
	return &Scorer{counters: make(map[string]int), EscalateAfter: 3}
}

// Score classifies a request per spec §4.10.
func (s *Scorer) Score(category, actionBody, owner string) Risk {
	risk := s.scoreBase(category, actionBody)
	if s.escalated(owner, category) {
		risk = bumpRisk(risk)
	}
	s.recordMatch(owner, category)
	return risk
}

func (s *Scorer) scoreBase(category, actionBody string) Risk {
	lower := strings.ToLower(actionBody)
	switch category {
	case "file_write", "file_delete":
		for _, pattern := range highRiskPaths {
			if ok, _ := doublestar.Match(pattern, actionBody); ok {
				return RiskHigh
			}
		}
		return RiskMedium
	case "network_call", "external_api":
		for _, pattern := range exfilHosts {
			if glob.Glob(pattern, lower) {
				return RiskHigh
			}
		}
		if strings.Contains(actionBody, "*") {
			return RiskHigh
		}
		return RiskLow
	case "dangerous_command":
		if tokens, err := shlex.Split(actionBody); err == nil {
			for _, t := range tokens {
				if dangerousTokens[strings.ToLower(t)] {
					return RiskCritical
				}
			}
			lowerTokens := make([]string, len(tokens))
			for i, t := range tokens {
				lowerTokens[i] = strings.ToLower(t)
			}
			for _, seq := range dangerousTokenSequences {
				if containsAdjacent(lowerTokens, seq) {
					return RiskCritical
				}
			}
		}
		for _, substr := range dangerousRawSubstrings {
			if strings.Contains(lower, substr) {
				return RiskCritical
			}
		}
		return RiskHigh
	case "credential_use":
		return RiskMedium
	case "system_config":
		return RiskHigh
	default:
		return RiskLow
	}
}

func (s *Scorer) escalated(owner, category string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[owner+"|"+category] >= s.EscalateAfter
}

func (s *Scorer) recordMatch(owner, category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[owner+"|"+category]++
}

// containsAdjacent reports whether seq occurs as a contiguous
// subsequence of tokens, grounded on the teacher's tokenized
// command-pattern matcher in internal/approval/commands.go.
func containsAdjacent(tokens, seq []string) bool {
	if len(seq) == 0 || len(tokens) < len(seq) {
		return false
	}
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j, s := range seq {
			if tokens[i+j] != s {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func bumpRisk(r Risk) Risk {
	switch r {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Allow implements internal/sandbox's DomainChecker: it rejects a host the
// network_call/external_api risk scan would flag above low risk (the same
// exfiltration-host denylist approval requests are scored against),
// so the sandbox's outbound domain proxy enforces the identical policy a
// pending approval would have been scored with.
func (s *Scorer) Allow(_ context.Context, host string) error {
	if s.scoreBase("network_call", host) != RiskLow {
		return fmt.Errorf("domain %q blocked by sandbox policy", host)
	}
	return nil
}

// MatchOperationGlob reports whether operation matches an auto-approval
// rule's glob pattern (shell-style, single "*" wildcard, per the
// teacher's run_command allow/deny pattern matching).
func MatchOperationGlob(pattern, operation string) bool {
	return glob.Glob(pattern, operation)
}
