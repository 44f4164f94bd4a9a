// Package audit implements the append-only audit log (C16): every
// security-relevant event types into the closed taxonomy spec §4.16
// defines, with CSV/JSON export for operator review.
package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atlasgw/atlas/internal/storage"
)

// Severity is the closed severity set for an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Type is one leaf of the closed event taxonomy spec §4.16 names, written
// as "category:event" (e.g. "approval:created").
type Type string

const (
	AuthLogin        Type = "auth:login"
	AuthLogout       Type = "auth:logout"
	AuthMFAVerify    Type = "auth:mfa_verify"
	AuthFailedLogin  Type = "auth:failed_login"

	ApprovalCreated      Type = "approval:created"
	ApprovalApproved     Type = "approval:approved"
	ApprovalDenied       Type = "approval:denied"
	ApprovalExpired      Type = "approval:expired"
	ApprovalAutoApproved Type = "approval:auto_approved"

	CredentialCreated Type = "credential:created"
	CredentialAccessed Type = "credential:accessed"
	CredentialRotated Type = "credential:rotated"
	CredentialDeleted Type = "credential:deleted"

	SandboxExecution Type = "sandbox:execution"
	SandboxBlocked   Type = "sandbox:blocked"

	SecurityInjectionBlocked     Type = "security:injection_blocked"
	SecurityExfiltrationBlocked Type = "security:exfiltration_blocked"
	SecurityAlert                Type = "security:alert"

	NetworkRequestBlocked Type = "network:request_blocked"

	SessionCreated     Type = "session:created"
	SessionInvalidated Type = "session:invalidated"

	ConfigChanged Type = "config:changed"

	TrustStaleData          Type = "trust:stale_data"
	TrustSilentFailure      Type = "trust:silent_failure"
	TrustBehaviorChange     Type = "trust:behavior_change"
	TrustUserReport         Type = "trust:user_report"
	TrustMemoryAttribution Type = "trust:memory_attribution"
	TrustCascadeFailure     Type = "trust:cascade_failure"
	TrustSignalStop         Type = "trust:signal_stop"

	RolloutFreeze              Type = "rollout:freeze"
	RolloutUnfreeze            Type = "rollout:unfreeze"
	RolloutPhaseChange         Type = "rollout:phase_change"
	RolloutBriefingsDisabled   Type = "rollout:briefings_disabled"
	RolloutBriefingsEnabled    Type = "rollout:briefings_enabled"
	RolloutEligibilityAssessed Type = "rollout:eligibility_assessed"
	RolloutCleanDay            Type = "rollout:clean_day"
	RolloutCleanDaysReset      Type = "rollout:clean_days_reset"
)

// Repo is the narrow storage dependency the audit log needs.
type Repo interface {
	InsertAuditEntry(ctx context.Context, e storage.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter storage.AuditFilter) ([]storage.AuditEntry, error)
	PruneAuditLog(ctx context.Context, before time.Time) (int, error)
}

// Log appends and queries the security-relevant event record.
type Log struct {
	repo Repo
}

// New builds a Log over repo.
func New(repo Repo) *Log {
	return &Log{repo: repo}
}

// Entry is the caller-visible shape of one recorded event.
type Entry struct {
	ID       string
	Type     Type
	Severity Severity
	Message  string
	Owner    string
	IP       string
	Metadata map[string]any
	At       time.Time
}

// Record appends e to the log, stamping id and at if unset.
func (l *Log) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	var metaJSON string
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metaJSON = string(b)
	}
	return l.repo.InsertAuditEntry(ctx, storage.AuditEntry{
		ID: e.ID, Type: string(e.Type), Severity: string(e.Severity), Message: e.Message,
		Owner: e.Owner, IP: e.IP, Metadata: metaJSON, At: e.At,
	})
}

// Filter narrows a Query call; zero-value fields are unconstrained.
type Filter struct {
	Type Type
	From time.Time
	To   time.Time
}

// Query returns entries matching filter in chronological order.
func (l *Log) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	rows, err := l.repo.QueryAuditLog(ctx, storage.AuditFilter{Type: string(filter.Type), From: filter.From, To: filter.To})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{ID: r.ID, Type: Type(r.Type), Severity: Severity(r.Severity), Message: r.Message,
			Owner: r.Owner, IP: r.IP, At: r.At}
		if r.Metadata != "" {
			_ = json.Unmarshal([]byte(r.Metadata), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, nil
}

// PruneAuditLog deletes entries older than before, for the GC
// Scheduler's (C14) retention sweep.
func (l *Log) PruneAuditLog(ctx context.Context, before time.Time) (int, error) {
	return l.repo.PruneAuditLog(ctx, before)
}

// ExportJSON writes the given entries to w as a JSON array.
func ExportJSON(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// ExportCSV writes the given entries to w as CSV, metadata flattened to
// its JSON-encoded string form.
func ExportCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "type", "severity", "message", "owner", "ip", "metadata", "at"}); err != nil {
		return err
	}
	for _, e := range entries {
		var metaStr string
		if len(e.Metadata) > 0 {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return err
			}
			metaStr = string(b)
		}
		row := []string{e.ID, string(e.Type), string(e.Severity), e.Message, e.Owner, e.IP, metaStr,
			strconv.FormatInt(e.At.UTC().Unix(), 10)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
