// Package storage is the gateway's relational repository. The CORE depends
// only on the narrow interfaces each component package declares for itself;
// Store is the single concrete implementation, backed by a pure-Go SQLite
// driver so the daemon has no cgo dependency, with goqu building the
// indexed range queries spec §6 calls out (approvals by (status,
// expires_at), trust signals by (type, measured_at), audit by (type, at),
// cost entries by timestamp).
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "modernc.org/sqlite"
)

// Store is the concrete relational repository backing every component's
// persistence needs.
type Store struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

// Open opens (creating if necessary) the SQLite database at dsn and applies
// the schema migration.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open storage %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // SQLite: serialize writes at the connection pool level.

	s := &Store{db: db, dialect: goqu.Dialect("sqlite3")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate storage: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components that need raw access
// (transactions spanning multiple repository calls).
func (s *Store) DB() *sql.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	service TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	iv BLOB NOT NULL,
	tag BLOB NOT NULL,
	kdf_params TEXT NOT NULL,
	created_at TEXT NOT NULL,
	last_rotated_at TEXT,
	UNIQUE(owner, name)
);

CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	public_key BLOB NOT NULL,
	paired_at TEXT NOT NULL,
	last_seen_at TEXT,
	trusted INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner);

CREATE TABLE IF NOT EXISTS pairing_challenges (
	id TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	nonce BLOB NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	device_id TEXT NOT NULL,
	mfa_verified INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	revoked INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_refresh_owner ON refresh_tokens(owner);

CREATE TABLE IF NOT EXISTS cost_entries (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	task_type TEXT,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_cost_timestamp ON cost_entries(timestamp);

CREATE TABLE IF NOT EXISTS budget_fired_thresholds (
	period_key TEXT NOT NULL,
	threshold INTEGER NOT NULL,
	PRIMARY KEY(period_key, threshold)
);

CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	operation TEXT NOT NULL,
	action_body TEXT NOT NULL,
	risk TEXT NOT NULL,
	context_text TEXT NOT NULL,
	technical_details TEXT,
	session_id TEXT NOT NULL,
	owner TEXT,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	status TEXT NOT NULL,
	auto_rule_id TEXT,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_approvals_status_expires ON approval_requests(status, expires_at);

CREATE TABLE IF NOT EXISTS approval_audit (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	action TEXT NOT NULL,
	at TEXT NOT NULL,
	actor TEXT,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_approval_audit_request ON approval_audit(request_id);
CREATE INDEX IF NOT EXISTS idx_approval_audit_at ON approval_audit(at);

CREATE TABLE IF NOT EXISTS auto_approval_rules (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	operation_glob TEXT NOT NULL,
	risk_ceiling TEXT NOT NULL,
	owner TEXT,
	expires_at TEXT
);

CREATE TABLE IF NOT EXISTS undo_tickets (
	request_id TEXT PRIMARY KEY,
	executed_at TEXT NOT NULL,
	undo_deadline TEXT NOT NULL,
	compensation_fn_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_undo_deadline ON undo_tickets(undo_deadline);

CREATE TABLE IF NOT EXISTS trust_signals (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	value REAL NOT NULL,
	level TEXT NOT NULL,
	numerator REAL,
	denominator REAL,
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	measured_at TEXT NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_trust_signals_type_measured ON trust_signals(type, measured_at);

CREATE TABLE IF NOT EXISTS trust_regressions (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	trigger TEXT NOT NULL,
	severity TEXT NOT NULL,
	description TEXT NOT NULL,
	user_reported INTEGER NOT NULL,
	user_feedback TEXT,
	briefing_id TEXT,
	at TEXT NOT NULL,
	resolved INTEGER NOT NULL DEFAULT 0,
	resolved_at TEXT,
	resolution TEXT
);
CREATE INDEX IF NOT EXISTS idx_trust_regressions_at ON trust_regressions(at);

CREATE TABLE IF NOT EXISTS rollout_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	phase INTEGER NOT NULL,
	consecutive_clean_days INTEGER NOT NULL,
	last_clean_day_check TEXT,
	total_users INTEGER NOT NULL,
	active_users INTEGER NOT NULL,
	frozen INTEGER NOT NULL DEFAULT 0,
	frozen_at TEXT,
	freeze_reason TEXT,
	frozen_by TEXT,
	briefings_disabled INTEGER NOT NULL DEFAULT 0,
	last_phase_change TEXT
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	owner TEXT,
	ip TEXT,
	metadata TEXT,
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_type_at ON audit_log(type, at);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
