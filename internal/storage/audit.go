package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
)

// AuditEntry is one append-only record in the closed-taxonomy audit log.
type AuditEntry struct {
	ID       string
	Type     string
	Severity string
	Message  string
	Owner    string
	IP       string
	Metadata string
	At       time.Time
}

func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, type, severity, message, owner, ip, metadata, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Severity, e.Message, e.Owner, e.IP, e.Metadata, e.At.UTC().Format(time.RFC3339Nano))
	return err
}

// AuditFilter narrows an audit query; zero-value fields are unconstrained.
type AuditFilter struct {
	Type string
	From time.Time
	To   time.Time
}

// QueryAuditLog returns entries matching filter, built with goqu against
// the (type, at) index.
func (s *Store) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	ds := s.dialect.From("audit_log").
		Select("id", "type", "severity", "message", "owner", "ip", "metadata", "at").
		Order(goqu.C("at").Asc())

	if filter.Type != "" {
		ds = ds.Where(goqu.C("type").Eq(filter.Type))
	}
	if !filter.From.IsZero() {
		ds = ds.Where(goqu.C("at").Gte(filter.From.UTC().Format(time.RFC3339Nano)))
	}
	if !filter.To.IsZero() {
		ds = ds.Where(goqu.C("at").Lt(filter.To.UTC().Format(time.RFC3339Nano)))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		var owner, ip, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.Message, &owner, &ip, &metadata, &at); err != nil {
			return nil, err
		}
		e.Owner = owner.String
		e.IP = ip.String
		e.Metadata = metadata.String
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneAuditLog deletes entries older than before, returning the count
// removed, per spec §4.14's GC Scheduler retention sweep.
func (s *Store) PruneAuditLog(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE at < ?`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
