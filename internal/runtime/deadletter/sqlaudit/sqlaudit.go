// Package sqlaudit persists archived and purged dead letters to a relational
// audit table. SQLite (mattn/go-sqlite3) and PostgreSQL (lib/pq) are supported.
package sqlaudit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/ticketbus/internal/runtime/deadletter"
	"github.com/drblury/ticketbus/internal/runtime/jsoncodec"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	ActionArchived = "archived"
	ActionPurged   = "purged"
)

// Record is one row of the audit trail.
type Record struct {
	ID          int64
	Action      string
	MessageID   string
	Service     string
	MessageType string
	Payload     []byte
	Headers     map[string]string
	Reason      string
	RetryCount  int
	EnqueuedAt  time.Time
	ArchivedAt  *time.Time
	RecordedAt  time.Time
}

type dialect struct {
	schema      string
	placeholder func(n int) string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		schema: `
		CREATE TABLE IF NOT EXISTS dead_letter_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			message_id TEXT NOT NULL,
			service TEXT NOT NULL,
			message_type TEXT,
			payload BLOB,
			headers TEXT,
			reason TEXT,
			retry_count INTEGER DEFAULT 0,
			enqueued_at TIMESTAMP NOT NULL,
			archived_at TIMESTAMP,
			recorded_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letter_audit_service ON dead_letter_audit(service, recorded_at);`,
		placeholder: func(int) string { return "?" },
	},
	DriverPostgres: {
		schema: `
		CREATE TABLE IF NOT EXISTS dead_letter_audit (
			id BIGSERIAL PRIMARY KEY,
			action TEXT NOT NULL,
			message_id TEXT NOT NULL,
			service TEXT NOT NULL,
			message_type TEXT,
			payload BYTEA,
			headers TEXT,
			reason TEXT,
			retry_count INTEGER DEFAULT 0,
			enqueued_at TIMESTAMPTZ NOT NULL,
			archived_at TIMESTAMPTZ,
			recorded_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letter_audit_service ON dead_letter_audit(service, recorded_at);`,
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	},
}

// Sink writes dead letter audit records. It implements deadletter.AuditSink.
type Sink struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
	ownsDB  bool
}

var _ deadletter.AuditSink = (*Sink)(nil)

// Open connects to dsn with driver and prepares the audit table.
func Open(ctx context.Context, driver, dsn string) (*Sink, error) {
	if _, ok := dialects[driver]; !ok {
		return nil, fmt.Errorf("sqlaudit: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s, err := New(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New wraps an existing connection pool. The caller keeps ownership of db.
func New(ctx context.Context, db *sql.DB, driver string) (*Sink, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("sqlaudit: unsupported driver %q", driver)
	}
	s := &Sink{db: db, dialect: d, now: time.Now}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return s, nil
}

// Close releases the connection pool when the sink opened it.
func (s *Sink) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Sink) insertSQL() string {
	ph := make([]string, 11)
	for i := range ph {
		ph[i] = s.dialect.placeholder(i + 1)
	}
	return `INSERT INTO dead_letter_audit
		(action, message_id, service, message_type, payload, headers, reason, retry_count, enqueued_at, archived_at, recorded_at)
		VALUES (` + strings.Join(ph, ", ") + `)`
}

// RecordArchived stores an archived entry.
func (s *Sink) RecordArchived(ctx context.Context, entry deadletter.Entry) error {
	return s.write(ctx, ActionArchived, []deadletter.Entry{entry})
}

// RecordPurged stores purged entries in a single transaction.
func (s *Sink) RecordPurged(ctx context.Context, entries []deadletter.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.write(ctx, ActionPurged, entries)
}

func (s *Sink) write(ctx context.Context, action string, entries []deadletter.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, s.insertSQL())
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	recordedAt := s.now().UTC()
	for _, e := range entries {
		headers, err := jsoncodec.Marshal(map[string]string(e.Message.Headers))
		if err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
		var archivedAt any
		if e.ArchivedAt != nil {
			archivedAt = e.ArchivedAt.UTC()
		}
		_, err = stmt.ExecContext(ctx,
			action,
			e.Message.ID,
			e.Message.TargetService,
			e.Message.Type,
			e.Message.Payload,
			string(headers),
			e.Reason,
			e.RetryCount,
			e.EnqueuedAt.UTC(),
			archivedAt,
			recordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit record for %s: %w", e.Message.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit records: %w", err)
	}
	return nil
}

// List returns the most recent audit records of service, newest first.
// A non-positive limit returns every record.
func (s *Sink) List(ctx context.Context, service string, limit int) ([]Record, error) {
	query := `SELECT id, action, message_id, service, message_type, payload, headers, reason, retry_count, enqueued_at, archived_at, recorded_at
		FROM dead_letter_audit WHERE service = ` + s.dialect.placeholder(1) + ` ORDER BY id DESC`
	args := []any{service}
	if limit > 0 {
		query += ` LIMIT ` + s.dialect.placeholder(2)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r           Record
			messageType sql.NullString
			headers     sql.NullString
			reason      sql.NullString
			archivedAt  sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Action, &r.MessageID, &r.Service, &messageType, &r.Payload,
			&headers, &reason, &r.RetryCount, &r.EnqueuedAt, &archivedAt, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		r.MessageType = messageType.String
		r.Reason = reason.String
		if headers.Valid && headers.String != "" {
			if err := jsoncodec.Unmarshal([]byte(headers.String), &r.Headers); err != nil {
				return nil, fmt.Errorf("failed to decode headers of %s: %w", r.MessageID, err)
			}
		}
		if archivedAt.Valid {
			t := archivedAt.Time
			r.ArchivedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
