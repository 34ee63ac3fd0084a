package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStorage persists audit entries in a local SQLite database. The
// audit_log table is append-only; nothing in this type updates or
// deletes rows.
type SQLiteStorage struct {
	db *sql.DB
}

const createAuditTable = `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	caller_id INTEGER NOT NULL,
	command TEXT NOT NULL,
	target TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL,
	latency_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log (ts);
CREATE INDEX IF NOT EXISTS idx_audit_log_caller ON audit_log (caller_id);
`

// OpenSQLite opens (creating if needed) the audit database at path.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit db path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create audit db directory: %w", err)
		}
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	if _, err := db.Exec(createAuditTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Append persists one entry in a single transaction.
func (s *SQLiteStorage) Append(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, ts, caller_id, command, target, outcome, detail, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().UnixMilli(),
		e.CallerID,
		e.Command,
		e.Target,
		string(e.Outcome),
		e.Detail,
		e.Latency.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Entries returns matching entries, newest first.
func (s *SQLiteStorage) Entries(ctx context.Context, q Query) ([]*Entry, error) {
	query := `SELECT id, ts, caller_id, command, target, outcome, detail, latency_ms FROM audit_log WHERE 1=1`
	var args []any
	if q.CallerID != 0 {
		query += ` AND caller_id = ?`
		args = append(args, q.CallerID)
	}
	if q.Command != "" {
		query += ` AND command = ?`
		args = append(args, q.Command)
	}
	if !q.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, q.Since.UTC().UnixMilli())
	}
	query += ` ORDER BY ts DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var ts, latencyMS int64
		var outcome string
		if err := rows.Scan(&e.ID, &ts, &e.CallerID, &e.Command, &e.Target, &outcome, &e.Detail, &latencyMS); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.Outcome = Outcome(outcome)
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries.
func (s *SQLiteStorage) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
