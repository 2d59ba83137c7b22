// Package history manages the append-only version history stored in the
// target database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/satishbabariya/schemaforge/migrate/dialect"
)

// TableName is the reserved history table.
const TableName = "_schema_history"

// InstallScript is the script label recorded for a fresh install of the root version.
const InstallScript = "install"

// Outcome of a history entry.
type Outcome string

const (
	Applied       Outcome = "applied"
	RolledBack    Outcome = "rolled_back"
	FailedPartial Outcome = "failed_partial"
	// Started marks an in-flight script on dialects without transactional DDL.
	Started      Outcome = "started"
	Acknowledged Outcome = "acknowledged"
	Restored     Outcome = "restored"
)

// DBTX is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Entry is one history row. Version is the version the database is at after
// the event.
type Entry struct {
	ID          int64
	Version     string
	FromVersion string
	Script      string
	Checksum    string
	AppliedAt   time.Time
	Operator    string
	Outcome     Outcome
	Detail      string
}

// Manager reads and appends history entries.
type Manager struct {
	db DBTX
	d  dialect.Dialect
}

// NewManager creates a new history manager
func NewManager(db DBTX, d dialect.Dialect) *Manager {
	return &Manager{db: db, d: d}
}

// WithTx returns a manager bound to tx.
func (m *Manager) WithTx(tx DBTX) *Manager {
	return &Manager{db: tx, d: m.d}
}

// InitTable creates the history table if needed
func (m *Manager) InitTable(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, m.createTableSQL()); err != nil {
		return fmt.Errorf("failed to create history table: %w", err)
	}
	return nil
}

// Exists reports whether the history table has been created.
func (m *Manager) Exists(ctx context.Context) (bool, error) {
	var query string
	switch m.d.Name {
	case dialect.Postgres:
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`
	case dialect.MySQL:
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`
	default:
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}

	var n int
	if err := m.db.QueryRowContext(ctx, m.d.Rebind(query), TableName).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check history table: %w", err)
	}
	return n > 0, nil
}

// Append records an entry. AppliedAt defaults to now.
func (m *Manager) Append(ctx context.Context, e *Entry) error {
	if e.AppliedAt.IsZero() {
		e.AppliedAt = time.Now()
	}
	query := m.d.Rebind(`
		INSERT INTO ` + TableName + ` (version, from_version, script, checksum, applied_at, operator, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := m.db.ExecContext(ctx, query,
		e.Version,
		e.FromVersion,
		e.Script,
		e.Checksum,
		e.AppliedAt.UTC().Format(time.RFC3339Nano),
		e.Operator,
		string(e.Outcome),
		e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s entry for %s: %w", e.Outcome, e.Version, err)
	}
	return nil
}

// Entries returns every entry in append order. A database without a history
// table has no entries.
func (m *Manager) Entries(ctx context.Context) ([]Entry, error) {
	exists, err := m.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, version, from_version, script, checksum, applied_at, operator, outcome, detail
		FROM `+TableName+`
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var from, script, checksum, operator, detail sql.NullString
		var appliedAt, outcome string
		if err := rows.Scan(&e.ID, &e.Version, &from, &script, &checksum, &appliedAt, &operator, &outcome, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.FromVersion = from.String
		e.Script = script.String
		e.Checksum = checksum.String
		e.Operator = operator.String
		e.Detail = detail.String
		e.Outcome = Outcome(outcome)
		if t, err := time.Parse(time.RFC3339Nano, appliedAt); err == nil {
			e.AppliedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// State reads the entries and replays them.
func (m *Manager) State(ctx context.Context) (State, error) {
	entries, err := m.Entries(ctx)
	if err != nil {
		return State{}, err
	}
	return Replay(entries), nil
}

func (m *Manager) createTableSQL() string {
	switch m.d.Name {
	case dialect.Postgres:
		return `
			CREATE TABLE IF NOT EXISTS ` + TableName + ` (
				id BIGSERIAL PRIMARY KEY,
				version VARCHAR(32) NOT NULL,
				from_version VARCHAR(32),
				script VARCHAR(255),
				checksum VARCHAR(64),
				applied_at VARCHAR(40) NOT NULL,
				operator VARCHAR(255),
				outcome VARCHAR(32) NOT NULL,
				detail TEXT
			)
		`
	case dialect.MySQL:
		return `
			CREATE TABLE IF NOT EXISTS ` + TableName + ` (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				version VARCHAR(32) NOT NULL,
				from_version VARCHAR(32),
				script VARCHAR(255),
				checksum VARCHAR(64),
				applied_at VARCHAR(40) NOT NULL,
				operator VARCHAR(255),
				outcome VARCHAR(32) NOT NULL,
				detail TEXT
			)
		`
	default:
		return `
			CREATE TABLE IF NOT EXISTS ` + TableName + ` (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				version TEXT NOT NULL,
				from_version TEXT,
				script TEXT,
				checksum TEXT,
				applied_at TEXT NOT NULL,
				operator TEXT,
				outcome TEXT NOT NULL,
				detail TEXT
			)
		`
	}
}
