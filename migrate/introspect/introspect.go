// Package introspect reads the live structure of a database.
package introspect

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/satishbabariya/schemaforge/migrate/dialect"
)

// ErrIntrospectionFailed wraps catalog query failures.
var ErrIntrospectionFailed = errors.New("database introspection failed")

// ReservedPrefix marks tables owned by the engine itself. They are never
// reported as part of a structure.
const ReservedPrefix = "_schema_"

// IsReserved reports whether name belongs to the engine.
func IsReserved(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), ReservedPrefix)
}

// Queryer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Introspector reads the database structure
type Introspector interface {
	Introspect(ctx context.Context) (*Structure, error)
}

// Structure is a structural snapshot of a database.
type Structure struct {
	Tables []Table `json:"tables"`
	Views  []View  `json:"views"`
}

// Table represents a database table
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key,omitempty"`
	Indexes     []Index      `json:"indexes,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
	// DDL recreates the table without its secondary indexes.
	DDL string `json:"-"`
}

// Column represents a table column
type Column struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Nullable bool    `json:"nullable"`
	Default  *string `json:"default,omitempty"`
}

// Index represents a secondary index created explicitly
type Index struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
	DDL     string   `json:"-"`
}

// ForeignKey represents a foreign key constraint
type ForeignKey struct {
	Columns           []string `json:"columns"`
	ReferencedTable   string   `json:"referenced_table"`
	ReferencedColumns []string `json:"referenced_columns"`
}

// View represents a database view
type View struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	Definition string   `json:"definition"`
	DDL        string   `json:"-"`
}

// NewIntrospector creates an introspector for the dialect. q may be a
// database, a transaction or a pinned connection.
func NewIntrospector(q Queryer, d dialect.Dialect) (Introspector, error) {
	switch d.Name {
	case dialect.Postgres:
		return &PostgresIntrospector{q: q, d: d}, nil
	case dialect.MySQL:
		return &MySQLIntrospector{q: q, d: d}, nil
	case dialect.SQLite:
		return &SQLiteIntrospector{q: q}, nil
	default:
		return nil, fmt.Errorf("%w: no introspector for %s", dialect.ErrUnsupportedDialect, d.Name)
	}
}

// Read is a convenience wrapper around NewIntrospector and Introspect.
func Read(ctx context.Context, q Queryer, d dialect.Dialect) (*Structure, error) {
	in, err := NewIntrospector(q, d)
	if err != nil {
		return nil, err
	}
	return in.Introspect(ctx)
}

// Table looks up a table by name.
func (s *Structure) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// View looks up a view by name.
func (s *Structure) View(name string) (*View, bool) {
	for i := range s.Views {
		if strings.EqualFold(s.Views[i].Name, name) {
			return &s.Views[i], true
		}
	}
	return nil, false
}

// IndexCount returns the number of secondary indexes across all tables.
func (s *Structure) IndexCount() int {
	n := 0
	for _, t := range s.Tables {
		n += len(t.Indexes)
	}
	return n
}

// Normalize sorts tables, views, indexes and foreign keys by name so that two
// snapshots of the same structure compare equal. Column order is kept.
func (s *Structure) Normalize() *Structure {
	sort.Slice(s.Tables, func(i, j int) bool { return s.Tables[i].Name < s.Tables[j].Name })
	sort.Slice(s.Views, func(i, j int) bool { return s.Views[i].Name < s.Views[j].Name })
	for i := range s.Tables {
		t := &s.Tables[i]
		sort.Slice(t.Indexes, func(a, b int) bool { return t.Indexes[a].Name < t.Indexes[b].Name })
		sort.Slice(t.ForeignKeys, func(a, b int) bool {
			ka := t.ForeignKeys[a].ReferencedTable + "(" + strings.Join(t.ForeignKeys[a].Columns, ",")
			kb := t.ForeignKeys[b].ReferencedTable + "(" + strings.Join(t.ForeignKeys[b].Columns, ",")
			return ka < kb
		})
	}
	if s.Tables == nil {
		s.Tables = []Table{}
	}
	if s.Views == nil {
		s.Views = []View{}
	}
	return s
}

// Checksum returns a stable hash of the structure. DDL text is excluded; view
// definitions are compared with whitespace collapsed.
func (s *Structure) Checksum() string {
	cp := s.clone().Normalize()
	for i := range cp.Views {
		cp.Views[i].Definition = CollapseSpace(cp.Views[i].Definition)
	}
	for i := range cp.Tables {
		for j := range cp.Tables[i].Columns {
			cp.Tables[i].Columns[j].Type = strings.ToUpper(cp.Tables[i].Columns[j].Type)
		}
	}
	raw, _ := json.Marshal(cp)
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:])
}

func (s *Structure) clone() *Structure {
	raw, _ := json.Marshal(s)
	var cp Structure
	_ = json.Unmarshal(raw, &cp)
	return &cp
}

// CollapseSpace folds runs of whitespace into a single space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
