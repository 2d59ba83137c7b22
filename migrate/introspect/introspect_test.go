package introspect

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/satishbabariya/schemaforge/migrate/dialect"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "introspect.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func exec(t *testing.T, db *sql.DB, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
}

var sqliteDialect = dialect.Dialect{Name: dialect.SQLite, TransactionalDDL: true}

func TestSQLiteIntrospect(t *testing.T) {
	db := newTestDB(t)
	exec(t, db,
		`CREATE TABLE counties (fips TEXT PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE land_use (
			id INTEGER PRIMARY KEY,
			fips TEXT NOT NULL REFERENCES counties (fips),
			acres REAL DEFAULT 0,
			UNIQUE (fips, id)
		)`,
		`CREATE INDEX idx_land_use_fips ON land_use (fips)`,
		`CREATE VIEW v_acres AS SELECT fips, SUM(acres) AS acres FROM land_use GROUP BY fips`,
		`CREATE TABLE _schema_history (id INTEGER PRIMARY KEY)`,
	)

	s, err := Read(context.Background(), db, sqliteDialect)
	require.NoError(t, err)

	require.Len(t, s.Tables, 2)
	assert.Equal(t, "counties", s.Tables[0].Name)
	_, reserved := s.Table("_schema_history")
	assert.False(t, reserved)

	lu, ok := s.Table("land_use")
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, lu.PrimaryKey)
	require.Len(t, lu.Columns, 3)
	assert.Equal(t, Column{Name: "fips", Type: "TEXT", Nullable: false}, lu.Columns[1])
	require.NotNil(t, lu.Columns[2].Default)
	assert.Equal(t, "0", *lu.Columns[2].Default)
	assert.Contains(t, lu.DDL, "CREATE TABLE land_use")

	// the UNIQUE constraint index is not an explicit index
	require.Len(t, lu.Indexes, 1)
	assert.Equal(t, "idx_land_use_fips", lu.Indexes[0].Name)
	assert.Equal(t, []string{"fips"}, lu.Indexes[0].Columns)
	assert.Equal(t, "CREATE INDEX idx_land_use_fips ON land_use (fips)", lu.Indexes[0].DDL)

	require.Len(t, lu.ForeignKeys, 1)
	assert.Equal(t, "counties", lu.ForeignKeys[0].ReferencedTable)
	assert.Equal(t, []string{"fips"}, lu.ForeignKeys[0].ReferencedColumns)

	v, ok := s.View("v_acres")
	require.True(t, ok)
	require.Len(t, v.Columns, 2)
	assert.Equal(t, "acres", v.Columns[1].Name)
	assert.Equal(t, 1, s.IndexCount())
}

func TestChecksumStable(t *testing.T) {
	db := newTestDB(t)
	exec(t, db,
		`CREATE TABLE b (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE a (id INTEGER PRIMARY KEY, label TEXT)`,
	)

	first, err := Read(context.Background(), db, sqliteDialect)
	require.NoError(t, err)
	second, err := Read(context.Background(), db, sqliteDialect)
	require.NoError(t, err)
	assert.Equal(t, first.Checksum(), second.Checksum())

	exec(t, db, `ALTER TABLE a ADD COLUMN note TEXT`)
	third, err := Read(context.Background(), db, sqliteDialect)
	require.NoError(t, err)
	assert.NotEqual(t, first.Checksum(), third.Checksum())
}

func TestChecksumIgnoresOrderAndWhitespace(t *testing.T) {
	a := &Structure{
		Tables: []Table{{Name: "t2"}, {Name: "t1", Columns: []Column{{Name: "id", Type: "integer"}}}},
		Views:  []View{{Name: "v", Definition: "SELECT  1\n"}},
	}
	b := &Structure{
		Tables: []Table{{Name: "t1", Columns: []Column{{Name: "id", Type: "INTEGER"}}, DDL: "ignored"}, {Name: "t2"}},
		Views:  []View{{Name: "v", Definition: "SELECT 1"}},
	}
	assert.Equal(t, a.Checksum(), b.Checksum())
	// Checksum does not reorder the receiver
	assert.Equal(t, "t2", a.Tables[0].Name)
}

func TestCreateTableDDL(t *testing.T) {
	def := "now()"
	table := &Table{
		Name: "events",
		Columns: []Column{
			{Name: "id", Type: "BIGINT"},
			{Name: "at", Type: "TIMESTAMPTZ", Default: &def},
			{Name: "owner", Type: "TEXT", Nullable: true},
		},
		PrimaryKey:  []string{"id"},
		ForeignKeys: []ForeignKey{{Columns: []string{"owner"}, ReferencedTable: "users", ReferencedColumns: []string{"name"}}},
	}

	ddl := CreateTableDDL(dialect.Dialect{Name: dialect.Postgres}, table)
	assert.Equal(t, `CREATE TABLE "events" (
  "id" BIGINT NOT NULL,
  "at" TIMESTAMPTZ NOT NULL DEFAULT now(),
  "owner" TEXT,
  PRIMARY KEY ("id"),
  FOREIGN KEY ("owner") REFERENCES "users" ("name")
)`, ddl)
}

func TestNewIntrospectorUnsupported(t *testing.T) {
	_, err := NewIntrospector(nil, dialect.Dialect{Name: "oracle"})
	assert.ErrorIs(t, err, dialect.ErrUnsupportedDialect)
}
