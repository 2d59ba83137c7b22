package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/satishbabariya/schemaforge/migrate/dialect"
)

// PostgresIntrospector implements introspection for PostgreSQL. Only the
// current schema is read.
type PostgresIntrospector struct {
	q Queryer
	d dialect.Dialect
}

// Introspect reads the PostgreSQL database schema
func (i *PostgresIntrospector) Introspect(ctx context.Context) (*Structure, error) {
	names, err := i.tableNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntrospectionFailed, err)
	}

	s := &Structure{}
	for _, name := range names {
		if IsReserved(name) {
			continue
		}
		table := Table{Name: name}

		if table.Columns, err = i.introspectColumns(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to introspect columns for %s: %w", name, err)
		}
		if table.PrimaryKey, err = i.introspectPrimaryKey(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to introspect primary key for %s: %w", name, err)
		}
		if table.Indexes, err = i.introspectIndexes(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to introspect indexes for %s: %w", name, err)
		}
		if table.ForeignKeys, err = i.introspectForeignKeys(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to introspect foreign keys for %s: %w", name, err)
		}
		table.DDL = CreateTableDDL(i.d, &table)
		s.Tables = append(s.Tables, table)
	}

	views, err := i.introspectViews(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect views: %w", err)
	}
	s.Views = views

	return s.Normalize(), nil
}

func (i *PostgresIntrospector) tableNames(ctx context.Context) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema()
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`
	return queryStrings(ctx, i.q, query)
}

// introspectColumns reads all columns for a table or view
func (i *PostgresIntrospector) introspectColumns(ctx context.Context, tableName string) ([]Column, error) {
	query := `
		SELECT
			column_name,
			data_type,
			udt_name,
			is_nullable,
			column_default,
			character_maximum_length,
			numeric_precision,
			numeric_scale
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		  AND table_name = $1
		ORDER BY ordinal_position
	`

	rows, err := i.q.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var col Column
		var dataType, udtName, isNullable string
		var defaultValue sql.NullString
		var maxLength, numPrecision, numScale sql.NullInt64

		err := rows.Scan(&col.Name, &dataType, &udtName, &isNullable, &defaultValue, &maxLength, &numPrecision, &numScale)
		if err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}

		col.Type = mapPostgresType(dataType, udtName, maxLength.Int64, numPrecision.Int64, numScale.Int64)
		col.Nullable = isNullable == "YES"
		if defaultValue.Valid && defaultValue.String != "" {
			v := defaultValue.String
			col.Default = &v
		}
		columns = append(columns, col)
	}

	return columns, rows.Err()
}

// introspectPrimaryKey reads the primary key columns for a table
func (i *PostgresIntrospector) introspectPrimaryKey(ctx context.Context, tableName string) ([]string, error) {
	query := `
		SELECT string_agg(kcu.column_name, ',' ORDER BY kcu.ordinal_position)
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = current_schema()
		  AND tc.table_name = $1
		GROUP BY tc.constraint_name
	`

	var columns string
	err := i.q.QueryRowContext(ctx, query, tableName).Scan(&columns)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key: %w", err)
	}
	return strings.Split(columns, ","), nil
}

// introspectIndexes reads indexes that do not back a constraint
func (i *PostgresIntrospector) introspectIndexes(ctx context.Context, tableName string) ([]Index, error) {
	query := `
		SELECT
			ic.relname,
			ix.indisunique,
			pg_get_indexdef(ix.indexrelid),
			string_agg(a.attname, ',' ORDER BY array_position(ix.indkey::int2[], a.attnum))
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class ic ON ic.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE n.nspname = current_schema()
		  AND t.relname = $1
		  AND NOT EXISTS (SELECT 1 FROM pg_constraint c WHERE c.conindid = ix.indexrelid)
		GROUP BY ic.relname, ix.indisunique, ix.indexrelid
		ORDER BY ic.relname
	`

	rows, err := i.q.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes: %w", err)
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var idx Index
		var columns string
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.DDL, &columns); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		idx.Columns = strings.Split(columns, ",")
		indexes = append(indexes, idx)
	}

	return indexes, rows.Err()
}

// introspectForeignKeys reads all foreign keys for a table
func (i *PostgresIntrospector) introspectForeignKeys(ctx context.Context, tableName string) ([]ForeignKey, error) {
	query := `
		SELECT
			string_agg(kcu.column_name, ',' ORDER BY kcu.ordinal_position),
			MAX(ccu.table_name),
			string_agg(ccu.column_name, ',' ORDER BY kcu.ordinal_position)
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = current_schema()
		  AND tc.table_name = $1
		GROUP BY tc.constraint_name
		ORDER BY tc.constraint_name
	`

	rows, err := i.q.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		var columns, refColumns string
		if err := rows.Scan(&columns, &fk.ReferencedTable, &refColumns); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key: %w", err)
		}
		fk.Columns = strings.Split(columns, ",")
		fk.ReferencedColumns = strings.Split(refColumns, ",")
		fks = append(fks, fk)
	}

	return fks, rows.Err()
}

// introspectViews reads all views of the current schema
func (i *PostgresIntrospector) introspectViews(ctx context.Context) ([]View, error) {
	query := `
		SELECT table_name, view_definition
		FROM information_schema.views
		WHERE table_schema = current_schema()
		ORDER BY table_name
	`

	rows, err := i.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query views: %w", err)
	}
	var views []View
	for rows.Next() {
		var view View
		var def sql.NullString
		if err := rows.Scan(&view.Name, &def); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan view: %w", err)
		}
		view.Definition = strings.TrimSpace(def.String)
		view.DDL = fmt.Sprintf("CREATE VIEW %s AS %s", i.d.QuoteIdent(view.Name), strings.TrimSuffix(view.Definition, ";"))
		views = append(views, view)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for n := range views {
		if views[n].Columns, err = i.introspectColumns(ctx, views[n].Name); err != nil {
			return nil, err
		}
	}
	return views, nil
}

// mapPostgresType renders information_schema types in DDL form
func mapPostgresType(dataType, udtName string, maxLength, precision, scale int64) string {
	switch dataType {
	case "integer":
		return "INTEGER"
	case "bigint":
		return "BIGINT"
	case "smallint":
		return "SMALLINT"
	case "boolean":
		return "BOOLEAN"
	case "character varying":
		if maxLength > 0 {
			return fmt.Sprintf("VARCHAR(%d)", maxLength)
		}
		return "VARCHAR"
	case "character":
		if maxLength > 0 {
			return fmt.Sprintf("CHAR(%d)", maxLength)
		}
		return "CHAR"
	case "text":
		return "TEXT"
	case "numeric":
		if precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", precision, scale)
		}
		return "NUMERIC"
	case "real":
		return "REAL"
	case "double precision":
		return "DOUBLE PRECISION"
	case "timestamp without time zone":
		return "TIMESTAMP"
	case "timestamp with time zone":
		return "TIMESTAMPTZ"
	case "date":
		return "DATE"
	case "time without time zone":
		return "TIME"
	case "json":
		return "JSON"
	case "jsonb":
		return "JSONB"
	case "uuid":
		return "UUID"
	case "bytea":
		return "BYTEA"
	case "ARRAY":
		return strings.ToUpper(strings.TrimPrefix(udtName, "_")) + "[]"
	case "USER-DEFINED":
		return udtName
	default:
		return strings.ToUpper(dataType)
	}
}

// CreateTableDDL rebuilds a CREATE TABLE statement from an introspected table
// for dialects that do not keep the original text.
func CreateTableDDL(d dialect.Dialect, t *Table) string {
	var parts []string
	for _, c := range t.Columns {
		def := d.QuoteIdent(c.Name) + " " + c.Type
		if !c.Nullable {
			def += " NOT NULL"
		}
		if c.Default != nil {
			def += " DEFAULT " + *c.Default
		}
		parts = append(parts, def)
	}
	if len(t.PrimaryKey) > 0 {
		parts = append(parts, "PRIMARY KEY ("+quoteAll(d, t.PrimaryKey)+")")
	}
	for _, fk := range t.ForeignKeys {
		parts = append(parts, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			quoteAll(d, fk.Columns), d.QuoteIdent(fk.ReferencedTable), quoteAll(d, fk.ReferencedColumns)))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", d.QuoteIdent(t.Name), strings.Join(parts, ",\n  "))
}

func quoteAll(d dialect.Dialect, names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = d.QuoteIdent(n)
	}
	return strings.Join(out, ", ")
}

func queryStrings(ctx context.Context, q Queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
