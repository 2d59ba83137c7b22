package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/satishbabariya/schemaforge/migrate/dialect"
)

// MySQLIntrospector implements introspection for MySQL
type MySQLIntrospector struct {
	q Queryer
	d dialect.Dialect
}

// Introspect reads the MySQL database schema
func (i *MySQLIntrospector) Introspect(ctx context.Context) (*Structure, error) {
	var dbName string
	if err := i.q.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&dbName); err != nil {
		return nil, fmt.Errorf("%w: failed to get database name: %w", ErrIntrospectionFailed, err)
	}

	names, err := queryStrings(ctx, i.q, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = ?
		  AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, dbName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntrospectionFailed, err)
	}

	s := &Structure{}
	for _, name := range names {
		if IsReserved(name) {
			continue
		}
		table := Table{Name: name}

		if table.Columns, table.PrimaryKey, err = i.introspectColumns(ctx, dbName, name); err != nil {
			return nil, fmt.Errorf("failed to introspect columns for %s: %w", name, err)
		}
		if table.Indexes, err = i.introspectIndexes(ctx, dbName, name); err != nil {
			return nil, fmt.Errorf("failed to introspect indexes for %s: %w", name, err)
		}
		if table.ForeignKeys, err = i.introspectForeignKeys(ctx, dbName, name); err != nil {
			return nil, fmt.Errorf("failed to introspect foreign keys for %s: %w", name, err)
		}
		table.DDL = CreateTableDDL(i.d, &table)
		s.Tables = append(s.Tables, table)
	}

	if s.Views, err = i.introspectViews(ctx, dbName); err != nil {
		return nil, fmt.Errorf("failed to introspect views: %w", err)
	}

	return s.Normalize(), nil
}

// introspectColumns reads all columns for a table or view, plus the primary key
func (i *MySQLIntrospector) introspectColumns(ctx context.Context, schema, tableName string) ([]Column, []string, error) {
	query := `
		SELECT
			column_name,
			column_type,
			is_nullable,
			column_default,
			column_key
		FROM information_schema.columns
		WHERE table_schema = ?
		  AND table_name = ?
		ORDER BY ordinal_position
	`

	rows, err := i.q.QueryContext(ctx, query, schema, tableName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var columns []Column
	var pk []string
	for rows.Next() {
		var col Column
		var columnType, isNullable, columnKey string
		var defaultValue sql.NullString

		if err := rows.Scan(&col.Name, &columnType, &isNullable, &defaultValue, &columnKey); err != nil {
			return nil, nil, fmt.Errorf("failed to scan column: %w", err)
		}

		col.Type = strings.ToUpper(columnType)
		col.Nullable = isNullable == "YES"
		if defaultValue.Valid && defaultValue.String != "" {
			v := defaultValue.String
			col.Default = &v
		}
		if columnKey == "PRI" {
			pk = append(pk, col.Name)
		}
		columns = append(columns, col)
	}

	return columns, pk, rows.Err()
}

// introspectIndexes reads all secondary indexes for a table
func (i *MySQLIntrospector) introspectIndexes(ctx context.Context, schema, tableName string) ([]Index, error) {
	query := `
		SELECT
			index_name,
			GROUP_CONCAT(column_name ORDER BY seq_in_index),
			MAX(non_unique)
		FROM information_schema.statistics
		WHERE table_schema = ?
		  AND table_name = ?
		  AND index_name != 'PRIMARY'
		GROUP BY index_name
		ORDER BY index_name
	`

	rows, err := i.q.QueryContext(ctx, query, schema, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes: %w", err)
	}
	defer rows.Close()

	var indexes []Index
	for rows.Next() {
		var idx Index
		var columns string
		var nonUnique int
		if err := rows.Scan(&idx.Name, &columns, &nonUnique); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		idx.Columns = strings.Split(columns, ",")
		idx.Unique = nonUnique == 0

		kind := "INDEX"
		if idx.Unique {
			kind = "UNIQUE INDEX"
		}
		idx.DDL = fmt.Sprintf("CREATE %s %s ON %s (%s)", kind, i.d.QuoteIdent(idx.Name), i.d.QuoteIdent(tableName), quoteAll(i.d, idx.Columns))
		indexes = append(indexes, idx)
	}

	return indexes, rows.Err()
}

// introspectForeignKeys reads all foreign keys for a table
func (i *MySQLIntrospector) introspectForeignKeys(ctx context.Context, schema, tableName string) ([]ForeignKey, error) {
	query := `
		SELECT
			GROUP_CONCAT(column_name ORDER BY ordinal_position),
			MAX(referenced_table_name),
			GROUP_CONCAT(referenced_column_name ORDER BY ordinal_position)
		FROM information_schema.key_column_usage
		WHERE table_schema = ?
		  AND table_name = ?
		  AND referenced_table_name IS NOT NULL
		GROUP BY constraint_name
		ORDER BY constraint_name
	`

	rows, err := i.q.QueryContext(ctx, query, schema, tableName)
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

func (i *MySQLIntrospector) introspectViews(ctx context.Context, schema string) ([]View, error) {
	query := `
		SELECT table_name, view_definition
		FROM information_schema.views
		WHERE table_schema = ?
		ORDER BY table_name
	`

	rows, err := i.q.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to query views: %w", err)
	}
	var views []View
	for rows.Next() {
		var view View
		if err := rows.Scan(&view.Name, &view.Definition); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan view: %w", err)
		}
		view.DDL = fmt.Sprintf("CREATE VIEW %s AS %s", i.d.QuoteIdent(view.Name), view.Definition)
		views = append(views, view)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for n := range views {
		if views[n].Columns, _, err = i.introspectColumns(ctx, schema, views[n].Name); err != nil {
			return nil, err
		}
	}
	return views, nil
}
