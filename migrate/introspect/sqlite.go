package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// SQLiteIntrospector implements introspection for SQLite.
//
// Every query result is drained before the next query is issued: SQLite
// handles are opened with a single connection.
type SQLiteIntrospector struct {
	q Queryer
}

type sqliteObject struct {
	name  string
	table string
	sql   string
}

// Introspect reads the SQLite database schema
func (i *SQLiteIntrospector) Introspect(ctx context.Context) (*Structure, error) {
	objects, err := i.objects(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntrospectionFailed, err)
	}

	s := &Structure{}
	indexSQL := map[string]string{}
	for _, o := range objects["index"] {
		indexSQL[o.name] = o.sql
	}

	for _, o := range objects["table"] {
		if IsReserved(o.name) {
			continue
		}
		table := Table{Name: o.name, DDL: o.sql}

		columns, pk, err := i.introspectColumns(ctx, o.name)
		if err != nil {
			return nil, fmt.Errorf("failed to introspect columns for %s: %w", o.name, err)
		}
		table.Columns = columns
		table.PrimaryKey = pk

		indexes, err := i.introspectIndexes(ctx, o.name, indexSQL)
		if err != nil {
			return nil, fmt.Errorf("failed to introspect indexes for %s: %w", o.name, err)
		}
		table.Indexes = indexes

		fks, err := i.introspectForeignKeys(ctx, o.name)
		if err != nil {
			return nil, fmt.Errorf("failed to introspect foreign keys for %s: %w", o.name, err)
		}
		table.ForeignKeys = fks

		s.Tables = append(s.Tables, table)
	}

	for _, o := range objects["view"] {
		columns, _, err := i.introspectColumns(ctx, o.name)
		if err != nil {
			return nil, fmt.Errorf("failed to introspect columns for view %s: %w", o.name, err)
		}
		s.Views = append(s.Views, View{Name: o.name, Columns: columns, Definition: o.sql, DDL: o.sql})
	}

	return s.Normalize(), nil
}

// objects groups the user objects of sqlite_master by type
func (i *SQLiteIntrospector) objects(ctx context.Context) (map[string][]sqliteObject, error) {
	query := `
		SELECT type, name, tbl_name, sql
		FROM sqlite_master
		WHERE type IN ('table', 'index', 'view')
		  AND name NOT LIKE 'sqlite_%'
		  AND sql IS NOT NULL
		ORDER BY name
	`

	rows, err := i.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sqlite_master: %w", err)
	}
	defer rows.Close()

	out := map[string][]sqliteObject{}
	for rows.Next() {
		var typ string
		var o sqliteObject
		if err := rows.Scan(&typ, &o.name, &o.table, &o.sql); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		out[typ] = append(out[typ], o)
	}
	return out, rows.Err()
}

// introspectColumns reads all columns for a table using PRAGMA
func (i *SQLiteIntrospector) introspectColumns(ctx context.Context, tableName string) ([]Column, []string, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s)", quoteSQLite(tableName))

	rows, err := i.q.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var columns []Column
	pkOrder := map[int]string{}
	for rows.Next() {
		var cid, notNull, pk int
		var col Column
		var colType string
		var dfltValue sql.NullString

		if err := rows.Scan(&cid, &col.Name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, nil, fmt.Errorf("failed to scan column: %w", err)
		}

		col.Type = strings.ToUpper(strings.TrimSpace(colType))
		col.Nullable = notNull == 0 && pk == 0
		if dfltValue.Valid && dfltValue.String != "" {
			v := dfltValue.String
			col.Default = &v
		}
		if pk > 0 {
			pkOrder[pk] = col.Name
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	keys := make([]int, 0, len(pkOrder))
	for k := range pkOrder {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	var pk []string
	for _, k := range keys {
		pk = append(pk, pkOrder[k])
	}
	return columns, pk, nil
}

// introspectIndexes reads the explicitly created indexes of a table
func (i *SQLiteIntrospector) introspectIndexes(ctx context.Context, tableName string, indexSQL map[string]string) ([]Index, error) {
	query := fmt.Sprintf("PRAGMA index_list(%s)", quoteSQLite(tableName))

	rows, err := i.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes: %w", err)
	}

	var indexes []Index
	for rows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		// "c" is CREATE INDEX; "u" and "pk" back constraints of the table itself.
		if origin != "c" {
			continue
		}
		indexes = append(indexes, Index{Name: name, Unique: unique == 1, DDL: indexSQL[name]})
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for n := range indexes {
		cols, err := i.indexColumns(ctx, indexes[n].Name)
		if err != nil {
			return nil, err
		}
		indexes[n].Columns = cols
	}
	return indexes, nil
}

func (i *SQLiteIntrospector) indexColumns(ctx context.Context, indexName string) ([]string, error) {
	rows, err := i.q.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteSQLite(indexName)))
	if err != nil {
		return nil, fmt.Errorf("failed to query index columns: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, fmt.Errorf("failed to scan index column: %w", err)
		}
		if name.Valid {
			columns = append(columns, name.String)
		} else {
			columns = append(columns, "<expr>")
		}
	}
	return columns, rows.Err()
}

// introspectForeignKeys reads all foreign keys for a table
func (i *SQLiteIntrospector) introspectForeignKeys(ctx context.Context, tableName string) ([]ForeignKey, error) {
	query := fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteSQLite(tableName))

	rows, err := i.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys: %w", err)
	}
	defer rows.Close()

	// one row per column, grouped by id
	fkMap := make(map[int]*ForeignKey)
	var order []int
	for rows.Next() {
		var id, seq int
		var table, from string
		var to sql.NullString
		var onUpdate, onDelete, match string

		if err := rows.Scan(&id, &seq, &table, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("failed to scan foreign key: %w", err)
		}

		fk, exists := fkMap[id]
		if !exists {
			fk = &ForeignKey{ReferencedTable: table}
			fkMap[id] = fk
			order = append(order, id)
		}
		fk.Columns = append(fk.Columns, from)
		fk.ReferencedColumns = append(fk.ReferencedColumns, to.String)
	}

	var fks []ForeignKey
	for _, id := range order {
		fks = append(fks, *fkMap[id])
	}
	return fks, rows.Err()
}

func quoteSQLite(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
