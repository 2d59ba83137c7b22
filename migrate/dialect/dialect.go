// Package dialect describes the SQL dialects the migration engine can target.
package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Name is a canonical dialect name.
type Name string

const (
	SQLite   Name = "sqlite"
	Postgres Name = "postgres"
	MySQL    Name = "mysql"
)

// ErrUnsupportedDialect is returned for unknown dialect names or URLs.
var ErrUnsupportedDialect = errors.New("unsupported database dialect")

// Dialect carries the per-database behaviour the engine needs.
type Dialect struct {
	Name Name
	// TransactionalDDL reports whether DDL statements can be rolled back
	// as part of a transaction.
	TransactionalDDL bool
}

// Parse maps a provider name to a Dialect.
func Parse(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3", "file":
		return Dialect{Name: SQLite, TransactionalDDL: true}, nil
	case "postgres", "postgresql", "pgx":
		return Dialect{Name: Postgres, TransactionalDDL: true}, nil
	case "mysql", "mariadb":
		return Dialect{Name: MySQL, TransactionalDDL: false}, nil
	default:
		return Dialect{}, fmt.Errorf("%w: %s", ErrUnsupportedDialect, name)
	}
}

// DetectFromURL infers the dialect from a database URL.
func DetectFromURL(rawURL string) (Dialect, error) {
	u := strings.ToLower(rawURL)
	switch {
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return Parse("postgres")
	case strings.HasPrefix(u, "mysql://"), strings.Contains(u, "@tcp("):
		return Parse("mysql")
	case strings.HasPrefix(u, "sqlite:"), strings.HasPrefix(u, "file:"),
		strings.HasSuffix(u, ".db"), strings.HasSuffix(u, ".sqlite"), strings.HasSuffix(u, ".sqlite3"),
		u == ":memory:":
		return Parse("sqlite")
	default:
		return Dialect{}, fmt.Errorf("%w: cannot infer dialect from database url", ErrUnsupportedDialect)
	}
}

func (d Dialect) String() string { return string(d.Name) }

// DefaultDriver returns the database/sql driver name used when none is configured.
func (d Dialect) DefaultDriver() string {
	switch d.Name {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

// Rebind rewrites '?' placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if d.Name != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// QuoteIdent quotes an identifier.
func (d Dialect) QuoteIdent(name string) string {
	if d.Name == MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// DropStatement returns the DDL that removes an object of the given kind.
// kind is one of "table", "view" or "index"; table is only used for MySQL indexes.
func (d Dialect) DropStatement(kind, name, table string) string {
	switch kind {
	case "view":
		return "DROP VIEW " + d.QuoteIdent(name)
	case "index":
		if d.Name == MySQL {
			return fmt.Sprintf("DROP INDEX %s ON %s", d.QuoteIdent(name), d.QuoteIdent(table))
		}
		return "DROP INDEX " + d.QuoteIdent(name)
	default:
		return "DROP TABLE " + d.QuoteIdent(name)
	}
}

// DSN converts a database URL into the data source name the driver expects.
func (d Dialect) DSN(driver, rawURL string) string {
	switch d.Name {
	case SQLite:
		dsn := rawURL
		switch {
		case strings.HasPrefix(dsn, "sqlite://"):
			dsn = strings.TrimPrefix(dsn, "sqlite://")
		case strings.HasPrefix(dsn, "sqlite:"):
			dsn = strings.TrimPrefix(dsn, "sqlite:")
		}
		return dsn
	case MySQL:
		dsn := strings.TrimPrefix(rawURL, "mysql://")
		for _, param := range []string{"multiStatements=true", "parseTime=true"} {
			key := param[:strings.Index(param, "=")]
			if strings.Contains(dsn, key+"=") {
				continue
			}
			if strings.Contains(dsn, "?") {
				dsn += "&" + param
			} else {
				dsn += "?" + param
			}
		}
		return dsn
	default:
		return rawURL
	}
}

// Identity returns a credential-free identifier for the database behind rawURL.
// It keys the advisory lock, so two URLs naming the same database yield the same identity.
func (d Dialect) Identity(rawURL string) string {
	switch d.Name {
	case SQLite:
		path := d.DSN("", rawURL)
		if i := strings.Index(path, "?"); i >= 0 {
			path = path[:i]
		}
		path = strings.TrimPrefix(path, "file:")
		if path != ":memory:" {
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
		}
		return "sqlite:" + path
	case MySQL:
		dsn := strings.TrimPrefix(rawURL, "mysql://")
		if i := strings.LastIndex(dsn, "@"); i >= 0 {
			dsn = dsn[i+1:]
		}
		if i := strings.Index(dsn, "?"); i >= 0 {
			dsn = dsn[:i]
		}
		return "mysql:" + dsn
	default:
		u, err := url.Parse(rawURL)
		if err != nil {
			return "postgres:" + rawURL
		}
		return "postgres:" + u.Host + u.Path
	}
}

// OpenOptions tune a connection pool.
type OpenOptions struct {
	Driver      string
	BusyTimeout time.Duration
}

// Open opens and pings a database for the dialect.
func Open(ctx context.Context, d Dialect, rawURL string, opts OpenOptions) (*sql.DB, error) {
	driver := opts.Driver
	if driver == "" {
		driver = d.DefaultDriver()
	}

	db, err := sql.Open(driver, d.DSN(driver, rawURL))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.Name, err)
	}

	if d.Name == SQLite {
		// PRAGMAs are per connection, so keep exactly one.
		db.SetMaxOpenConns(1)
		busy := opts.BusyTimeout
		if busy <= 0 {
			busy = 5 * time.Second
		}
		pragmas := []string{
			"PRAGMA foreign_keys = ON",
			fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		}
		for _, p := range pragmas {
			if _, err := db.ExecContext(ctx, p); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", p, err)
			}
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", d.Name, err)
	}

	return db, nil
}
