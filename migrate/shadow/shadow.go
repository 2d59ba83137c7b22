// Package shadow materializes a schema version in a scratch database and
// introspects it, giving the structure the version is expected to produce.
package shadow

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"

	"github.com/satishbabariya/schemaforge/internal/debug"
	"github.com/satishbabariya/schemaforge/migrate/definition"
	"github.com/satishbabariya/schemaforge/migrate/dialect"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
	"github.com/satishbabariya/schemaforge/migrate/introspect"
)

// Config describes where shadow databases live.
type Config struct {
	Dialect dialect.Dialect
	Driver  string
	// MainURL is the target database; a shadow URL is derived from it when
	// ShadowURL is empty. Both are ignored for SQLite, which uses memory.
	MainURL   string
	ShadowURL string
	Logger    *slog.Logger
	// CacheSize bounds the number of cached versions, DefaultCacheSize when zero.
	CacheSize int
}

// Resolver computes expected structures, caching them per version content.
type Resolver struct {
	cfg    Config
	logger *slog.Logger

	// mu serializes materialization; one shadow database is rebuilt at a time.
	mu    sync.Mutex
	cache *structureCache
}

// NewResolver creates a new shadow resolver
func NewResolver(cfg Config) *Resolver {
	return &Resolver{
		cfg:    cfg,
		logger: debug.Or(cfg.Logger),
		cache:  newStructureCache(cfg.CacheSize),
	}
}

// Expected returns the structure sv produces on an empty database.
func (r *Resolver) Expected(ctx context.Context, sv *definition.SchemaVersion) (*introspect.Structure, error) {
	key := cacheKey(sv)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.cache.get(key); ok {
		return s, nil
	}

	r.logger.Debug("Materializing shadow schema", "version", sv.String(), "key", key, "dialect", r.cfg.Dialect.Name)

	var (
		s   *introspect.Structure
		err error
	)
	switch r.cfg.Dialect.Name {
	case dialect.SQLite:
		s, err = r.sqlite(ctx, sv)
	case dialect.Postgres, dialect.MySQL:
		s, err = r.server(ctx, sv)
	default:
		err = fmt.Errorf("%w: %s", dialect.ErrUnsupportedDialect, r.cfg.Dialect.Name)
	}
	if err != nil {
		return nil, err
	}

	r.cache.set(key, s)
	return s, nil
}

// CacheStats reports cache hits, misses and evictions.
func (r *Resolver) CacheStats() CacheStats { return r.cache.snapshot() }

func (r *Resolver) sqlite(ctx context.Context, sv *definition.SchemaVersion) (*introspect.Structure, error) {
	db, err := dialect.Open(ctx, r.cfg.Dialect, ":memory:", dialect.OpenOptions{Driver: r.cfg.Driver})
	if err != nil {
		return nil, fmt.Errorf("failed to open shadow database: %w", err)
	}
	defer db.Close()

	return materialize(ctx, db, r.cfg.Dialect, sv)
}

// server creates a scratch database, materializes sv in it and drops it.
func (r *Resolver) server(ctx context.Context, sv *definition.SchemaVersion) (*introspect.Structure, error) {
	shadowURL := r.cfg.ShadowURL
	if shadowURL == "" {
		var err error
		if shadowURL, err = DeriveURL(r.cfg.Dialect, r.cfg.MainURL); err != nil {
			return nil, fmt.Errorf("failed to generate shadow connection string: %w", err)
		}
	}

	adminURL, name, err := adminTarget(r.cfg.Dialect, shadowURL)
	if err != nil {
		return nil, err
	}
	admin, err := dialect.Open(ctx, r.cfg.Dialect, adminURL, dialect.OpenOptions{Driver: r.cfg.Driver})
	if err != nil {
		return nil, fmt.Errorf("failed to connect for shadow database creation: %w", err)
	}
	defer admin.Close()

	quoted := r.cfg.Dialect.QuoteIdent(name)
	if _, err := admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+quoted); err != nil {
		return nil, fmt.Errorf("failed to reset shadow database: %w", err)
	}
	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+quoted); err != nil {
		return nil, fmt.Errorf("failed to create shadow database: %w", err)
	}
	defer func() {
		if _, err := admin.ExecContext(context.Background(), "DROP DATABASE IF EXISTS "+quoted); err != nil {
			r.logger.Warn("Failed to drop shadow database", "database", name, "error", err)
		}
	}()

	db, err := dialect.Open(ctx, r.cfg.Dialect, shadowURL, dialect.OpenOptions{Driver: r.cfg.Driver})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to shadow database: %w", err)
	}
	defer db.Close()

	return materialize(ctx, db, r.cfg.Dialect, sv)
}

func materialize(ctx context.Context, db *sql.DB, d dialect.Dialect, sv *definition.SchemaVersion) (*introspect.Structure, error) {
	for i, stmt := range sv.Statements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, &errdefs.DefinitionParseError{
				File:   sv.Path,
				Reason: fmt.Sprintf("version %s statement %d does not apply to an empty database", sv, i+1),
				Cause:  err,
			}
		}
	}
	return introspect.Read(ctx, db, d)
}

// DeriveURL appends "_shadow" to the database name of mainURL.
func DeriveURL(d dialect.Dialect, mainURL string) (string, error) {
	switch d.Name {
	case dialect.Postgres:
		u, err := url.Parse(mainURL)
		if err != nil {
			return "", err
		}
		name := strings.TrimPrefix(u.Path, "/")
		if name == "" {
			return "", fmt.Errorf("database url has no database name")
		}
		u.Path = "/" + name + "_shadow"
		return u.String(), nil
	case dialect.MySQL:
		cfg, err := mysql.ParseDSN(d.DSN("mysql", mainURL))
		if err != nil {
			return "", err
		}
		if cfg.DBName == "" {
			return "", fmt.Errorf("database url has no database name")
		}
		cfg.DBName += "_shadow"
		return cfg.FormatDSN(), nil
	default:
		return "", fmt.Errorf("%w: %s", dialect.ErrUnsupportedDialect, d.Name)
	}
}

// adminTarget returns a URL for a maintenance connection plus the database
// name to create.
func adminTarget(d dialect.Dialect, shadowURL string) (string, string, error) {
	switch d.Name {
	case dialect.Postgres:
		u, err := url.Parse(shadowURL)
		if err != nil {
			return "", "", err
		}
		name := strings.TrimPrefix(u.Path, "/")
		u.Path = "/postgres"
		return u.String(), name, nil
	default:
		cfg, err := mysql.ParseDSN(d.DSN("mysql", shadowURL))
		if err != nil {
			return "", "", err
		}
		name := cfg.DBName
		cfg.DBName = ""
		return cfg.FormatDSN(), name, nil
	}
}
