// Package migrate provides the schema versioning engine: it loads declared
// schema versions and migration scripts, plans and executes migrations under
// an advisory lock, validates live structure and manages checkpoints.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/satishbabariya/schemaforge/internal/debug"
	"github.com/satishbabariya/schemaforge/migrate/checkpoint"
	"github.com/satishbabariya/schemaforge/migrate/definition"
	"github.com/satishbabariya/schemaforge/migrate/dialect"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
	"github.com/satishbabariya/schemaforge/migrate/executor"
	"github.com/satishbabariya/schemaforge/migrate/history"
	"github.com/satishbabariya/schemaforge/migrate/integrity"
	"github.com/satishbabariya/schemaforge/migrate/introspect"
	"github.com/satishbabariya/schemaforge/migrate/lock"
	"github.com/satishbabariya/schemaforge/migrate/planner"
	"github.com/satishbabariya/schemaforge/migrate/shadow"
	"github.com/satishbabariya/schemaforge/migrate/validator"
	"github.com/satishbabariya/schemaforge/telemetry"
)

// ErrUnreachable marks failures to connect to the target database.
var ErrUnreachable = errors.New("database unreachable")

// UnreachableError wraps a connection failure.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string        { return "database unreachable: " + e.Err.Error() }
func (e *UnreachableError) Unwrap() error        { return e.Err }
func (e *UnreachableError) Is(target error) bool { return target == ErrUnreachable }

// Config configures an Engine.
type Config struct {
	FS          afero.Fs
	DatabaseURL string
	// Dialect overrides detection from DatabaseURL.
	Dialect   string
	Driver    string
	ShadowURL string

	DefinitionsDir string
	MigrationsDir  string
	// ManifestPath defaults to checksums.yaml inside MigrationsDir.
	ManifestPath   string
	CheckpointsDir string

	LockWait time.Duration
	LockPoll time.Duration

	Operator    string
	MetricsFile string
	Logger      *slog.Logger
}

// Engine is the main migration engine
type Engine struct {
	cfg     Config
	fs      afero.Fs
	d       dialect.Dialect
	logger  *slog.Logger
	metrics *telemetry.Recorder
	holder  string

	db       *sql.DB
	resolver *shadow.Resolver
}

// NewEngine creates a new migration engine. No connection is made until an
// operation needs one.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.DefinitionsDir == "" {
		cfg.DefinitionsDir = "definitions"
	}
	if cfg.MigrationsDir == "" {
		cfg.MigrationsDir = "migrations"
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = filepath.Join(cfg.MigrationsDir, integrity.ManifestFile)
	}
	if cfg.CheckpointsDir == "" {
		cfg.CheckpointsDir = "checkpoints"
	}
	if cfg.Operator == "" {
		cfg.Operator = os.Getenv("USER")
	}
	if cfg.Operator == "" {
		cfg.Operator = "unknown"
	}

	var (
		d   dialect.Dialect
		err error
	)
	switch {
	case cfg.Dialect != "":
		d, err = dialect.Parse(cfg.Dialect)
	case cfg.DatabaseURL != "":
		d, err = dialect.DetectFromURL(cfg.DatabaseURL)
	default:
		d, err = dialect.Parse(string(dialect.SQLite))
	}
	if err != nil {
		return nil, err
	}

	logger := debug.Or(cfg.Logger)
	e := &Engine{
		cfg:     cfg,
		fs:      cfg.FS,
		d:       d,
		logger:  logger,
		metrics: telemetry.NewRecorder(),
		holder:  uuid.NewString(),
	}
	e.resolver = shadow.NewResolver(shadow.Config{
		Dialect:   d,
		Driver:    cfg.Driver,
		MainURL:   cfg.DatabaseURL,
		ShadowURL: cfg.ShadowURL,
		Logger:    logger,
	})
	return e, nil
}

// Dialect returns the engine's dialect.
func (e *Engine) Dialect() dialect.Dialect { return e.d }

// Metrics returns the engine's metrics recorder.
func (e *Engine) Metrics() *telemetry.Recorder { return e.metrics }

// Close releases the database connection.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

func (e *Engine) connect(ctx context.Context) (*sql.DB, error) {
	if e.db != nil {
		return e.db, nil
	}
	if e.cfg.DatabaseURL == "" {
		return nil, &UnreachableError{Err: errors.New("no database URL configured (set database.url or DATABASE_URL)")}
	}
	db, err := dialect.Open(ctx, e.d, e.cfg.DatabaseURL, dialect.OpenOptions{Driver: e.cfg.Driver})
	if err != nil {
		return nil, &UnreachableError{Err: err}
	}
	e.logger.Debug("Connected", "dialect", e.d, "database", e.identity())
	e.db = db
	return db, nil
}

func (e *Engine) identity() string {
	return e.d.Identity(e.cfg.DatabaseURL)
}

// Catalog loads definitions and scripts.
func (e *Engine) Catalog() (*definition.Catalog, error) {
	return definition.NewLoader(e.fs, e.cfg.DefinitionsDir, e.cfg.MigrationsDir).Load()
}

func (e *Engine) manifest() (*integrity.Manifest, error) {
	return integrity.LoadManifest(e.fs, e.cfg.ManifestPath)
}

func (e *Engine) checkpoints() *checkpoint.Manager {
	return checkpoint.NewManager(e.fs, e.cfg.CheckpointsDir, e.logger)
}

func (e *Engine) validator() *validator.Validator {
	return validator.New(e.resolver, e.logger)
}

func (e *Engine) executor(ctx context.Context, cat *definition.Catalog, wait time.Duration) (*executor.Executor, error) {
	db, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	manifest, err := e.manifest()
	if err != nil {
		return nil, err
	}
	locker, err := lock.New(db, e.d, e.holder)
	if err != nil {
		return nil, err
	}
	if wait == 0 {
		wait = e.cfg.LockWait
	}
	return executor.New(executor.Config{
		DB:        db,
		Dialect:   e.d,
		Locker:    locker,
		LockKey:   e.identity(),
		Lock:      lock.Options{Wait: wait, Poll: e.cfg.LockPoll},
		Catalog:   cat,
		Manifest:  manifest,
		Validator: e.validator(),
		Operator:  e.cfg.Operator,
		Logger:    e.logger,
		Metrics:   e.metrics,
	}), nil
}

// readState replays history without creating the table.
func (e *Engine) readState(ctx context.Context, db *sql.DB) (history.State, error) {
	entries, err := history.NewManager(db, e.d).Entries(ctx)
	if err != nil {
		return history.State{}, err
	}
	return history.Replay(entries), nil
}

func (e *Engine) writeMetrics() {
	if e.cfg.MetricsFile == "" {
		return
	}
	if err := e.metrics.WriteTextfile(e.cfg.MetricsFile); err != nil {
		e.logger.Warn("Failed to write metrics file", "path", e.cfg.MetricsFile, "error", err)
	}
}

// Status summarizes the database against the declared versions.
type Status struct {
	Dialect  string
	Database string
	// Current is empty for an untracked database.
	Current     string
	Latest      string
	Entries     int
	Blocked     bool
	Interrupted bool
	Cause       *history.Entry
	// Pending is the plan to Latest, nil when it cannot be computed.
	Pending   *planner.Plan
	PlanError error
	// CatalogError is set when definitions or scripts fail to load; nothing
	// is planned or verified then.
	CatalogError error
	Mismatches   []errdefs.Mismatch
}

// PendingCount is the number of scripts, plus one for an install, a migrate
// to Latest would run.
func (s *Status) PendingCount() int {
	if s.Pending == nil {
		return 0
	}
	n := len(s.Pending.Scripts)
	if s.Pending.Install != nil {
		n++
	}
	return n
}

// UpToDate reports whether nothing is pending and nothing blocks migration.
func (s *Status) UpToDate() bool {
	return s.CatalogError == nil && s.Current == s.Latest && !s.Blocked && !s.Interrupted && len(s.Mismatches) == 0
}

// Status reads history without taking the lock. Only a connection failure
// or an unreadable history table is returned as an error.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	start := time.Now()
	db, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	st, err := e.readState(ctx, db)
	if err != nil {
		return nil, err
	}

	s := &Status{
		Dialect:     e.d.String(),
		Database:    e.identity(),
		Current:     st.Current,
		Entries:     st.Entries,
		Blocked:     st.Blocked,
		Interrupted: st.Interrupted,
		Cause:       st.Cause,
	}
	defer func() { e.metrics.ObserveOperation("status", time.Since(start), nil) }()

	cat, err := e.Catalog()
	if err != nil {
		s.CatalogError = err
		return s, nil
	}
	if latest := cat.Latest(); latest != nil {
		s.Latest = latest.String()
	}
	s.Pending, s.PlanError = planner.New(cat).DryRun(st.Current, "")

	manifest, err := e.manifest()
	if err != nil {
		s.CatalogError = err
		return s, nil
	}
	s.Mismatches = integrity.Verify(manifest, cat.Scripts, st.Applied)
	return s, nil
}

// Validate compares the live structure with version, defaulting to the
// version recorded in history and then to the latest declared version.
func (e *Engine) Validate(ctx context.Context, version string) (res *validator.Result, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation("validate", time.Since(start), err) }()

	cat, err := e.Catalog()
	if err != nil {
		return nil, err
	}
	db, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	if version == "" {
		st, err := e.readState(ctx, db)
		if err != nil {
			return nil, err
		}
		version = st.Current
	}
	if version == "" && cat.Latest() != nil {
		version = cat.Latest().String()
		e.logger.Info("Database has no history; validating against the latest version", "version", version)
	}

	sv, ok := cat.Version(version)
	if !ok {
		return nil, &errdefs.MigrationPathGapError{
			Pair:   errdefs.VersionPair{To: version},
			Reason: fmt.Sprintf("version %s is not declared", version),
		}
	}

	live, err := introspect.Read(ctx, db, e.d)
	if err != nil {
		return nil, err
	}
	return e.validator().Validate(ctx, sv, live)
}

// History returns every history entry in append order.
func (e *Engine) History(ctx context.Context) ([]history.Entry, error) {
	db, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	return history.NewManager(db, e.d).Entries(ctx)
}
