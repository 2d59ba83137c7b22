package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/satishbabariya/schemaforge/generator"
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
)

// MigrateOptions controls Migrate.
type MigrateOptions struct {
	// Target version; empty means the latest declared version.
	Target string
	// DryRun plans without taking the lock or changing anything.
	DryRun bool
	// Wait bounds how long to wait for a held lock; zero uses the configured wait.
	Wait                  time.Duration
	AllowChecksumMismatch bool
	SkipValidation        bool
}

// Migrate moves the database to opts.Target.
func (e *Engine) Migrate(ctx context.Context, opts MigrateOptions) (*executor.Result, error) {
	cat, err := e.Catalog()
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return e.dryRun(ctx, cat, opts.Target)
	}

	ex, err := e.executor(ctx, cat, opts.Wait)
	if err != nil {
		return nil, err
	}
	defer e.writeMetrics()
	return ex.Migrate(ctx, executor.Options{
		Target:                opts.Target,
		AllowChecksumMismatch: opts.AllowChecksumMismatch,
		SkipValidation:        opts.SkipValidation,
	})
}

func (e *Engine) dryRun(ctx context.Context, cat *definition.Catalog, target string) (*executor.Result, error) {
	db, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	st, err := e.readState(ctx, db)
	if err != nil {
		return nil, err
	}
	res := &executor.Result{Start: st.Current, Reached: st.Current, State: executor.Idle}
	res.Plan, err = planner.New(cat).DryRun(st.Current, target)
	return res, err
}

// Checkpoint captures the live structure. It takes no lock; history and
// structure are read in one read-only transaction so the recorded version
// matches the captured DDL.
func (e *Engine) Checkpoint(ctx context.Context, label string, metadata map[string]string) (cp *checkpoint.Checkpoint, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation("checkpoint", time.Since(start), err) }()

	db, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	var opts *sql.TxOptions
	if e.d.Name != dialect.SQLite {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin checkpoint read: %w", err)
	}
	defer tx.Rollback()

	st, err := history.NewManager(tx, e.d).State(ctx)
	if err != nil {
		return nil, err
	}
	live, err := introspect.Read(ctx, tx, e.d)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	if _, ok := metadata["operator"]; !ok {
		metadata["operator"] = e.cfg.Operator
	}
	return e.checkpoints().Create(live, e.d, st.Current, label, metadata)
}

// Checkpoints lists stored checkpoints, oldest first.
func (e *Engine) Checkpoints() ([]*checkpoint.Checkpoint, error) {
	return e.checkpoints().List()
}

// LoadCheckpoint reads one checkpoint by id or unique id prefix.
func (e *Engine) LoadCheckpoint(id string) (*checkpoint.Checkpoint, error) {
	return e.checkpoints().Load(id)
}

// Restore returns the live structure to checkpoint id under the lock and
// records a restored history entry. Rows of recreated tables are not restored.
func (e *Engine) Restore(ctx context.Context, id string, wait time.Duration) (*checkpoint.RestorePlan, error) {
	cp, err := e.checkpoints().Load(id)
	if err != nil {
		return nil, err
	}
	cat, err := e.Catalog()
	if err != nil {
		return nil, err
	}
	ex, err := e.executor(ctx, cat, wait)
	if err != nil {
		return nil, err
	}
	defer e.writeMetrics()

	var plan *checkpoint.RestorePlan
	err = ex.WithLock(ctx, "restore", func(ctx context.Context, hist *history.Manager, st history.State) error {
		entry := &history.Entry{
			Version:     cp.Version,
			FromVersion: st.Current,
			Operator:    e.cfg.Operator,
			Outcome:     history.Restored,
			Detail:      "checkpoint " + cp.ID,
		}

		if !e.d.TransactionalDDL {
			live, err := introspect.Read(ctx, e.db, e.d)
			if err != nil {
				return err
			}
			if plan, err = checkpoint.Restore(ctx, e.db, e.d, cp, live); err != nil {
				return err
			}
			return hist.Append(ctx, entry)
		}

		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		live, err := introspect.Read(ctx, tx, e.d)
		if err != nil {
			return err
		}
		if plan, err = checkpoint.Restore(ctx, tx, e.d, cp, live); err != nil {
			return err
		}
		if err := hist.WithTx(tx).Append(ctx, entry); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return plan, err
	}

	e.metrics.SetVersion(cp.Version)
	e.logger.Info("Restored checkpoint", "id", cp.ID, "version", cp.Version,
		"dropped", len(plan.Drops), "created", len(plan.Creates))
	return plan, nil
}

// Export renders a declared version. It never reads the live database.
func (e *Engine) Export(ctx context.Context, version, format string) (out []byte, err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation("export", time.Since(start), err) }()

	format, err = generator.Normalize(format)
	if err != nil {
		return nil, err
	}
	cat, err := definition.NewLoader(e.fs, e.cfg.DefinitionsDir, e.cfg.MigrationsDir).LoadDefinitions()
	if err != nil {
		return nil, err
	}

	sv := cat.Latest()
	if version != "" {
		var ok bool
		if sv, ok = cat.Version(version); !ok {
			return nil, &errdefs.MigrationPathGapError{
				Pair:   errdefs.VersionPair{To: version},
				Reason: fmt.Sprintf("version %s is not declared", version),
			}
		}
	}
	if sv == nil {
		return nil, &errdefs.MigrationPathGapError{Reason: "no versions are declared"}
	}

	var expected *introspect.Structure
	if generator.NeedsStructure(format) {
		expected, err = e.resolver.Expected(ctx, sv)
		if err != nil {
			if format == generator.FormatModels || errdefs.KindOf(err) == errdefs.KindDefinitionParse {
				return nil, err
			}
			e.logger.Warn("Shadow database unavailable; exporting without column details", "error", err)
		}
	}
	return generator.NewGenerator(sv, expected, e.logger).Export(format)
}

// CreateMigration scaffolds an empty script for from -> to.
func (e *Engine) CreateMigration(from, to string) (string, error) {
	cat, err := definition.NewLoader(e.fs, e.cfg.DefinitionsDir, e.cfg.MigrationsDir).LoadDefinitions()
	if err != nil {
		return "", err
	}
	for _, v := range []string{from, to} {
		if _, ok := cat.Version(v); !ok {
			return "", &errdefs.MigrationPathGapError{
				Pair:   errdefs.VersionPair{From: from, To: to},
				Reason: fmt.Sprintf("version %s is not declared in %s", v, e.cfg.DefinitionsDir),
			}
		}
	}
	if cat.Index(to) != cat.Index(from)+1 {
		return "", &errdefs.VersionOrderError{
			Version: to,
			Reason:  fmt.Sprintf("%s does not directly follow %s", to, from),
		}
	}
	return definition.Scaffold(e.fs, e.cfg.MigrationsDir, from, to)
}

// Finalize records the checksums of every script into the manifest. Scripts
// applied to the configured database are frozen. It returns the script ids
// whose entry changed.
func (e *Engine) Finalize(ctx context.Context) ([]string, error) {
	cat, err := e.Catalog()
	if err != nil {
		return nil, err
	}
	manifest, err := e.manifest()
	if err != nil {
		return nil, err
	}

	var applied map[string]string
	if e.cfg.DatabaseURL != "" {
		db, err := e.connect(ctx)
		if err != nil {
			return nil, err
		}
		st, err := e.readState(ctx, db)
		if err != nil {
			return nil, err
		}
		applied = st.Applied
	}

	changed, err := integrity.Record(manifest, cat.Scripts, applied, time.Now())
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if err := manifest.Save(); err != nil {
		return nil, err
	}
	e.logger.Info("Recorded checksums", "manifest", manifest.Path(), "scripts", changed)
	return changed, nil
}

// Baseline adopts an untracked database at version.
func (e *Engine) Baseline(ctx context.Context, version string, skipValidation bool, wait time.Duration) error {
	cat, err := e.Catalog()
	if err != nil {
		return err
	}
	ex, err := e.executor(ctx, cat, wait)
	if err != nil {
		return err
	}
	defer e.writeMetrics()
	return ex.Baseline(ctx, version, skipValidation)
}

// Acknowledge records a manual repair that left the database at version.
func (e *Engine) Acknowledge(ctx context.Context, version, detail string, wait time.Duration) error {
	cat, err := e.Catalog()
	if err != nil {
		return err
	}
	ex, err := e.executor(ctx, cat, wait)
	if err != nil {
		return err
	}
	defer e.writeMetrics()
	return ex.Acknowledge(ctx, version, detail)
}

// Unlock clears a lock record left behind by a process that exited without
// releasing it and returns the holder it named. A lock held by a running
// process is refused with a LockTimeoutError. Advisory locks on PostgreSQL
// and MySQL end with their session, so there is nothing to clear.
func (e *Engine) Unlock(ctx context.Context) (string, error) {
	db, err := e.connect(ctx)
	if err != nil {
		return "", err
	}
	locker, err := lock.New(db, e.d, e.holder)
	if err != nil {
		return "", err
	}
	b, ok := locker.(lock.Breaker)
	if !ok {
		e.logger.Info("Advisory locks are released by the server when their session ends", "dialect", e.d)
		return "", nil
	}
	previous, err := b.Break(ctx, e.identity())
	if err != nil {
		return previous, err
	}
	e.logger.Info("Cleared migration lock", "key", e.identity(), "holder", previous)
	return previous, nil
}
