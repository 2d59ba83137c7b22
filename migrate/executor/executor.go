// Package executor applies migration plans to databases under an advisory
// lock and records every outcome in the version history.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/satishbabariya/schemaforge/internal/debug"
	"github.com/satishbabariya/schemaforge/migrate/definition"
	"github.com/satishbabariya/schemaforge/migrate/dialect"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
	"github.com/satishbabariya/schemaforge/migrate/history"
	"github.com/satishbabariya/schemaforge/migrate/integrity"
	"github.com/satishbabariya/schemaforge/migrate/introspect"
	"github.com/satishbabariya/schemaforge/migrate/lock"
	"github.com/satishbabariya/schemaforge/migrate/planner"
	"github.com/satishbabariya/schemaforge/migrate/validator"
	"github.com/satishbabariya/schemaforge/telemetry"
)

// Config wires an executor to one database.
type Config struct {
	DB      *sql.DB
	Dialect dialect.Dialect
	Locker  lock.Locker
	// LockKey identifies the database; see dialect.Identity.
	LockKey string
	Lock    lock.Options
	Catalog *definition.Catalog
	// Manifest is optional; without it applied scripts are only checked
	// against the checksums stored in history.
	Manifest *integrity.Manifest
	// Validator is optional; without it structural checks are skipped.
	Validator *validator.Validator
	Operator  string
	Logger    *slog.Logger
	Metrics   *telemetry.Recorder
}

// Options for one migrate run.
type Options struct {
	// Target version; empty means the latest declared version.
	Target                string
	AllowChecksumMismatch bool
	SkipValidation        bool
}

// Result describes what a run did. It is returned alongside errors.
type Result struct {
	Plan *planner.Plan
	// Start is the version read from history under the lock.
	Start string
	// Reached is the version the database is at when the run ends.
	Reached string
	// Applied lists the scripts that completed, in order.
	Applied    []string
	Mismatches []errdefs.Mismatch
	State      State
	Trail      []State
	Duration   time.Duration
}

// Executor runs migrations.
type Executor struct {
	db        *sql.DB
	d         dialect.Dialect
	locker    lock.Locker
	lockKey   string
	lockOpts  lock.Options
	catalog   *definition.Catalog
	manifest  *integrity.Manifest
	validator *validator.Validator
	operator  string
	logger    *slog.Logger
	metrics   *telemetry.Recorder
}

// New creates a new migration executor
func New(cfg Config) *Executor {
	return &Executor{
		db:        cfg.DB,
		d:         cfg.Dialect,
		locker:    cfg.Locker,
		lockKey:   cfg.LockKey,
		lockOpts:  cfg.Lock,
		catalog:   cfg.Catalog,
		manifest:  cfg.Manifest,
		validator: cfg.Validator,
		operator:  cfg.Operator,
		logger:    debug.Or(cfg.Logger),
		metrics:   cfg.Metrics,
	}
}

// Migrate moves the database to opts.Target.
func (e *Executor) Migrate(ctx context.Context, opts Options) (res *Result, err error) {
	start := time.Now()
	m := NewMachine(e.logger)
	res = &Result{}
	defer func() {
		res.State = m.State()
		res.Trail = m.Trail()
		res.Duration = time.Since(start)
		e.metrics.ObserveOperation("migrate", res.Duration, err)
	}()

	if err := e.precheck(ctx, opts.Target); err != nil {
		return res, err
	}

	lease, err := e.acquire(ctx)
	if err != nil {
		return res, err
	}
	m.advance(LockAcquired)
	defer e.release(lease, m)

	return res, e.run(ctx, m, opts, res)
}

// precheck plans from history read without the lock, so a target that can
// never be reached fails before anything is written. The plan that runs is
// computed again under the lock.
func (e *Executor) precheck(ctx context.Context, target string) error {
	st, err := history.NewManager(e.db, e.d).State(ctx)
	if err != nil {
		return err
	}
	if st.NeedsIntervention() {
		return nil
	}
	_, err = planner.New(e.catalog).Plan(st.Current, target)
	return err
}

func (e *Executor) run(ctx context.Context, m *Machine, opts Options, res *Result) error {
	m.advance(Planning)

	hist := history.NewManager(e.db, e.d)
	st, err := hist.State(ctx)
	if err != nil {
		m.advance(Aborted)
		return err
	}
	res.Start, res.Reached = st.Current, st.Current

	if st.NeedsIntervention() {
		m.advance(Aborted)
		return blockedError(st)
	}

	plan, err := planner.New(e.catalog).Plan(st.Current, opts.Target)
	if err != nil {
		m.advance(Aborted)
		return err
	}
	res.Plan = plan

	if err := e.checkIntegrity(st, plan); err != nil {
		var mismatch *errdefs.ChecksumMismatchError
		if !opts.AllowChecksumMismatch || !errors.As(err, &mismatch) {
			m.advance(Aborted)
			return err
		}
		res.Mismatches = mismatch.Mismatches
		e.logger.Warn("Continuing despite checksum mismatch", "mismatches", len(mismatch.Mismatches))
	}

	if plan.Empty() {
		e.logger.Info("Database is up to date", "version", st.Current)
		m.advance(Committed)
		return nil
	}

	if plan.From != nil && !opts.SkipValidation {
		if err := e.preflight(ctx, plan); err != nil {
			m.advance(Aborted)
			return err
		}
	}

	if err := hist.InitTable(ctx); err != nil {
		m.advance(Aborted)
		return err
	}

	e.logger.Info("Migrating", "from", st.Current, "to", plan.To.String(), "direction", plan.Direction, "steps", plan.Steps())

	for _, u := range e.units(plan) {
		m.advance(Executing)
		e.logger.Info("Running script", "script", u.id, "from", u.from, "to", u.to)

		if e.d.TransactionalDDL {
			err = e.runTx(ctx, m, u, opts)
		} else {
			err = e.runNonTx(ctx, m, u, opts)
		}
		if err != nil {
			e.logger.Error("Script failed", "script", u.id, "state", m.State(), "error", err)
			return err
		}

		res.Applied = append(res.Applied, u.id)
		res.Reached = u.to
		e.metrics.ObserveScript(string(u.direction), string(u.outcome()))
	}

	m.advance(Committed)
	e.metrics.SetVersion(res.Reached)
	e.logger.Info("Migration complete", "version", res.Reached, "scripts", len(res.Applied))
	return nil
}

// checkIntegrity verifies applied scripts and refuses to apply a script the
// manifest has not recorded.
func (e *Executor) checkIntegrity(st history.State, plan *planner.Plan) error {
	if e.manifest == nil {
		var mismatches []errdefs.Mismatch
		for _, s := range e.catalog.Scripts {
			recorded, ok := st.Applied[s.ID]
			if ok && recorded != "" && recorded != integrity.Checksum(s.Raw) {
				mismatches = append(mismatches, errdefs.Mismatch{Script: s.ID, Expected: recorded, Actual: integrity.Checksum(s.Raw), Source: "history"})
			}
		}
		if len(mismatches) > 0 {
			return &errdefs.ChecksumMismatchError{Mismatches: mismatches}
		}
		return nil
	}
	mismatches := integrity.Verify(e.manifest, e.catalog.Scripts, st.Applied)
	for _, s := range plan.Scripts {
		if _, applied := st.Applied[s.ID]; applied {
			continue
		}
		if _, ok := e.manifest.Scripts[s.ID]; !ok {
			mismatches = append(mismatches, errdefs.Mismatch{Script: s.ID, Actual: integrity.Checksum(s.Raw), Source: "not in manifest"})
		}
	}
	if len(mismatches) > 0 {
		return &errdefs.ChecksumMismatchError{Mismatches: mismatches}
	}
	return nil
}

func (e *Executor) preflight(ctx context.Context, plan *planner.Plan) error {
	if e.validator == nil {
		return nil
	}
	live, err := introspect.Read(ctx, e.db, e.d)
	if err != nil {
		return err
	}
	res, err := e.validator.Validate(ctx, plan.From, live)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &errdefs.ValidationDriftError{
			Pair:   plan.Pair(),
			Step:   "pre-flight",
			Issues: res.Summary(),
		}
	}
	return nil
}

// verify checks the structure reached by u against its target version.
func (e *Executor) verify(ctx context.Context, q introspect.Queryer, u *unit, opts Options) error {
	if e.validator == nil || opts.SkipValidation || u.target == nil {
		return nil
	}
	live, err := introspect.Read(ctx, q, e.d)
	if err != nil {
		return err
	}
	res, err := e.validator.Validate(ctx, u.target, live)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &errdefs.ValidationDriftError{
			Pair:      u.pair(),
			StepIndex: len(u.steps),
			Step:      "verify",
			Issues:    res.Summary(),
		}
	}
	return nil
}

func (e *Executor) acquire(ctx context.Context) (lock.Lease, error) {
	start := time.Now()
	lease, err := lock.Acquire(ctx, e.locker, e.lockKey, e.lockOpts)
	e.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Acquired migration lock", "key", e.lockKey, "waited", time.Since(start).Round(time.Millisecond))
	return lease, nil
}

// release frees the lock. A failure is diagnostic only.
func (e *Executor) release(lease lock.Lease, m *Machine) {
	if err := lease.Release(context.Background()); err != nil {
		if m != nil {
			m.advance(LockReleaseError)
		}
		e.logger.Warn("Failed to release migration lock", "key", e.lockKey, "error", err)
		return
	}
	e.logger.Debug("Released migration lock", "key", e.lockKey)
}

func (e *Executor) entry(u *unit, version string, outcome history.Outcome, detail string) *history.Entry {
	return &history.Entry{
		Version:     version,
		FromVersion: u.from,
		Script:      u.id,
		Checksum:    u.checksum,
		Operator:    e.operator,
		Outcome:     outcome,
		Detail:      detail,
	}
}

func blockedError(st history.State) error {
	cause := st.Cause
	return &errdefs.RollbackFailureError{
		Pair:   pairFromScript(cause.Script, st.Current),
		Reason: fmt.Sprintf("history entry %d shows %s for script %s (acknowledge once the database is repaired)", cause.ID, cause.Outcome, cause.Script),
	}
}

func pairFromScript(id, current string) errdefs.VersionPair {
	if from, to, ok := strings.Cut(id, "_to_"); ok {
		return errdefs.VersionPair{From: from, To: to}
	}
	return errdefs.VersionPair{From: current, To: id}
}

// advance moves the machine; the executor only requests transitions the
// table allows, so a rejection is a bug.
func (m *Machine) advance(next State) {
	if err := m.To(next); err != nil {
		panic(err)
	}
}
