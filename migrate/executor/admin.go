package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/satishbabariya/schemaforge/migrate/errdefs"
	"github.com/satishbabariya/schemaforge/migrate/history"
	"github.com/satishbabariya/schemaforge/migrate/introspect"
)

// LockedFunc runs while the migration lock is held. st is read under the lock.
type LockedFunc func(ctx context.Context, hist *history.Manager, st history.State) error

// WithLock acquires the lock, reads history and calls fn.
func (e *Executor) WithLock(ctx context.Context, operation string, fn LockedFunc) (err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation(operation, time.Since(start), err) }()

	lease, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer e.release(lease, nil)

	hist := history.NewManager(e.db, e.d)
	if err := hist.InitTable(ctx); err != nil {
		return err
	}
	st, err := hist.State(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, hist, st)
}

// Baseline adopts an untracked database at version after checking that its
// structure matches.
func (e *Executor) Baseline(ctx context.Context, version string, skipValidation bool) error {
	sv, ok := e.catalog.Version(version)
	if !ok {
		return &errdefs.MigrationPathGapError{
			Pair:   errdefs.VersionPair{To: version},
			Reason: fmt.Sprintf("version %s is not declared", version),
		}
	}

	return e.WithLock(ctx, "baseline", func(ctx context.Context, hist *history.Manager, st history.State) error {
		if st.Entries > 0 {
			return fmt.Errorf("database already has %d history entries (current version %s); baseline only adopts untracked databases",
				st.Entries, displayVersion(st.Current))
		}

		if e.validator != nil && !skipValidation {
			live, err := introspect.Read(ctx, e.db, e.d)
			if err != nil {
				return err
			}
			res, err := e.validator.Validate(ctx, sv, live)
			if err != nil {
				return err
			}
			if !res.OK() {
				return &errdefs.ValidationDriftError{
					Pair:   errdefs.VersionPair{To: version},
					Step:   "baseline",
					Issues: res.Summary(),
				}
			}
		}

		e.logger.Info("Baselining database", "version", version)
		e.metrics.SetVersion(version)
		return hist.Append(ctx, &history.Entry{
			Version:  version,
			Operator: e.operator,
			Outcome:  history.Applied,
			Detail:   "baseline",
		})
	})
}

// Acknowledge records that an operator repaired the database by hand and it
// is now at version. It clears a failed_partial or interrupted history.
func (e *Executor) Acknowledge(ctx context.Context, version, detail string) error {
	if _, ok := e.catalog.Version(version); !ok {
		return &errdefs.MigrationPathGapError{
			Pair:   errdefs.VersionPair{To: version},
			Reason: fmt.Sprintf("version %s is not declared", version),
		}
	}

	return e.WithLock(ctx, "acknowledge", func(ctx context.Context, hist *history.Manager, st history.State) error {
		if !st.NeedsIntervention() {
			e.logger.Warn("History is not blocked; recording acknowledgement anyway", "current", st.Current)
		}
		if detail == "" {
			detail = "acknowledged by operator"
		}
		e.metrics.SetVersion(version)
		return hist.Append(ctx, &history.Entry{
			Version:     version,
			FromVersion: st.Current,
			Operator:    e.operator,
			Outcome:     history.Acknowledged,
			Detail:      detail,
		})
	})
}
