package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/satishbabariya/schemaforge/migrate/definition"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
	"github.com/satishbabariya/schemaforge/migrate/history"
	"github.com/satishbabariya/schemaforge/migrate/integrity"
	"github.com/satishbabariya/schemaforge/migrate/planner"
)

// unit is one script (or the root install) in execution direction.
type unit struct {
	id        string
	from      string
	to        string
	checksum  string
	direction planner.Direction
	steps     []unitStep
	target    *definition.SchemaVersion
}

type unitStep struct {
	name     string
	forward  []string
	rollback []string
	validate string
}

func (u *unit) pair() errdefs.VersionPair {
	return errdefs.VersionPair{From: u.from, To: u.to}
}

func (u *unit) outcome() history.Outcome {
	if u.direction == planner.Reverse {
		return history.RolledBack
	}
	return history.Applied
}

func (e *Executor) units(plan *planner.Plan) []*unit {
	var units []*unit
	if plan.Install != nil {
		units = append(units, installUnit(e, plan.Install))
	}
	for _, s := range plan.Scripts {
		u := &unit{
			id:        s.ID,
			checksum:  integrity.Checksum(s.Raw),
			direction: plan.Direction,
		}
		if plan.Direction == planner.Reverse {
			u.from, u.to = s.To.Original(), s.From.Original()
			for i := len(s.Steps) - 1; i >= 0; i-- {
				step := s.Steps[i]
				u.steps = append(u.steps, unitStep{
					name:     step.Name,
					forward:  []string{step.Rollback},
					rollback: []string{step.Forward},
				})
			}
		} else {
			u.from, u.to = s.From.Original(), s.To.Original()
			for _, step := range s.Steps {
				us := unitStep{name: step.Name, forward: []string{step.Forward}, validate: step.Validate}
				if step.Reversible() {
					us.rollback = []string{step.Rollback}
				}
				u.steps = append(u.steps, us)
			}
		}
		u.target, _ = e.catalog.Version(u.to)
		units = append(units, u)
	}
	return units
}

// installUnit creates the root version: one step per table with its indexes,
// then one per view.
func installUnit(e *Executor, root *definition.SchemaVersion) *unit {
	u := &unit{
		id:        history.InstallScript,
		to:        root.String(),
		direction: planner.Forward,
		target:    root,
	}
	for _, t := range root.Tables {
		u.steps = append(u.steps, unitStep{
			name:     "create table " + t.Name,
			forward:  append([]string{t.DDL}, t.Indexes...),
			rollback: []string{e.d.DropStatement("table", t.Name, "")},
		})
	}
	for _, v := range root.Views {
		u.steps = append(u.steps, unitStep{
			name:     "create view " + v.Name,
			forward:  append([]string{v.DDL}, v.Indexes...),
			rollback: []string{e.d.DropStatement("view", v.Name, "")},
		})
	}
	return u
}

// runTx executes u, its verification and its history entry in one transaction.
func (e *Executor) runTx(ctx context.Context, m *Machine, u *unit, opts Options) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		m.advance(RollingBack)
		m.advance(RolledBack)
		return &errdefs.StepExecutionError{Pair: u.pair(), Step: "begin", Cause: err}
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	for k, step := range u.steps {
		if _, err := e.runStep(ctx, tx, u, k, step); err != nil {
			return e.rollbackTx(ctx, m, tx, u, k+1, err)
		}
	}

	m.advance(Verifying)
	if err := e.verify(ctx, tx, u, opts); err != nil {
		return e.rollbackTx(ctx, m, tx, u, len(u.steps), err)
	}

	hist := history.NewManager(e.db, e.d).WithTx(tx)
	if err := hist.Append(ctx, e.entry(u, u.to, u.outcome(), "")); err != nil {
		return e.rollbackTx(ctx, m, tx, u, len(u.steps), err)
	}

	if err := tx.Commit(); err != nil {
		m.advance(RollingBack)
		m.advance(RolledBack)
		return fmt.Errorf("failed to commit migration %s: %w", u.id, err)
	}
	return nil
}

func (e *Executor) rollbackTx(ctx context.Context, m *Machine, tx *sql.Tx, u *unit, stepIndex int, cause error) error {
	m.advance(RollingBack)
	e.logger.Warn("Rolling back transaction", "script", u.id, "step", stepIndex, "error", cause)

	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		m.advance(FailedPartial)
		e.recordFailure(ctx, u, fmt.Sprintf("transaction rollback failed at step %d: %v", stepIndex, err))
		return &errdefs.RollbackFailureError{
			Pair:      u.pair(),
			StepIndex: stepIndex,
			Reason:    "transaction rollback failed",
			Cause:     multierror.Append(cause, err),
		}
	}

	m.advance(RolledBack)
	e.metrics.ObserveScript(string(u.direction), "failed")
	return cause
}

// runNonTx executes u statement by statement, compensating on failure.
func (e *Executor) runNonTx(ctx context.Context, m *Machine, u *unit, opts Options) error {
	hist := history.NewManager(e.db, e.d)
	if err := hist.Append(ctx, e.entry(u, u.from, history.Started, "to "+u.to)); err != nil {
		m.advance(RollingBack)
		m.advance(RolledBack)
		return err
	}

	done := 0
	for k, step := range u.steps {
		executed, err := e.runStep(ctx, e.db, u, k, step)
		if err != nil {
			undo := done
			if executed > 0 {
				undo = k + 1
			}
			return e.compensate(ctx, m, u, k+1, undo, err)
		}
		done = k + 1
	}

	m.advance(Verifying)
	if err := e.verify(ctx, e.db, u, opts); err != nil {
		return e.compensate(ctx, m, u, len(u.steps), len(u.steps), err)
	}

	if err := hist.Append(ctx, e.entry(u, u.to, u.outcome(), "")); err != nil {
		m.advance(RollingBack)
		m.advance(FailedPartial)
		return &errdefs.RollbackFailureError{
			Pair:      u.pair(),
			StepIndex: len(u.steps),
			Reason:    "steps were applied but the history entry could not be written",
			Cause:     err,
		}
	}
	return nil
}

// compensate undoes steps undo..1 in reverse order, best effort.
func (e *Executor) compensate(ctx context.Context, m *Machine, u *unit, stepIndex, undo int, cause error) error {
	m.advance(RollingBack)
	e.logger.Warn("Compensating", "script", u.id, "failed_step", stepIndex, "steps_to_undo", undo, "error", cause)

	cctx := context.WithoutCancel(ctx)
	var errs *multierror.Error
	for j := undo - 1; j >= 0; j-- {
		step := u.steps[j]
		if len(step.rollback) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("step %d (%s) has no rollback DDL", j+1, step.name))
			continue
		}
		for _, stmt := range step.rollback {
			if _, err := e.db.ExecContext(cctx, stmt); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("rollback of step %d (%s): %w", j+1, step.name, err))
				break
			}
		}
	}

	hist := history.NewManager(e.db, e.d)
	if errs.ErrorOrNil() == nil {
		m.advance(RolledBack)
		e.metrics.ObserveScript(string(u.direction), "failed")
		detail := fmt.Sprintf("compensated after step %d failed: %v", stepIndex, cause)
		if err := hist.Append(cctx, e.entry(u, u.from, history.RolledBack, detail)); err != nil {
			e.logger.Error("Failed to record compensation", "script", u.id, "error", err)
		}
		return cause
	}

	m.advance(FailedPartial)
	e.metrics.ObserveScript(string(u.direction), string(history.FailedPartial))
	e.recordFailure(cctx, u, fmt.Sprintf("step %d failed: %v; %v", stepIndex, cause, errs.ErrorOrNil()))
	return &errdefs.RollbackFailureError{
		Pair:      u.pair(),
		StepIndex: stepIndex,
		Reason:    "compensation did not restore version " + displayVersion(u.from),
		Cause:     multierror.Append(cause, errs.Errors...),
	}
}

func (e *Executor) recordFailure(ctx context.Context, u *unit, detail string) {
	hist := history.NewManager(e.db, e.d)
	if err := hist.Append(context.WithoutCancel(ctx), e.entry(u, u.from, history.FailedPartial, detail)); err != nil {
		e.logger.Error("Failed to record failed_partial entry", "script", u.id, "error", err)
	}
}

// runStep executes one step and its post-condition. It returns how many of
// the step's statements ran.
func (e *Executor) runStep(ctx context.Context, q history.DBTX, u *unit, k int, step unitStep) (int, error) {
	start := time.Now()
	executed := 0
	for _, stmt := range step.forward {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			e.metrics.ObserveStep(err)
			return executed, &errdefs.StepExecutionError{Pair: u.pair(), StepIndex: k + 1, Step: step.name, Cause: err}
		}
		executed++
	}

	if step.validate != "" {
		ok, actual, err := probe(ctx, q, step.validate)
		if err != nil {
			e.metrics.ObserveStep(err)
			return executed, &errdefs.StepExecutionError{
				Pair: u.pair(), StepIndex: k + 1, Step: step.name,
				Cause: fmt.Errorf("validation query: %w", err),
			}
		}
		if !ok {
			drift := &errdefs.ValidationDriftError{Pair: u.pair(), StepIndex: k + 1, Step: step.name, Query: step.validate, Actual: actual}
			e.metrics.ObserveStep(drift)
			return executed, drift
		}
	}

	e.metrics.ObserveStep(nil)
	e.logger.Debug("Step complete", "script", u.id, "step", k+1, "name", step.name, "duration", time.Since(start).Round(time.Millisecond))
	return executed, nil
}

// probe runs a post-condition query and reports whether its single value is truthy.
func probe(ctx context.Context, q history.DBTX, query string) (bool, string, error) {
	var v any
	if err := q.QueryRowContext(ctx, query).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "no rows", nil
		}
		return false, "", err
	}
	ok, display := truthy(v)
	return ok, display, nil
}

// truthy treats NULL, zero, false and empty values as false.
func truthy(v any) (bool, string) {
	switch x := v.(type) {
	case nil:
		return false, "NULL"
	case bool:
		return x, strconv.FormatBool(x)
	case int64:
		return x != 0, strconv.FormatInt(x, 10)
	case float64:
		return x != 0, strconv.FormatFloat(x, 'g', -1, 64)
	case []byte:
		return truthyString(string(x))
	case string:
		return truthyString(x)
	case time.Time:
		return true, x.Format(time.RFC3339)
	default:
		return truthyString(fmt.Sprint(x))
	}
}

func truthyString(s string) (bool, string) {
	t := strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f != 0, s
	}
	switch strings.ToLower(t) {
	case "", "f", "false":
		return false, strconv.Quote(s)
	}
	return true, s
}

func displayVersion(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}
