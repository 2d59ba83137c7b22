package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/satishbabariya/schemaforge/migrate/dialect"
	"github.com/satishbabariya/schemaforge/migrate/introspect"
)

// Execer runs DDL. *sql.DB and *sql.Tx satisfy it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Action is one change Restore makes.
type Action struct {
	Op     string // "drop" or "create"
	Object Object
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s %s", a.Op, a.Object.Kind, a.Object.Name)
}

// RestorePlan lists the drops and creates that return the live structure to a
// checkpoint. Table rows are not part of a checkpoint; recreated tables are
// empty.
type RestorePlan struct {
	Drops   []Action
	Creates []Action
}

// Empty reports whether the live structure already matches.
func (p *RestorePlan) Empty() bool {
	return len(p.Drops) == 0 && len(p.Creates) == 0
}

// Actions returns drops followed by creates.
func (p *RestorePlan) Actions() []Action {
	return append(append([]Action{}, p.Drops...), p.Creates...)
}

// PlanRestore compares live against cp. Objects whose DDL differs are dropped
// and recreated; indexes on a recreated table are recreated with it.
func PlanRestore(cp *Checkpoint, live *introspect.Structure) *RestorePlan {
	want := map[string]Object{}
	for _, o := range cp.Objects {
		want[key(o)] = o
	}
	have := map[string]Object{}
	for _, o := range Objects(live) {
		have[key(o)] = o
	}

	plan := &RestorePlan{}
	droppedTables := map[string]bool{}
	for _, t := range live.Tables {
		o := Object{Kind: KindTable, Name: t.Name, DDL: t.DDL}
		if w, ok := want[key(o)]; !ok || !sameDDL(w.DDL, o.DDL) {
			droppedTables[strings.ToLower(t.Name)] = true
		}
	}

	// Views first: they may depend on tables being dropped.
	for _, kind := range []string{KindView, KindIndex, KindTable} {
		for _, o := range Objects(live) {
			if o.Kind != kind {
				continue
			}
			if kind == KindIndex && droppedTables[strings.ToLower(o.Table)] {
				continue
			}
			w, ok := want[key(o)]
			if ok && sameDDL(w.DDL, o.DDL) {
				continue
			}
			plan.Drops = append(plan.Drops, Action{Op: "drop", Object: o})
		}
	}

	// Views reading a recreated table are rebuilt with it.
	rebuildViews := len(droppedTables) > 0
	for _, kind := range []string{KindTable, KindIndex, KindView} {
		for _, o := range cp.Objects {
			if o.Kind != kind {
				continue
			}
			h, ok := have[key(o)]
			switch {
			case !ok:
			case kind == KindIndex && droppedTables[strings.ToLower(o.Table)]:
			case kind == KindView && rebuildViews:
			case !sameDDL(h.DDL, o.DDL):
			default:
				continue
			}
			plan.Creates = append(plan.Creates, Action{Op: "create", Object: o})
		}
	}

	if rebuildViews {
		plan.Drops = ensureViewDrops(plan.Drops, live, want)
	}
	return plan
}

// ensureViewDrops adds drops for matching views that will be recreated.
func ensureViewDrops(drops []Action, live *introspect.Structure, want map[string]Object) []Action {
	seen := map[string]bool{}
	for _, a := range drops {
		if a.Object.Kind == KindView {
			seen[strings.ToLower(a.Object.Name)] = true
		}
	}
	var extra []Action
	for _, v := range live.Views {
		if seen[strings.ToLower(v.Name)] {
			continue
		}
		if _, ok := want[key(Object{Kind: KindView, Name: v.Name})]; ok {
			extra = append(extra, Action{Op: "drop", Object: Object{Kind: KindView, Name: v.Name, DDL: v.DDL}})
		}
	}
	return append(extra, drops...)
}

// Restore applies PlanRestore's actions to q.
func Restore(ctx context.Context, q Execer, d dialect.Dialect, cp *Checkpoint, live *introspect.Structure) (*RestorePlan, error) {
	if cp.Dialect != "" && cp.Dialect != d.String() {
		return nil, fmt.Errorf("checkpoint %s was taken on %s, not %s", cp.ID, cp.Dialect, d)
	}

	plan := PlanRestore(cp, live)
	for _, a := range plan.Drops {
		stmt := d.DropStatement(a.Object.Kind, a.Object.Name, a.Object.Table)
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return plan, fmt.Errorf("restore %s: %w", a, err)
		}
	}
	for _, a := range plan.Creates {
		if strings.TrimSpace(a.Object.DDL) == "" {
			return plan, fmt.Errorf("restore %s: checkpoint holds no DDL", a)
		}
		if _, err := q.ExecContext(ctx, a.Object.DDL); err != nil {
			return plan, fmt.Errorf("restore %s: %w", a, err)
		}
	}
	return plan, nil
}

func key(o Object) string {
	return o.Kind + ":" + strings.ToLower(o.Name)
}

func sameDDL(a, b string) bool {
	return strings.EqualFold(introspect.CollapseSpace(a), introspect.CollapseSpace(b))
}
