// Package planner computes the ordered list of scripts between two versions.
package planner

import (
	"fmt"

	"github.com/satishbabariya/schemaforge/migrate/definition"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
)

// Direction of a plan.
type Direction string

const (
	Forward Direction = "forward"
	Reverse Direction = "reverse"
	None    Direction = "none"
)

// Plan is an ordered migration path.
type Plan struct {
	// From is nil when the database has no history.
	From      *definition.SchemaVersion
	To        *definition.SchemaVersion
	Direction Direction
	// Install is the root version created from its full DDL on a fresh database.
	Install *definition.SchemaVersion
	// Scripts in execution order. Reverse plans run each script's rollback DDL.
	Scripts []*definition.MigrationScript
	// DryRun plans are descriptive only and must not be executed.
	DryRun bool
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	return p.Install == nil && len(p.Scripts) == 0
}

// Pair returns the version pair the plan covers.
func (p *Plan) Pair() errdefs.VersionPair {
	pair := errdefs.VersionPair{To: p.To.String()}
	if p.From != nil {
		pair.From = p.From.String()
	}
	return pair
}

// Steps returns the total number of steps the plan executes.
func (p *Plan) Steps() int {
	n := 0
	if p.Install != nil {
		n += len(p.Install.Statements())
	}
	for _, s := range p.Scripts {
		n += len(s.Steps)
	}
	return n
}

// Planner plans against a loaded catalog.
type Planner struct {
	catalog *definition.Catalog
}

// New creates a planner for the catalog.
func New(catalog *definition.Catalog) *Planner {
	return &Planner{catalog: catalog}
}

// Plan computes the path from current to target. An empty current means a
// fresh database; an empty target means the latest declared version.
func (p *Planner) Plan(current, target string) (*Plan, error) {
	latest := p.catalog.Latest()
	if latest == nil {
		return nil, &errdefs.MigrationPathGapError{
			Pair:   errdefs.VersionPair{From: current, To: target},
			Reason: "no versions are declared",
		}
	}
	if target == "" {
		target = latest.String()
	}
	pair := errdefs.VersionPair{From: current, To: target}

	to, ok := p.catalog.Version(target)
	if !ok {
		return nil, &errdefs.MigrationPathGapError{Pair: pair, Reason: fmt.Sprintf("target version %s is not declared", target)}
	}
	ti := p.catalog.Index(target)

	plan := &Plan{To: to}

	if current == "" {
		plan.Direction = Forward
		plan.Install = p.catalog.Root()
		scripts, err := p.forward(pair, 0, ti)
		if err != nil {
			return nil, err
		}
		plan.Scripts = scripts
		return plan, nil
	}

	from, ok := p.catalog.Version(current)
	if !ok {
		return nil, &errdefs.MigrationPathGapError{Pair: pair, Reason: fmt.Sprintf("current version %s is not declared", current)}
	}
	plan.From = from
	ci := p.catalog.Index(current)

	switch {
	case ti > ci:
		plan.Direction = Forward
		scripts, err := p.forward(pair, ci, ti)
		if err != nil {
			return nil, err
		}
		plan.Scripts = scripts
	case ti < ci:
		plan.Direction = Reverse
		scripts, err := p.reverse(pair, ci, ti)
		if err != nil {
			return nil, err
		}
		plan.Scripts = scripts
	default:
		plan.Direction = None
	}

	return plan, nil
}

// DryRun computes the same plan as Plan and marks it non-executable.
func (p *Planner) DryRun(current, target string) (*Plan, error) {
	plan, err := p.Plan(current, target)
	if err != nil {
		return nil, err
	}
	plan.DryRun = true
	return plan, nil
}

func (p *Planner) forward(pair errdefs.VersionPair, from, to int) ([]*definition.MigrationScript, error) {
	var scripts []*definition.MigrationScript
	for i := from; i < to; i++ {
		v := p.catalog.Versions[i].String()
		s, ok := p.catalog.ScriptFrom(v)
		if !ok {
			return nil, &errdefs.MigrationPathGapError{
				Pair:   pair,
				Reason: fmt.Sprintf("missing script %s", definition.ScriptID(v, p.catalog.Versions[i+1].String())),
			}
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

func (p *Planner) reverse(pair errdefs.VersionPair, from, to int) ([]*definition.MigrationScript, error) {
	var scripts []*definition.MigrationScript
	for i := from - 1; i >= to; i-- {
		v := p.catalog.Versions[i].String()
		s, ok := p.catalog.ScriptFrom(v)
		if !ok {
			return nil, &errdefs.MigrationPathGapError{
				Pair:   pair,
				Reason: fmt.Sprintf("missing script %s", definition.ScriptID(v, p.catalog.Versions[i+1].String())),
			}
		}
		if k := s.FirstIrreversible(); k > 0 {
			return nil, &errdefs.MigrationPathGapError{
				Pair:   pair,
				Reason: fmt.Sprintf("script %s step %d (%s) has no rollback DDL", s.ID, k, s.Steps[k-1].Name),
			}
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}
