// Package validator compares a live database structure against a declared
// schema version and reports drift.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/satishbabariya/schemaforge/internal/debug"
	"github.com/satishbabariya/schemaforge/migrate/definition"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
	"github.com/satishbabariya/schemaforge/migrate/introspect"
)

// Kind classifies an issue.
type Kind string

const (
	MissingObject  Kind = "missing_object"
	ExtraObject    Kind = "extra_object"
	ColumnMismatch Kind = "column_mismatch"
	IndexMismatch  Kind = "index_mismatch"
)

// Severity of an issue. Only errors block migrations.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Mode is how deep a validation went.
type Mode string

const (
	// ModeFull compares columns and indexes against a shadow materialization.
	ModeFull Mode = "full"
	// ModeObjects only checks that declared tables and views exist.
	ModeObjects Mode = "objects"
)

// Issue is one difference between declared and live structure.
type Issue struct {
	Kind     Kind     `json:"kind"`
	Object   string   `json:"object"`
	Detail   string   `json:"detail"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s %s: %s", i.Severity, i.Kind, i.Object, i.Detail)
}

// Result is the outcome of one validation.
type Result struct {
	Version string  `json:"version"`
	Mode    Mode    `json:"mode"`
	Issues  []Issue `json:"issues"`
}

// OK reports whether the result has no error issues.
func (r *Result) OK() bool {
	return len(r.Errors()) == 0
}

// Errors returns the blocking issues.
func (r *Result) Errors() []Issue { return r.filter(SeverityError) }

// Warnings returns the informational issues.
func (r *Result) Warnings() []Issue { return r.filter(SeverityWarning) }

func (r *Result) filter(s Severity) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == s {
			out = append(out, i)
		}
	}
	return out
}

// Summary renders the error issues one per line.
func (r *Result) Summary() []string {
	var out []string
	for _, i := range r.Errors() {
		out = append(out, i.String())
	}
	return out
}

// JSON renders the result. Identical inputs produce identical bytes.
func (r *Result) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ExpectedResolver derives the structure a version produces.
type ExpectedResolver interface {
	Expected(ctx context.Context, sv *definition.SchemaVersion) (*introspect.Structure, error)
}

// Validator checks live structures. It never writes to the database.
type Validator struct {
	resolver ExpectedResolver
	logger   *slog.Logger
}

// New creates a validator. With a nil resolver every validation runs in
// ModeObjects.
func New(resolver ExpectedResolver, logger *slog.Logger) *Validator {
	return &Validator{resolver: resolver, logger: debug.Or(logger)}
}

// Validate compares live against sv.
func (v *Validator) Validate(ctx context.Context, sv *definition.SchemaVersion, live *introspect.Structure) (*Result, error) {
	if v.resolver == nil {
		return Objects(sv, live), nil
	}

	expected, err := v.resolver.Expected(ctx, sv)
	if err != nil {
		if errdefs.KindOf(err) == errdefs.KindDefinitionParse {
			return nil, err
		}
		v.logger.Warn("Shadow database unavailable, validating objects only", "version", sv.String(), "error", err)
		return Objects(sv, live), nil
	}
	return Compare(sv.String(), expected, live), nil
}

// Objects checks only that declared tables and views exist.
func Objects(sv *definition.SchemaVersion, live *introspect.Structure) *Result {
	var issues []Issue
	tables := map[string]bool{}
	views := map[string]bool{}

	for _, t := range sv.Tables {
		tables[strings.ToLower(t.Name)] = true
		if _, ok := live.Table(t.Name); !ok {
			issues = append(issues, missing(t.Name, "table"))
		}
	}
	for _, vw := range sv.Views {
		views[strings.ToLower(vw.Name)] = true
		if _, ok := live.View(vw.Name); !ok {
			issues = append(issues, missing(vw.Name, "view"))
		}
	}
	issues = append(issues, extras(live, tables, views)...)

	return finish(sv.String(), ModeObjects, issues)
}

// Compare checks live against an expected structure column by column.
func Compare(version string, expected, live *introspect.Structure) *Result {
	var issues []Issue
	tables := map[string]bool{}
	views := map[string]bool{}

	for i := range expected.Tables {
		want := &expected.Tables[i]
		tables[strings.ToLower(want.Name)] = true
		got, ok := live.Table(want.Name)
		if !ok {
			issues = append(issues, missing(want.Name, "table"))
			continue
		}
		issues = append(issues, compareColumns(want.Name, want.Columns, got.Columns)...)
		issues = append(issues, compareKeys(want, got)...)
		issues = append(issues, compareIndexes(want, got)...)
	}

	for i := range expected.Views {
		want := &expected.Views[i]
		views[strings.ToLower(want.Name)] = true
		got, ok := live.View(want.Name)
		if !ok {
			issues = append(issues, missing(want.Name, "view"))
			continue
		}
		// view bodies are normalized differently by every engine; columns are compared instead
		issues = append(issues, compareColumns(want.Name, want.Columns, got.Columns)...)
	}

	issues = append(issues, extras(live, tables, views)...)
	return finish(version, ModeFull, issues)
}

func compareColumns(object string, want, got []introspect.Column) []Issue {
	var issues []Issue
	live := make(map[string]introspect.Column, len(got))
	for _, c := range got {
		live[strings.ToLower(c.Name)] = c
	}

	declared := map[string]bool{}
	for _, w := range want {
		declared[strings.ToLower(w.Name)] = true
		g, ok := live[strings.ToLower(w.Name)]
		name := object + "." + w.Name
		if !ok {
			issues = append(issues, Issue{Kind: ColumnMismatch, Object: name, Detail: "column missing", Severity: SeverityError})
			continue
		}
		if !strings.EqualFold(introspect.CollapseSpace(w.Type), introspect.CollapseSpace(g.Type)) {
			issues = append(issues, Issue{Kind: ColumnMismatch, Object: name,
				Detail: fmt.Sprintf("type %s, expected %s", g.Type, w.Type), Severity: SeverityError})
		}
		if w.Nullable != g.Nullable {
			issues = append(issues, Issue{Kind: ColumnMismatch, Object: name,
				Detail: fmt.Sprintf("nullable %t, expected %t", g.Nullable, w.Nullable), Severity: SeverityError})
		}
		if deref(w.Default) != deref(g.Default) {
			issues = append(issues, Issue{Kind: ColumnMismatch, Object: name,
				Detail: fmt.Sprintf("default %q, expected %q", deref(g.Default), deref(w.Default)), Severity: SeverityError})
		}
	}

	for _, g := range got {
		if !declared[strings.ToLower(g.Name)] {
			issues = append(issues, Issue{Kind: ColumnMismatch, Object: object + "." + g.Name,
				Detail: "column not declared", Severity: SeverityWarning})
		}
	}
	return issues
}

func compareKeys(want, got *introspect.Table) []Issue {
	var issues []Issue
	if !equalFold(want.PrimaryKey, got.PrimaryKey) {
		issues = append(issues, Issue{Kind: ColumnMismatch, Object: want.Name,
			Detail: fmt.Sprintf("primary key (%s), expected (%s)", strings.Join(got.PrimaryKey, ", "), strings.Join(want.PrimaryKey, ", ")),
			Severity: SeverityError})
	}

	fkKey := func(fk introspect.ForeignKey) string {
		return strings.ToLower(strings.Join(fk.Columns, ",") + "->" + fk.ReferencedTable + "(" + strings.Join(fk.ReferencedColumns, ",") + ")")
	}
	live := map[string]bool{}
	for _, fk := range got.ForeignKeys {
		live[fkKey(fk)] = true
	}
	for _, fk := range want.ForeignKeys {
		if !live[fkKey(fk)] {
			issues = append(issues, Issue{Kind: ColumnMismatch, Object: want.Name,
				Detail: fmt.Sprintf("foreign key (%s) -> %s missing", strings.Join(fk.Columns, ", "), fk.ReferencedTable),
				Severity: SeverityError})
		}
	}
	return issues
}

func compareIndexes(want, got *introspect.Table) []Issue {
	var issues []Issue
	live := make(map[string]introspect.Index, len(got.Indexes))
	for _, idx := range got.Indexes {
		live[strings.ToLower(idx.Name)] = idx
	}

	declared := map[string]bool{}
	for _, w := range want.Indexes {
		declared[strings.ToLower(w.Name)] = true
		name := want.Name + "." + w.Name
		g, ok := live[strings.ToLower(w.Name)]
		switch {
		case !ok:
			issues = append(issues, Issue{Kind: IndexMismatch, Object: name, Detail: "index missing", Severity: SeverityError})
		case !equalFold(w.Columns, g.Columns):
			issues = append(issues, Issue{Kind: IndexMismatch, Object: name,
				Detail: fmt.Sprintf("columns (%s), expected (%s)", strings.Join(g.Columns, ", "), strings.Join(w.Columns, ", ")),
				Severity: SeverityError})
		case w.Unique != g.Unique:
			issues = append(issues, Issue{Kind: IndexMismatch, Object: name,
				Detail: fmt.Sprintf("unique %t, expected %t", g.Unique, w.Unique), Severity: SeverityError})
		}
	}

	for _, g := range got.Indexes {
		if !declared[strings.ToLower(g.Name)] {
			issues = append(issues, Issue{Kind: IndexMismatch, Object: want.Name + "." + g.Name,
				Detail: "index not declared", Severity: SeverityWarning})
		}
	}
	return issues
}

func missing(name, kind string) Issue {
	return Issue{Kind: MissingObject, Object: name, Detail: kind + " missing", Severity: SeverityError}
}

func extras(live *introspect.Structure, tables, views map[string]bool) []Issue {
	var issues []Issue
	for _, t := range live.Tables {
		if !tables[strings.ToLower(t.Name)] {
			issues = append(issues, Issue{Kind: ExtraObject, Object: t.Name, Detail: "table not declared", Severity: SeverityWarning})
		}
	}
	for _, vw := range live.Views {
		if !views[strings.ToLower(vw.Name)] {
			issues = append(issues, Issue{Kind: ExtraObject, Object: vw.Name, Detail: "view not declared", Severity: SeverityWarning})
		}
	}
	return issues
}

func finish(version string, mode Mode, issues []Issue) *Result {
	sort.Slice(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Object != b.Object {
			return a.Object < b.Object
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Detail < b.Detail
	})
	if issues == nil {
		issues = []Issue{}
	}
	return &Result{Version: version, Mode: mode, Issues: issues}
}

func equalFold(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
