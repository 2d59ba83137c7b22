// Package definition loads versioned schema definitions and the migration
// scripts connecting them.
package definition

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/go-version"
)

var semverPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)$`)

// ParseVersion parses a strict major.minor.patch version. Leading zeros are
// rejected so that no two accepted strings compare equal.
func ParseVersion(s string) (*version.Version, error) {
	if !semverPattern.MatchString(s) {
		return nil, fmt.Errorf("%q is not a major.minor.patch version", s)
	}
	return version.NewVersion(s)
}

// SchemaVersion is the declared structure of the database at one version.
type SchemaVersion struct {
	Version            *version.Version
	Description        string
	Author             string
	BackwardCompatible bool
	Tables             []TableDefinition
	Views              []ViewDefinition
	Path               string
}

// String returns the canonical version string.
func (v *SchemaVersion) String() string { return v.Version.Original() }

// ObjectNames returns every declared table and view name.
func (v *SchemaVersion) ObjectNames() []string {
	names := make([]string, 0, len(v.Tables)+len(v.Views))
	for _, t := range v.Tables {
		names = append(names, t.Name)
	}
	for _, vw := range v.Views {
		names = append(names, vw.Name)
	}
	return names
}

// Statements returns the DDL that creates this version from an empty
// database: tables, then their indexes, then views.
func (v *SchemaVersion) Statements() []string {
	var stmts []string
	for _, t := range v.Tables {
		stmts = append(stmts, t.DDL)
	}
	for _, t := range v.Tables {
		stmts = append(stmts, t.Indexes...)
	}
	for _, vw := range v.Views {
		stmts = append(stmts, vw.DDL)
	}
	return stmts
}

// TableDefinition declares one table.
type TableDefinition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	DDL         string   `yaml:"ddl"`
	Indexes     []string `yaml:"indexes,omitempty"`
}

// ViewDefinition declares one view.
type ViewDefinition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	DDL         string   `yaml:"ddl"`
	Indexes     []string `yaml:"indexes,omitempty"`
}

// MigrationStep is one reversible (or irreversible) unit of a script.
type MigrationStep struct {
	Name     string
	Forward  string
	Rollback string
	Validate string
	Line     int
}

// Reversible reports whether the step carries rollback DDL.
func (s MigrationStep) Reversible() bool { return s.Rollback != "" }

// MigrationScript moves the database between two adjacent versions.
type MigrationScript struct {
	ID    string
	From  *version.Version
	To    *version.Version
	Steps []MigrationStep
	Raw   []byte
	Path  string
}

// ScriptID returns the identity of the script connecting from and to.
func ScriptID(from, to string) string {
	return from + "_to_" + to
}

// FirstIrreversible returns the 1-based index of the first step without
// rollback DDL, or 0 when every step can be reversed.
func (s *MigrationScript) FirstIrreversible() int {
	for i, step := range s.Steps {
		if !step.Reversible() {
			return i + 1
		}
	}
	return 0
}

// Catalog is the loaded, ordered set of versions and scripts.
type Catalog struct {
	Versions []*SchemaVersion
	Scripts  []*MigrationScript

	byVersion map[string]*SchemaVersion
	byFrom    map[string]*MigrationScript
}

func newCatalog(versions []*SchemaVersion, scripts []*MigrationScript) *Catalog {
	c := &Catalog{
		Versions:  versions,
		Scripts:   scripts,
		byVersion: make(map[string]*SchemaVersion, len(versions)),
		byFrom:    make(map[string]*MigrationScript, len(scripts)),
	}
	for _, v := range versions {
		c.byVersion[v.String()] = v
	}
	for _, s := range scripts {
		c.byFrom[s.From.Original()] = s
	}
	return c
}

// Root returns the lowest declared version, or nil for an empty catalog.
func (c *Catalog) Root() *SchemaVersion {
	if len(c.Versions) == 0 {
		return nil
	}
	return c.Versions[0]
}

// Latest returns the highest declared version, or nil for an empty catalog.
func (c *Catalog) Latest() *SchemaVersion {
	if len(c.Versions) == 0 {
		return nil
	}
	return c.Versions[len(c.Versions)-1]
}

// Version looks up a declared version.
func (c *Catalog) Version(v string) (*SchemaVersion, bool) {
	sv, ok := c.byVersion[v]
	return sv, ok
}

// Index returns the position of v in the declared order, or -1.
func (c *Catalog) Index(v string) int {
	for i, sv := range c.Versions {
		if sv.String() == v {
			return i
		}
	}
	return -1
}

// ScriptFrom returns the forward script leaving version v.
func (c *Catalog) ScriptFrom(v string) (*MigrationScript, bool) {
	s, ok := c.byFrom[v]
	return s, ok
}

// Script looks up a script by identity.
func (c *Catalog) Script(id string) (*MigrationScript, bool) {
	for _, s := range c.Scripts {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}
