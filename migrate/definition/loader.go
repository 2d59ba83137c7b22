package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/satishbabariya/schemaforge/internal/debug"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
)

// ScriptExt is the file extension of migration scripts.
const ScriptExt = ".mig"

type definitionFile struct {
	Version            string            `yaml:"version"`
	Description        string            `yaml:"description"`
	Author             string            `yaml:"author"`
	BackwardCompatible bool              `yaml:"backward_compatible"`
	Tables             []TableDefinition `yaml:"tables"`
	Views              []ViewDefinition  `yaml:"views"`
}

// Loader reads definitions and scripts from a filesystem.
type Loader struct {
	fs             afero.Fs
	definitionsDir string
	migrationsDir  string
}

// NewLoader creates a loader rooted at the given directories.
func NewLoader(fs afero.Fs, definitionsDir, migrationsDir string) *Loader {
	return &Loader{fs: fs, definitionsDir: definitionsDir, migrationsDir: migrationsDir}
}

// Load reads and cross-checks every definition and script.
func (l *Loader) Load() (*Catalog, error) {
	versions, err := l.loadVersions()
	if err != nil {
		return nil, err
	}

	scripts, err := l.loadScripts(versions)
	if err != nil {
		return nil, err
	}

	byFrom := make(map[string]bool, len(scripts))
	for _, s := range scripts {
		byFrom[s.From.Original()] = true
	}
	for i := 1; i < len(versions); i++ {
		prev := versions[i-1].String()
		if !byFrom[prev] {
			return nil, &errdefs.VersionOrderError{
				Version: versions[i].String(),
				Reason:  fmt.Sprintf("unreachable: no migration script from %s", prev),
			}
		}
	}

	debug.Debug("Loaded schema catalog", "versions", len(versions), "scripts", len(scripts))
	return newCatalog(versions, scripts), nil
}

// LoadDefinitions reads only the definitions. Scripts are not required, so a
// version still waiting for its script can be inspected.
func (l *Loader) LoadDefinitions() (*Catalog, error) {
	versions, err := l.loadVersions()
	if err != nil {
		return nil, err
	}
	return newCatalog(versions, nil), nil
}

func (l *Loader) loadVersions() ([]*SchemaVersion, error) {
	entries, err := afero.ReadDir(l.fs, l.definitionsDir)
	if err != nil {
		return nil, &errdefs.DefinitionParseError{File: l.definitionsDir, Reason: "cannot read definitions directory", Cause: err}
	}

	var (
		versions []*SchemaVersion
		errs     *multierror.Error
		seen     = map[string]string{}
	)
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(l.definitionsDir, e.Name())
		sv, err := l.loadVersion(path)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if stem := strings.TrimSuffix(e.Name(), ext); stem != sv.String() {
			errs = multierror.Append(errs, &errdefs.VersionOrderError{
				Version: sv.String(),
				Reason:  fmt.Sprintf("declared in %s; file name must match the version", e.Name()),
			})
			continue
		}
		if other, dup := seen[sv.String()]; dup {
			errs = multierror.Append(errs, &errdefs.VersionOrderError{
				Version: sv.String(),
				Reason:  fmt.Sprintf("declared twice (%s and %s)", other, path),
			})
			continue
		}
		seen[sv.String()] = path
		versions = append(versions, sv)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version.LessThan(versions[j].Version)
	})
	for i := 1; i < len(versions); i++ {
		if versions[i].Version.Equal(versions[i-1].Version) {
			errs = multierror.Append(errs, &errdefs.VersionOrderError{
				Version: versions[i].String(),
				Reason:  fmt.Sprintf("compares equal to %s (%s)", versions[i-1], versions[i-1].Path),
			})
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return versions, nil
}

func (l *Loader) loadVersion(path string) (*SchemaVersion, error) {
	raw, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, &errdefs.DefinitionParseError{File: path, Reason: "cannot read file", Cause: err}
	}

	var df definitionFile
	if err := yaml.Unmarshal(raw, &df); err != nil {
		return nil, &errdefs.DefinitionParseError{File: path, Reason: "invalid YAML", Cause: err}
	}

	v, err := ParseVersion(df.Version)
	if err != nil {
		return nil, &errdefs.VersionOrderError{Version: df.Version, Reason: fmt.Sprintf("in %s: %v", path, err)}
	}

	sv := &SchemaVersion{
		Version:            v,
		Description:        df.Description,
		Author:             df.Author,
		BackwardCompatible: df.BackwardCompatible,
		Path:               path,
	}

	names := map[string]bool{}
	claim := func(name string) error {
		key := strings.ToLower(name)
		if name == "" {
			return &errdefs.DefinitionParseError{File: path, Reason: "object without a name"}
		}
		if names[key] {
			return &errdefs.DefinitionParseError{File: path, Reason: fmt.Sprintf("duplicate object name %q", name)}
		}
		names[key] = true
		return nil
	}

	for _, t := range df.Tables {
		if err := claim(t.Name); err != nil {
			return nil, err
		}
		if err := checkDDL(path, t.Name, t.DDL, t.Indexes); err != nil {
			return nil, err
		}
		t.DDL = strings.TrimSpace(t.DDL)
		t.Indexes = trimAll(t.Indexes)
		sv.Tables = append(sv.Tables, t)
	}
	for _, vw := range df.Views {
		if err := claim(vw.Name); err != nil {
			return nil, err
		}
		if err := checkDDL(path, vw.Name, vw.DDL, vw.Indexes); err != nil {
			return nil, err
		}
		vw.DDL = strings.TrimSpace(vw.DDL)
		vw.Indexes = trimAll(vw.Indexes)
		sv.Views = append(sv.Views, vw)
	}

	return sv, nil
}

func checkDDL(path, object, ddl string, indexes []string) error {
	if strings.TrimSpace(ddl) == "" {
		return &errdefs.DefinitionParseError{File: path, Reason: fmt.Sprintf("object %q has empty DDL", object)}
	}
	for i, idx := range indexes {
		if strings.TrimSpace(idx) == "" {
			return &errdefs.DefinitionParseError{File: path, Reason: fmt.Sprintf("object %q index %d has empty DDL", object, i+1)}
		}
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

func (l *Loader) loadScripts(versions []*SchemaVersion) ([]*MigrationScript, error) {
	entries, err := afero.ReadDir(l.fs, l.migrationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errdefs.DefinitionParseError{File: l.migrationsDir, Reason: "cannot read migrations directory", Cause: err}
	}

	index := make(map[string]int, len(versions))
	for i, v := range versions {
		index[v.String()] = i
	}

	var (
		scripts []*MigrationScript
		errs    *multierror.Error
		pairs   = map[string]string{}
	)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ScriptExt {
			continue
		}
		path := filepath.Join(l.migrationsDir, e.Name())
		raw, err := afero.ReadFile(l.fs, path)
		if err != nil {
			errs = multierror.Append(errs, &errdefs.DefinitionParseError{File: path, Reason: "cannot read file", Cause: err})
			continue
		}
		s, err := ParseScript(path, raw)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := checkScript(s, e.Name(), index, pairs); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		pairs[s.ID] = path
		scripts = append(scripts, s)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	sort.Slice(scripts, func(i, j int) bool {
		return scripts[i].From.LessThan(scripts[j].From)
	})
	return scripts, nil
}

func checkScript(s *MigrationScript, fileName string, index map[string]int, pairs map[string]string) error {
	from, to := s.From.Original(), s.To.Original()

	stem := strings.TrimSuffix(fileName, ScriptExt)
	if stem != s.ID && !strings.HasPrefix(stem, s.ID+"_") {
		return &errdefs.DefinitionParseError{
			File:   s.Path,
			Reason: fmt.Sprintf("header declares %s but file name is %s", s.ID, fileName),
		}
	}

	fi, okFrom := index[from]
	ti, okTo := index[to]
	switch {
	case !okFrom:
		return &errdefs.DefinitionParseError{File: s.Path, Reason: fmt.Sprintf("references undeclared version %s", from)}
	case !okTo:
		return &errdefs.DefinitionParseError{File: s.Path, Reason: fmt.Sprintf("references undeclared version %s", to)}
	case ti != fi+1:
		return &errdefs.VersionOrderError{
			Version: to,
			Reason:  fmt.Sprintf("script %s does not connect adjacent versions", s.ID),
		}
	}

	if other, dup := pairs[s.ID]; dup {
		return &errdefs.VersionOrderError{
			Version: to,
			Reason:  fmt.Sprintf("more than one script for %s (%s and %s)", s.ID, other, s.Path),
		}
	}
	return nil
}
