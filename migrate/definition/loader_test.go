package definition

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/schemaforge/migrate/errdefs"
)

const v220 = `version: 2.2.0
description: Baseline
author: data-platform
backward_compatible: true
tables:
  - name: land_use
    ddl: |
      CREATE TABLE land_use (id INTEGER PRIMARY KEY, county TEXT NOT NULL, acres REAL)
    indexes:
      - CREATE INDEX idx_land_use_county ON land_use (county)
views:
  - name: v_county_acres
    ddl: CREATE VIEW v_county_acres AS SELECT county, SUM(acres) AS acres FROM land_use GROUP BY county
`

const v230 = `version: 2.3.0
description: Adds new_table
tables:
  - name: land_use
    ddl: |
      CREATE TABLE land_use (id INTEGER PRIMARY KEY, county TEXT NOT NULL, acres REAL)
    indexes:
      - CREATE INDEX idx_land_use_county ON land_use (county)
  - name: new_table
    ddl: CREATE TABLE new_table (id INTEGER PRIMARY KEY, label TEXT NOT NULL)
views:
  - name: v_county_acres
    ddl: CREATE VIEW v_county_acres AS SELECT county, SUM(acres) AS acres FROM land_use GROUP BY county
`

const script220to230 = `-- adds the new table
migration "2.2.0" -> "2.3.0"

step "create new_table" {
  forward <<<
    CREATE TABLE new_table (id INTEGER PRIMARY KEY, label TEXT NOT NULL)
  >>>
  rollback <<<
    DROP TABLE new_table
  >>>
  validate <<<
    SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'new_table'
  >>>
}
`

func writeFiles(t *testing.T, fs afero.Fs, files map[string]string) {
	t.Helper()
	for path, content := range files {
		require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
}

func TestLoadCatalog(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"definitions/2.2.0.yaml":        v220,
		"definitions/2.3.0.yaml":        v230,
		"migrations/2.2.0_to_2.3.0.mig": script220to230,
	})

	cat, err := NewLoader(fs, "definitions", "migrations").Load()
	require.NoError(t, err)

	require.Len(t, cat.Versions, 2)
	assert.Equal(t, "2.2.0", cat.Root().String())
	assert.Equal(t, "2.3.0", cat.Latest().String())

	root := cat.Root()
	assert.True(t, root.BackwardCompatible)
	assert.Equal(t, "data-platform", root.Author)
	assert.Equal(t, []string{"land_use", "v_county_acres"}, root.ObjectNames())
	assert.Equal(t, []string{
		"CREATE TABLE land_use (id INTEGER PRIMARY KEY, county TEXT NOT NULL, acres REAL)",
		"CREATE INDEX idx_land_use_county ON land_use (county)",
		"CREATE VIEW v_county_acres AS SELECT county, SUM(acres) AS acres FROM land_use GROUP BY county",
	}, root.Statements())

	s, ok := cat.ScriptFrom("2.2.0")
	require.True(t, ok)
	assert.Equal(t, "2.2.0_to_2.3.0", s.ID)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, "create new_table", s.Steps[0].Name)
	assert.Equal(t, "DROP TABLE new_table", s.Steps[0].Rollback)
	assert.Zero(t, s.FirstIrreversible())
}

func TestLoadRejectsUnreachableVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"definitions/2.2.0.yaml": v220,
		"definitions/2.3.0.yaml": v230,
	})

	_, err := NewLoader(fs, "definitions", "migrations").Load()
	var orderErr *errdefs.VersionOrderError
	require.True(t, errors.As(err, &orderErr))
	assert.Equal(t, "2.3.0", orderErr.Version)

	// definitions alone still load
	cat, err := NewLoader(fs, "definitions", "migrations").LoadDefinitions()
	require.NoError(t, err)
	assert.Len(t, cat.Versions, 2)
}

func TestLoadRejectsDuplicateObjectNames(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"definitions/1.0.0.yaml": `version: 1.0.0
tables:
  - name: things
    ddl: CREATE TABLE things (id INTEGER)
views:
  - name: Things
    ddl: CREATE VIEW things AS SELECT 1
`,
	})

	_, err := NewLoader(fs, "definitions", "migrations").Load()
	assert.Equal(t, errdefs.KindDefinitionParse, errdefs.KindOf(err))
}

func TestLoadRejectsBadVersions(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{
			name:  "non semantic",
			files: map[string]string{"definitions/1.0.yaml": "version: \"1.0\"\ntables: []\n"},
		},
		{
			name:  "file name mismatch",
			files: map[string]string{"definitions/1.0.1.yaml": "version: 1.0.0\ntables: []\n"},
		},
		{
			name: "duplicate",
			files: map[string]string{
				"definitions/1.0.0.yaml": "version: 1.0.0\n",
				"definitions/1.0.0.yml":  "version: 1.0.0\n",
			},
		},
		{
			name: "equal after normalization",
			files: map[string]string{
				"definitions/02.2.0.yaml": "version: 02.2.0\n",
				"definitions/2.2.0.yaml":  "version: 2.2.0\n",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeFiles(t, fs, tt.files)
			_, err := NewLoader(fs, "definitions", "migrations").Load()
			assert.ErrorIs(t, err, errdefs.ErrVersionOrder)
		})
	}
}

func TestParseVersionRejectsLeadingZeros(t *testing.T) {
	for _, s := range []string{"02.2.0", "2.02.0", "2.2.00", "v2.2.0", "2.2"} {
		_, err := ParseVersion(s)
		assert.Error(t, err, s)
	}
	for _, s := range []string{"0.0.0", "2.2.0", "10.20.30"} {
		_, err := ParseVersion(s)
		assert.NoError(t, err, s)
	}
}

func TestLoadRejectsNonAdjacentScript(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"definitions/1.0.0.yaml":        "version: 1.0.0\n",
		"definitions/1.1.0.yaml":        "version: 1.1.0\n",
		"definitions/1.2.0.yaml":        "version: 1.2.0\n",
		"migrations/1.0.0_to_1.2.0.mig": "migration \"1.0.0\" -> \"1.2.0\"\n",
	})

	_, err := NewLoader(fs, "definitions", "migrations").Load()
	var orderErr *errdefs.VersionOrderError
	require.ErrorAs(t, err, &orderErr)
	assert.Contains(t, orderErr.Reason, "adjacent")
}

func TestLoadRejectsDuplicateScripts(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"definitions/1.0.0.yaml":                 "version: 1.0.0\n",
		"definitions/1.1.0.yaml":                 "version: 1.1.0\n",
		"migrations/1.0.0_to_1.1.0.mig":          "migration \"1.0.0\" -> \"1.1.0\"\n",
		"migrations/1.0.0_to_1.1.0_addendum.mig": "migration \"1.0.0\" -> \"1.1.0\"\n",
	})

	_, err := NewLoader(fs, "definitions", "migrations").Load()
	assert.ErrorIs(t, err, errdefs.ErrVersionOrder)
}

func TestLoadRejectsUndeclaredScriptVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"definitions/1.0.0.yaml":        "version: 1.0.0\n",
		"migrations/1.0.0_to_1.1.0.mig": "migration \"1.0.0\" -> \"1.1.0\"\n",
	})

	_, err := NewLoader(fs, "definitions", "migrations").Load()
	assert.ErrorIs(t, err, errdefs.ErrDefinitionParse)
}

func TestScaffoldParses(t *testing.T) {
	fs := afero.NewMemMapFs()

	path, err := Scaffold(fs, "migrations", "2.3.0", "2.4.0")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("migrations", "2.3.0_to_2.4.0.mig"), path)

	raw, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	s, err := ParseScript(path, raw)
	require.NoError(t, err)
	assert.Equal(t, "2.3.0_to_2.4.0", s.ID)
	assert.Empty(t, s.Steps)

	_, err = Scaffold(fs, "migrations", "2.3.0", "2.4.0")
	assert.Error(t, err, "existing scripts are never overwritten")
}
