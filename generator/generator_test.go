package generator

import (
	"context"
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/satishbabariya/schemaforge/migrate/definition"
	"github.com/satishbabariya/schemaforge/migrate/dialect"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
	"github.com/satishbabariya/schemaforge/migrate/introspect"
	"github.com/satishbabariya/schemaforge/migrate/shadow"
)

func landUse(t *testing.T) (*definition.SchemaVersion, *introspect.Structure) {
	t.Helper()
	v, err := definition.ParseVersion("2.2.0")
	require.NoError(t, err)
	sv := &definition.SchemaVersion{
		Version:            v,
		Description:        "County land use",
		Author:             "data-platform",
		BackwardCompatible: true,
		Tables: []definition.TableDefinition{
			{
				Name:        "counties",
				Description: "One row per county",
				DDL:         "CREATE TABLE counties (fips TEXT PRIMARY KEY, name TEXT NOT NULL, updated_at DATETIME)",
				Indexes:     []string{"CREATE INDEX idx_counties_name ON counties (name);"},
			},
			{
				Name: "land_use",
				DDL:  "CREATE TABLE land_use (id INTEGER PRIMARY KEY, fips TEXT NOT NULL REFERENCES counties (fips), acres REAL)",
			},
		},
		Views: []definition.ViewDefinition{
			{Name: "v_acres", DDL: "CREATE VIEW v_acres AS SELECT fips, SUM(acres) AS acres FROM land_use GROUP BY fips"},
		},
	}

	r := shadow.NewResolver(shadow.Config{Dialect: dialect.Dialect{Name: dialect.SQLite, TransactionalDDL: true}, Driver: "sqlite"})
	expected, err := r.Expected(context.Background(), sv)
	require.NoError(t, err)
	return sv, expected
}

func TestExportSQL(t *testing.T) {
	sv, _ := landUse(t)
	out, err := Export(sv, nil, "sql")
	require.NoError(t, err)

	s := string(out)
	assert.True(t, strings.HasPrefix(s, "-- Schema version 2.2.0\n-- County land use\n"))
	assert.Contains(t, s, "CREATE INDEX idx_counties_name ON counties (name);\n")
	assert.NotContains(t, s, ";;")
	assert.Less(t, strings.Index(s, "CREATE TABLE counties"), strings.Index(s, "CREATE TABLE land_use"))
	assert.Less(t, strings.Index(s, "CREATE TABLE land_use"), strings.Index(s, "CREATE VIEW v_acres"))
}

func TestExportMarkdown(t *testing.T) {
	sv, expected := landUse(t)
	out, err := Export(sv, expected, "markdown")
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "# Schema 2.2.0")
	assert.Contains(t, s, "- Author: data-platform")
	assert.Contains(t, s, "### counties")
	assert.Contains(t, s, "One row per county")
	assert.Contains(t, s, "| fips | TEXT |")
	assert.Contains(t, s, "`idx_counties_name` on name")
	assert.Contains(t, s, "(fips) → counties(fips)")
	assert.Contains(t, s, "## Views")
	assert.Contains(t, s, "```sql\n")
}

func TestExportMarkdownWithoutStructure(t *testing.T) {
	sv, _ := landUse(t)
	out, err := Export(sv, nil, "md")
	require.NoError(t, err)
	assert.NotContains(t, string(out), "| Column |")
	assert.Contains(t, string(out), "CREATE TABLE land_use")
}

func TestExportMermaid(t *testing.T) {
	sv, expected := landUse(t)
	out, err := Export(sv, expected, "mermaid")
	require.NoError(t, err)

	s := string(out)
	assert.True(t, strings.HasPrefix(s, "erDiagram\n"))
	assert.Contains(t, s, "        TEXT fips PK\n")
	assert.Contains(t, s, "        TEXT fips FK\n")
	assert.Contains(t, s, `land_use }o--|| counties : "fips"`)
}

func TestExportModels(t *testing.T) {
	sv, expected := landUse(t)
	out, err := Export(sv, expected, "typed-models")
	require.NoError(t, err)

	src := string(out)
	_, err = parser.ParseFile(token.NewFileSet(), "models.go", out, parser.ParseComments)
	require.NoError(t, err, src)

	assert.True(t, strings.HasPrefix(src, "// Code generated by schemaforge from schema version 2.2.0. DO NOT EDIT."))
	assert.Contains(t, src, "package models")
	assert.Contains(t, src, `import "time"`)
	assert.Contains(t, src, "type Counties struct")
	assert.Contains(t, src, "type LandUse struct")
	assert.Contains(t, src, "type VAcres struct")
	assert.Contains(t, src, `func (LandUse) TableName() string`)
	assert.Regexp(t, `Fips\s+string\s+`+"`"+`db:"fips,pk" json:"fips"`+"`", src)
	assert.Regexp(t, `UpdatedAt\s+\*time\.Time`, src)
	assert.Regexp(t, `Acres\s+\*float64`, src)
	assert.Regexp(t, `Id\s+int64`, src)
}

func TestExportModelsNeedsStructure(t *testing.T) {
	sv, _ := landUse(t)
	_, err := Export(sv, nil, "models")
	assert.Error(t, err)
}

func TestExportUnsupportedFormat(t *testing.T) {
	sv, _ := landUse(t)
	_, err := Export(sv, nil, "pdf")

	var unsupported *errdefs.UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "pdf", unsupported.Format)
	assert.Equal(t, errdefs.KindUnsupportedFormat, errdefs.KindOf(err))
}

func TestNeedsStructure(t *testing.T) {
	assert.False(t, NeedsStructure("sql"))
	assert.True(t, NeedsStructure("Mermaid"))
	assert.True(t, NeedsStructure("typed-models"))
	assert.False(t, NeedsStructure("pdf"))
}

func TestMermaidType(t *testing.T) {
	assert.Equal(t, "VARCHAR_20", mermaidType("VARCHAR(20)"))
	assert.Equal(t, "DOUBLE_PRECISION", mermaidType("double precision"))
	assert.Equal(t, "unknown", mermaidType(""))
}
