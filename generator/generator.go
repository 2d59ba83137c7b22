// Package generator derives artifacts from a declared schema version: the
// full DDL, markdown and mermaid documentation, and Go model types.
package generator

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/satishbabariya/schemaforge/generator/codegen"
	"github.com/satishbabariya/schemaforge/internal/debug"
	"github.com/satishbabariya/schemaforge/migrate/definition"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
	"github.com/satishbabariya/schemaforge/migrate/introspect"
)

// Export formats.
const (
	FormatSQL      = "sql"
	FormatMarkdown = "markdown"
	FormatMermaid  = "mermaid"
	FormatModels   = "models"
)

// Formats lists the accepted format names.
var Formats = []string{FormatSQL, FormatMarkdown, FormatMermaid, FormatModels}

var aliases = map[string]string{
	"typed-models": FormatModels,
	"md":           FormatMarkdown,
}

// ModelsPackage is the package name of generated models.
const ModelsPackage = "models"

// Generator renders one schema version.
type Generator struct {
	sv       *definition.SchemaVersion
	expected *introspect.Structure
	logger   *slog.Logger
}

// NewGenerator creates a generator for sv. expected is the materialized
// structure of sv; column-aware formats need it.
func NewGenerator(sv *definition.SchemaVersion, expected *introspect.Structure, logger *slog.Logger) *Generator {
	return &Generator{sv: sv, expected: expected, logger: debug.Or(logger)}
}

// Export renders sv in format.
func Export(sv *definition.SchemaVersion, expected *introspect.Structure, format string) ([]byte, error) {
	return NewGenerator(sv, expected, nil).Export(format)
}

// Normalize resolves aliases. It returns UnsupportedFormatError for unknown
// formats.
func Normalize(format string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(format))
	if a, ok := aliases[f]; ok {
		f = a
	}
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", &errdefs.UnsupportedFormatError{Format: format, Supported: Formats}
}

// NeedsStructure reports whether format reads the materialized structure.
func NeedsStructure(format string) bool {
	f, err := Normalize(format)
	return err == nil && f != FormatSQL
}

// Export renders the schema version in format.
func (g *Generator) Export(format string) ([]byte, error) {
	f, err := Normalize(format)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("Exporting schema", "version", g.sv.String(), "format", f)

	switch f {
	case FormatSQL:
		return g.sql(), nil
	case FormatMarkdown:
		return g.markdown(), nil
	case FormatMermaid:
		return g.mermaid(), nil
	default:
		if g.expected == nil {
			return nil, fmt.Errorf("models export of %s needs the materialized structure", g.sv)
		}
		models := codegen.ModelsFromStructure(g.expected)
		if len(models) == 0 {
			return nil, fmt.Errorf("schema version %s declares no tables or views", g.sv)
		}
		return codegen.GenerateModels(ModelsPackage, g.sv.String(), models)
	}
}

func (g *Generator) sql() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "-- Schema version %s\n", g.sv)
	if g.sv.Description != "" {
		fmt.Fprintf(&b, "-- %s\n", oneLine(g.sv.Description))
	}
	for _, t := range g.sv.Tables {
		fmt.Fprintf(&b, "\n-- table %s\n", t.Name)
		writeStatements(&b, append([]string{t.DDL}, t.Indexes...))
	}
	for _, v := range g.sv.Views {
		fmt.Fprintf(&b, "\n-- view %s\n", v.Name)
		writeStatements(&b, append([]string{v.DDL}, v.Indexes...))
	}
	return []byte(b.String())
}

func writeStatements(b *strings.Builder, stmts []string) {
	for _, s := range stmts {
		s = strings.TrimRight(strings.TrimSpace(s), ";")
		b.WriteString(s)
		b.WriteString(";\n")
	}
}

func oneLine(s string) string {
	return introspect.CollapseSpace(s)
}

var mermaidUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// mermaidType turns a SQL type into a single mermaid attribute token.
func mermaidType(t string) string {
	out := strings.Trim(mermaidUnsafe.ReplaceAllString(strings.ToUpper(t), "_"), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
