package generator

import (
	"fmt"
	"strings"

	"github.com/satishbabariya/schemaforge/migrate/introspect"
)

func (g *Generator) markdown() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Schema %s\n\n", g.sv)
	if g.sv.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(g.sv.Description))
	}
	if g.sv.Author != "" {
		fmt.Fprintf(&b, "- Author: %s\n", g.sv.Author)
	}
	fmt.Fprintf(&b, "- Backward compatible: %t\n", g.sv.BackwardCompatible)
	fmt.Fprintf(&b, "- Tables: %d, views: %d\n", len(g.sv.Tables), len(g.sv.Views))

	if len(g.sv.Tables) > 0 {
		b.WriteString("\n## Tables\n")
	}
	for _, t := range g.sv.Tables {
		fmt.Fprintf(&b, "\n### %s\n\n", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(t.Description))
		}
		if g.expected != nil {
			if live, ok := g.expected.Table(t.Name); ok {
				writeColumns(&b, live.Columns, live.PrimaryKey)
				writeIndexes(&b, live.Indexes)
				writeForeignKeys(&b, live.ForeignKeys)
			}
		}
		writeDDL(&b, append([]string{t.DDL}, t.Indexes...))
	}

	if len(g.sv.Views) > 0 {
		b.WriteString("\n## Views\n")
	}
	for _, v := range g.sv.Views {
		fmt.Fprintf(&b, "\n### %s\n\n", v.Name)
		if v.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(v.Description))
		}
		if g.expected != nil {
			if live, ok := g.expected.View(v.Name); ok {
				writeColumns(&b, live.Columns, nil)
			}
		}
		writeDDL(&b, append([]string{v.DDL}, v.Indexes...))
	}
	return []byte(b.String())
}

func writeColumns(b *strings.Builder, cols []introspect.Column, pk []string) {
	if len(cols) == 0 {
		return
	}
	keys := map[string]bool{}
	for _, c := range pk {
		keys[strings.ToLower(c)] = true
	}
	b.WriteString("| Column | Type | Nullable | Default | Key |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, c := range cols {
		def := ""
		if c.Default != nil {
			def = "`" + *c.Default + "`"
		}
		key := ""
		if keys[strings.ToLower(c.Name)] {
			key = "PK"
		}
		fmt.Fprintf(b, "| %s | %s | %t | %s | %s |\n", c.Name, c.Type, c.Nullable, def, key)
	}
	b.WriteString("\n")
}

func writeIndexes(b *strings.Builder, idx []introspect.Index) {
	if len(idx) == 0 {
		return
	}
	b.WriteString("Indexes:\n\n")
	for _, i := range idx {
		unique := ""
		if i.Unique {
			unique = " (unique)"
		}
		fmt.Fprintf(b, "- `%s` on %s%s\n", i.Name, strings.Join(i.Columns, ", "), unique)
	}
	b.WriteString("\n")
}

func writeForeignKeys(b *strings.Builder, fks []introspect.ForeignKey) {
	if len(fks) == 0 {
		return
	}
	b.WriteString("References:\n\n")
	for _, fk := range fks {
		fmt.Fprintf(b, "- (%s) → %s(%s)\n", strings.Join(fk.Columns, ", "), fk.ReferencedTable, strings.Join(fk.ReferencedColumns, ", "))
	}
	b.WriteString("\n")
}

func writeDDL(b *strings.Builder, stmts []string) {
	b.WriteString("```sql\n")
	for _, s := range stmts {
		b.WriteString(strings.TrimRight(strings.TrimSpace(s), ";"))
		b.WriteString(";\n")
	}
	b.WriteString("```\n")
}

func (g *Generator) mermaid() []byte {
	var b strings.Builder
	b.WriteString("erDiagram\n")

	for _, t := range g.sv.Tables {
		var live *introspect.Table
		if g.expected != nil {
			live, _ = g.expected.Table(t.Name)
		}
		if live == nil || len(live.Columns) == 0 {
			fmt.Fprintf(&b, "    %s {\n    }\n", t.Name)
			continue
		}

		pk := map[string]bool{}
		for _, c := range live.PrimaryKey {
			pk[strings.ToLower(c)] = true
		}
		fk := map[string]bool{}
		for _, f := range live.ForeignKeys {
			for _, c := range f.Columns {
				fk[strings.ToLower(c)] = true
			}
		}

		fmt.Fprintf(&b, "    %s {\n", t.Name)
		for _, c := range live.Columns {
			var keys []string
			if pk[strings.ToLower(c.Name)] {
				keys = append(keys, "PK")
			}
			if fk[strings.ToLower(c.Name)] {
				keys = append(keys, "FK")
			}
			line := fmt.Sprintf("        %s %s", mermaidType(c.Type), c.Name)
			if len(keys) > 0 {
				line += " " + strings.Join(keys, ",")
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("    }\n")
	}

	if g.expected != nil {
		for _, t := range g.sv.Tables {
			live, ok := g.expected.Table(t.Name)
			if !ok {
				continue
			}
			for _, f := range live.ForeignKeys {
				fmt.Fprintf(&b, "    %s }o--|| %s : %q\n", t.Name, f.ReferencedTable, strings.Join(f.Columns, ","))
			}
		}
	}
	return []byte(b.String())
}
