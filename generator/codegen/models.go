// Package codegen emits Go model types for a materialized schema.
package codegen

import (
	"fmt"
	"go/ast"
	"strings"

	"github.com/iancoleman/strcase"

	"github.com/satishbabariya/schemaforge/migrate/introspect"
)

// ModelInfo represents one table or view for code generation
type ModelInfo struct {
	Name      string
	TableName string
	View      bool
	Fields    []FieldInfo
}

// FieldInfo represents one column
type FieldInfo struct {
	Column string
	GoName string
	GoType string
	IsID   bool
}

// ModelsFromStructure derives model information from a structure.
func ModelsFromStructure(s *introspect.Structure) []ModelInfo {
	var models []ModelInfo
	for _, t := range s.Tables {
		pk := map[string]bool{}
		for _, c := range t.PrimaryKey {
			pk[strings.ToLower(c)] = true
		}
		models = append(models, ModelInfo{
			Name:      strcase.ToCamel(t.Name),
			TableName: t.Name,
			Fields:    fields(t.Columns, pk),
		})
	}
	for _, v := range s.Views {
		models = append(models, ModelInfo{
			Name:      strcase.ToCamel(v.Name),
			TableName: v.Name,
			View:      true,
			Fields:    fields(v.Columns, nil),
		})
	}
	return models
}

func fields(cols []introspect.Column, pk map[string]bool) []FieldInfo {
	out := make([]FieldInfo, 0, len(cols))
	for _, c := range cols {
		isID := pk[strings.ToLower(c.Name)]
		out = append(out, FieldInfo{
			Column: c.Name,
			GoName: strcase.ToCamel(c.Name),
			GoType: GoType(c.Type, c.Nullable && !isID),
			IsID:   isID,
		})
	}
	return out
}

// GoType maps a SQL column type to a Go type. Nullable columns become pointers.
func GoType(sqlType string, nullable bool) string {
	t := strings.ToUpper(sqlType)
	var goType string
	switch {
	case strings.Contains(t, "BOOL"):
		goType = "bool"
	case strings.Contains(t, "INT"):
		goType = "int64"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"),
		strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		goType = "float64"
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BYTEA"), strings.Contains(t, "BINARY"):
		return "[]byte"
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		goType = "time.Time"
	default:
		goType = "string"
	}
	if nullable {
		return "*" + goType
	}
	return goType
}

// GenerateModels renders models as a Go source file in package pkg.
func GenerateModels(pkg, version string, models []ModelInfo) ([]byte, error) {
	file := newFile(pkg)

	hasTime := false
	for _, m := range models {
		for _, f := range m.Fields {
			if strings.HasSuffix(f.GoType, "time.Time") {
				hasTime = true
			}
		}
	}
	if hasTime {
		addImports(file, []string{"time"})
	}

	for _, m := range models {
		structFields := make([]*ast.Field, 0, len(m.Fields))
		for _, f := range m.Fields {
			structFields = append(structFields, newField(f.GoName, parseType(f.GoType), tag(f)))
		}

		kind := "table"
		if m.View {
			kind = "view"
		}
		doc := fmt.Sprintf("%s is a row of the %s %s.", m.Name, m.TableName, kind)
		file.Decls = append(file.Decls,
			newTypeDecl(m.Name, doc, &ast.StructType{Fields: &ast.FieldList{List: structFields}}),
			newConstMethod(m.Name, "TableName", fmt.Sprintf("TableName returns %q.", m.TableName), m.TableName),
		)
	}

	header := fmt.Sprintf("// Code generated by schemaforge from schema version %s. DO NOT EDIT.\n\n", version)
	return render(header, file)
}

func tag(f FieldInfo) string {
	db := f.Column
	if f.IsID {
		db += ",pk"
	}
	return fmt.Sprintf("`db:%q json:%q`", db, strcase.ToSnake(f.Column))
}
