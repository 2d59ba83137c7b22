package codegen

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/token"
	"strings"
	"time"

	"github.com/satishbabariya/schemaforge/internal/debug"
)

// AST helper functions for building Go AST nodes

// newFile creates a new AST file with package declaration
func newFile(packageName string) *ast.File {
	return &ast.File{
		Name:  ast.NewIdent(packageName),
		Decls: []ast.Decl{},
	}
}

// parseType parses a Go type string into an AST expression
func parseType(typeStr string) ast.Expr {
	if strings.HasPrefix(typeStr, "*") {
		return &ast.StarExpr{X: parseType(typeStr[1:])}
	}
	if strings.HasPrefix(typeStr, "[]") {
		return &ast.ArrayType{Elt: parseType(typeStr[2:])}
	}
	// Qualified types such as time.Time
	if pkg, name, ok := strings.Cut(typeStr, "."); ok {
		return &ast.SelectorExpr{X: ast.NewIdent(pkg), Sel: ast.NewIdent(name)}
	}
	return ast.NewIdent(typeStr)
}

// addImports adds import declarations to the file
func addImports(file *ast.File, imports []string) {
	if len(imports) == 0 {
		return
	}
	specs := make([]ast.Spec, len(imports))
	for i, imp := range imports {
		specs[i] = &ast.ImportSpec{Path: &ast.BasicLit{Kind: token.STRING, Value: fmt.Sprintf("%q", imp)}}
	}
	decl := &ast.GenDecl{Tok: token.IMPORT, Specs: specs}
	if len(specs) > 1 {
		decl.Lparen = 1
	}
	file.Decls = append(file.Decls, decl)
}

// newField creates a new struct field
func newField(name string, typeExpr ast.Expr, tag string) *ast.Field {
	field := &ast.Field{
		Names: []*ast.Ident{ast.NewIdent(name)},
		Type:  typeExpr,
	}
	if tag != "" {
		field.Tag = &ast.BasicLit{Kind: token.STRING, Value: tag}
	}
	return field
}

func comment(text string) *ast.CommentGroup {
	if text == "" {
		return nil
	}
	return &ast.CommentGroup{List: []*ast.Comment{{Text: "// " + text}}}
}

// newTypeDecl creates a new type declaration
func newTypeDecl(name string, doc string, typeExpr ast.Expr) *ast.GenDecl {
	return &ast.GenDecl{
		Tok:   token.TYPE,
		Doc:   comment(doc),
		Specs: []ast.Spec{&ast.TypeSpec{Name: ast.NewIdent(name), Type: typeExpr}},
	}
}

// newConstMethod creates `func (T) name() string { return value }`.
func newConstMethod(recvType, name, doc, value string) *ast.FuncDecl {
	return &ast.FuncDecl{
		Doc:  comment(doc),
		Recv: &ast.FieldList{List: []*ast.Field{{Type: ast.NewIdent(recvType)}}},
		Name: ast.NewIdent(name),
		Type: &ast.FuncType{
			Params:  &ast.FieldList{},
			Results: &ast.FieldList{List: []*ast.Field{{Type: ast.NewIdent("string")}}},
		},
		Body: &ast.BlockStmt{List: []ast.Stmt{
			&ast.ReturnStmt{Results: []ast.Expr{&ast.BasicLit{Kind: token.STRING, Value: fmt.Sprintf("%q", value)}}},
		}},
	}
}

// render formats file as Go source below header.
func render(header string, file *ast.File) ([]byte, error) {
	debug.Debug("Formatting AST", "decl_count", len(file.Decls))
	start := time.Now()

	var buf bytes.Buffer
	buf.WriteString(header)
	if err := format.Node(&buf, token.NewFileSet(), file); err != nil {
		return nil, fmt.Errorf("failed to format file: %w", err)
	}
	out, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to format file: %w", err)
	}
	debug.Debug("AST formatted successfully", "elapsed", time.Since(start))
	return out, nil
}
