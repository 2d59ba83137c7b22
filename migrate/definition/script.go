package definition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/satishbabariya/schemaforge/migrate/errdefs"
)

// Script grammar:
//
//	migration "2.2.0" -> "2.3.0"
//	step "name" {
//	  forward  <<< DDL >>>
//	  rollback <<< DDL >>>
//	  validate <<< SELECT ... >>>
//	}
//
// Comments start with "--" or "#" and run to the end of the line.
var scriptLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Block", Pattern: `<<<[\s\S]*?>>>`},
	{Name: "Comment", Pattern: `(?:--|#)[^\n]*`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Arrow", Pattern: `->`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[{}]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

type scriptFile struct {
	Pos   lexer.Position
	From  string        `parser:"\"migration\" @String"`
	To    string        `parser:"Arrow @String"`
	Steps []*stepClause `parser:"@@*"`
}

type stepClause struct {
	Pos     lexer.Position
	Name    string         `parser:"\"step\" @String \"{\""`
	Clauses []*blockClause `parser:"@@* \"}\""`
}

type blockClause struct {
	Pos  lexer.Position
	Kind string `parser:"@(\"forward\" | \"rollback\" | \"validate\")"`
	Body string `parser:"@Block"`
}

var scriptParser = participle.MustBuild[scriptFile](
	participle.Lexer(scriptLexer),
	participle.Elide("Comment", "Whitespace"),
	participle.Unquote("String"),
	participle.UseLookahead(2),
)

// ParseScript parses one migration script. The returned script's version
// fields are set; adjacency is checked by the loader.
func ParseScript(path string, raw []byte) (*MigrationScript, error) {
	ast, err := scriptParser.ParseBytes(path, raw)
	if err != nil {
		line := 0
		var perr participle.Error
		if errors.As(err, &perr) {
			line = perr.Position().Line
		}
		return nil, &errdefs.DefinitionParseError{File: path, Line: line, Reason: "malformed migration script", Cause: err}
	}

	from, err := ParseVersion(ast.From)
	if err != nil {
		return nil, &errdefs.DefinitionParseError{File: path, Line: ast.Pos.Line, Reason: "invalid source version", Cause: err}
	}
	to, err := ParseVersion(ast.To)
	if err != nil {
		return nil, &errdefs.DefinitionParseError{File: path, Line: ast.Pos.Line, Reason: "invalid target version", Cause: err}
	}

	script := &MigrationScript{
		ID:   ScriptID(from.Original(), to.Original()),
		From: from,
		To:   to,
		Raw:  raw,
		Path: path,
	}

	for _, sc := range ast.Steps {
		step := MigrationStep{Name: sc.Name, Line: sc.Pos.Line}
		seen := map[string]bool{}
		for _, c := range sc.Clauses {
			if seen[c.Kind] {
				return nil, &errdefs.DefinitionParseError{
					File: path, Line: c.Pos.Line,
					Reason: fmt.Sprintf("step %q declares %s twice", sc.Name, c.Kind),
				}
			}
			seen[c.Kind] = true

			body := blockBody(c.Body)
			switch c.Kind {
			case "forward":
				step.Forward = body
			case "rollback":
				step.Rollback = body
			case "validate":
				step.Validate = body
			}
		}
		if step.Forward == "" {
			return nil, &errdefs.DefinitionParseError{
				File: path, Line: sc.Pos.Line,
				Reason: fmt.Sprintf("step %q has no forward DDL", sc.Name),
			}
		}
		script.Steps = append(script.Steps, step)
	}

	return script, nil
}

func blockBody(tok string) string {
	tok = strings.TrimPrefix(tok, "<<<")
	tok = strings.TrimSuffix(tok, ">>>")
	return strings.TrimSpace(tok)
}
