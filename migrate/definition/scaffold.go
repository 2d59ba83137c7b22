package definition

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const scriptTemplate = `-- Migration %[1]s -> %[2]s
-- Add one step block per change. "rollback" and "validate" are optional;
-- a step without rollback makes the whole script irreversible.
migration "%[1]s" -> "%[2]s"

-- step "describe the change" {
--   forward <<<
--     ALTER TABLE example ADD COLUMN note TEXT
--   >>>
--   rollback <<<
--     ALTER TABLE example DROP COLUMN note
--   >>>
--   validate <<<
--     SELECT COUNT(*) FROM example
--   >>>
-- }
`

// Scaffold writes an empty script template for from -> to and returns its path.
// An existing script is never overwritten.
func Scaffold(fs afero.Fs, migrationsDir, from, to string) (string, error) {
	if _, err := ParseVersion(from); err != nil {
		return "", err
	}
	if _, err := ParseVersion(to); err != nil {
		return "", err
	}

	if err := fs.MkdirAll(migrationsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	path := filepath.Join(migrationsDir, ScriptID(from, to)+ScriptExt)
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("migration script %s already exists", path)
		}
		return "", fmt.Errorf("failed to create migration script: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, scriptTemplate, from, to); err != nil {
		return "", fmt.Errorf("failed to write migration script: %w", err)
	}
	return path, nil
}
