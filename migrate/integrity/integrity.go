// Package integrity computes and verifies migration script checksums and owns
// the checksum manifest kept next to the scripts.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/satishbabariya/schemaforge/migrate/definition"
	"github.com/satishbabariya/schemaforge/migrate/errdefs"
)

// ManifestFile is the default manifest file name inside the migrations directory.
const ManifestFile = "checksums.yaml"

// Checksum returns the hex sha256 of a script's raw bytes.
func Checksum(raw []byte) string {
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:])
}

// Entry is one manifest record.
type Entry struct {
	Checksum   string    `yaml:"checksum"`
	RecordedAt time.Time `yaml:"recorded_at"`
}

// Manifest maps script identity to its recorded checksum.
type Manifest struct {
	Scripts map[string]Entry `yaml:"scripts"`

	fs   afero.Fs
	path string
}

// LoadManifest reads the manifest at path. A missing file yields an empty manifest.
func LoadManifest(fs afero.Fs, path string) (*Manifest, error) {
	m := &Manifest{Scripts: map[string]Entry{}, fs: fs, path: path}

	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("failed to read checksum manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, m); err != nil {
		return nil, &errdefs.DefinitionParseError{File: path, Reason: "invalid checksum manifest", Cause: err}
	}
	if m.Scripts == nil {
		m.Scripts = map[string]Entry{}
	}
	return m, nil
}

// Path returns the manifest location.
func (m *Manifest) Path() string { return m.path }

// Save writes the manifest back to disk.
func (m *Manifest) Save() error {
	if err := m.fs.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	raw, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode checksum manifest: %w", err)
	}
	return afero.WriteFile(m.fs, m.path, raw, 0o644)
}

// Verify reports applied scripts whose content no longer matches the manifest
// or the checksum stored with their history entry. applied maps script identity
// to the checksum recorded in history; scripts absent from it are not checked.
func Verify(m *Manifest, scripts []*definition.MigrationScript, applied map[string]string) []errdefs.Mismatch {
	var mismatches []errdefs.Mismatch
	for _, s := range scripts {
		recorded, ok := applied[s.ID]
		if !ok {
			continue
		}
		actual := Checksum(s.Raw)

		entry, inManifest := m.Scripts[s.ID]
		switch {
		case !inManifest:
			mismatches = append(mismatches, errdefs.Mismatch{Script: s.ID, Actual: actual, Source: "not in manifest"})
		case entry.Checksum != actual:
			mismatches = append(mismatches, errdefs.Mismatch{Script: s.ID, Expected: entry.Checksum, Actual: actual, Source: "manifest"})
		}
		if recorded != "" && recorded != actual {
			mismatches = append(mismatches, errdefs.Mismatch{Script: s.ID, Expected: recorded, Actual: actual, Source: "history"})
		}
	}
	sort.SliceStable(mismatches, func(i, j int) bool { return mismatches[i].Script < mismatches[j].Script })
	return mismatches
}

// Check is Verify returning a *errdefs.ChecksumMismatchError when anything differs.
func Check(m *Manifest, scripts []*definition.MigrationScript, applied map[string]string) error {
	if mm := Verify(m, scripts, applied); len(mm) > 0 {
		return &errdefs.ChecksumMismatchError{Mismatches: mm}
	}
	return nil
}

// Record stores the checksums of scripts in the manifest. applied maps the
// scripts applied to a tracked database to the checksum stored in history.
// Their entries are never rewritten: a changed script yields a
// ChecksumMismatchError and nothing is recorded. An applied script with no
// entry is adopted when it still matches its history checksum.
// It returns the identities whose entry was added or updated.
func Record(m *Manifest, scripts []*definition.MigrationScript, applied map[string]string, now time.Time) ([]string, error) {
	var (
		changed    []string
		mismatches []errdefs.Mismatch
		updates    = map[string]Entry{}
	)
	for _, s := range scripts {
		actual := Checksum(s.Raw)
		entry, ok := m.Scripts[s.ID]
		if ok && entry.Checksum == actual {
			continue
		}
		if recorded, frozen := applied[s.ID]; frozen {
			switch {
			case ok:
				mismatches = append(mismatches, errdefs.Mismatch{Script: s.ID, Expected: entry.Checksum, Actual: actual, Source: "frozen"})
				continue
			case recorded != "" && recorded != actual:
				mismatches = append(mismatches, errdefs.Mismatch{Script: s.ID, Expected: recorded, Actual: actual, Source: "history"})
				continue
			}
		}
		updates[s.ID] = Entry{Checksum: actual, RecordedAt: now.UTC()}
		changed = append(changed, s.ID)
	}
	if len(mismatches) > 0 {
		return nil, &errdefs.ChecksumMismatchError{Mismatches: mismatches}
	}
	for id, e := range updates {
		m.Scripts[id] = e
	}
	sort.Strings(changed)
	return changed, nil
}
