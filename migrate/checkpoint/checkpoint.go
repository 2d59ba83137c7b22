// Package checkpoint captures the live database structure into immutable
// files and restores it.
package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/satishbabariya/schemaforge/internal/debug"
	"github.com/satishbabariya/schemaforge/migrate/dialect"
	"github.com/satishbabariya/schemaforge/migrate/introspect"
)

// Object kinds stored in a checkpoint.
const (
	KindTable = "table"
	KindIndex = "index"
	KindView  = "view"
)

// Object is one captured schema object.
type Object struct {
	Kind  string `yaml:"kind"`
	Name  string `yaml:"name"`
	Table string `yaml:"table,omitempty"`
	DDL   string `yaml:"ddl"`
}

// Checkpoint is a structure snapshot. It is never modified after Create.
type Checkpoint struct {
	ID                string            `yaml:"id"`
	Label             string            `yaml:"label,omitempty"`
	CreatedAt         time.Time         `yaml:"created_at"`
	Version           string            `yaml:"version"`
	Dialect           string            `yaml:"dialect"`
	StructureChecksum string            `yaml:"structure_checksum"`
	Metadata          map[string]string `yaml:"metadata,omitempty"`
	Objects           []Object          `yaml:"objects"`

	Path string `yaml:"-"`
}

// Counts returns the number of tables, indexes and views captured.
func (c *Checkpoint) Counts() (tables, indexes, views int) {
	for _, o := range c.Objects {
		switch o.Kind {
		case KindTable:
			tables++
		case KindIndex:
			indexes++
		case KindView:
			views++
		}
	}
	return
}

// Manager stores checkpoints under a directory.
type Manager struct {
	fs     afero.Fs
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a checkpoint manager rooted at dir.
func NewManager(fs afero.Fs, dir string, logger *slog.Logger) *Manager {
	return &Manager{fs: fs, dir: dir, now: time.Now, logger: debug.Or(logger)}
}

var labelPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Create captures s, the live structure at version, and writes it.
func (m *Manager) Create(s *introspect.Structure, d dialect.Dialect, version, label string, metadata map[string]string) (*Checkpoint, error) {
	now := m.now().UTC()
	id := now.Format("20060102T150405Z")
	if slug := strings.Trim(labelPattern.ReplaceAllString(strings.ToLower(label), "-"), "-"); slug != "" {
		id += "-" + slug
	}
	id += "-" + uuid.NewString()[:8]

	cp := &Checkpoint{
		ID:                id,
		Label:             label,
		CreatedAt:         now,
		Version:           version,
		Dialect:           d.String(),
		StructureChecksum: s.Checksum(),
		Metadata:          metadata,
		Objects:           Objects(s),
	}

	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	raw, err := yaml.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	cp.Path = filepath.Join(m.dir, id+".yaml")
	f, err := m.fs.OpenFile(cp.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	tables, indexes, views := cp.Counts()
	m.logger.Info("Created checkpoint", "id", id, "version", version, "tables", tables, "indexes", indexes, "views", views)
	return cp, nil
}

// List returns every checkpoint, oldest first.
func (m *Manager) List() ([]*Checkpoint, error) {
	entries, err := afero.ReadDir(m.fs, m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var out []*Checkpoint
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		cp, err := m.read(filepath.Join(m.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Load reads a checkpoint by id. A unique id prefix is accepted.
func (m *Manager) Load(id string) (*Checkpoint, error) {
	path := filepath.Join(m.dir, id+".yaml")
	if ok, _ := afero.Exists(m.fs, path); ok {
		return m.read(path)
	}

	all, err := m.List()
	if err != nil {
		return nil, err
	}
	var match *Checkpoint
	for _, cp := range all {
		if strings.HasPrefix(cp.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("checkpoint id %q is ambiguous", id)
			}
			match = cp
		}
	}
	if match == nil {
		return nil, fmt.Errorf("checkpoint %q not found", id)
	}
	return match, nil
}

func (m *Manager) read(path string) (*Checkpoint, error) {
	raw, err := afero.ReadFile(m.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := yaml.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", path, err)
	}
	cp.Path = path
	return &cp, nil
}

// Objects flattens a structure into tables, then indexes, then views.
func Objects(s *introspect.Structure) []Object {
	var objs []Object
	for _, t := range s.Tables {
		objs = append(objs, Object{Kind: KindTable, Name: t.Name, DDL: t.DDL})
	}
	for _, t := range s.Tables {
		for _, idx := range t.Indexes {
			objs = append(objs, Object{Kind: KindIndex, Name: idx.Name, Table: t.Name, DDL: idx.DDL})
		}
	}
	for _, v := range s.Views {
		objs = append(objs, Object{Kind: KindView, Name: v.Name, DDL: v.DDL})
	}
	return objs
}

