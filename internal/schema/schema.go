// Package schema caches collection schemas and validates record data
// against them.
//
// Schemas drive three behaviors in the cache layer: per-field validation of
// writes, single-vs-multi disambiguation for select/file/relation fields, and
// relation targeting during query expansion. The registry is populated from a
// bundled snapshot file for offline bootstrap and from schema rows already in
// the cache when the client starts; schema rows cached later do not update it.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pocketsync/pocketsync/internal/types"
)

// SchemaCollection is the reserved collection name schemas are stored under
// in the cache. It never takes part in sync drains.
const SchemaCollection = "schema"

// Field types recognized by the validator.
const (
	FieldText     = "text"
	FieldEditor   = "editor"
	FieldNumber   = "number"
	FieldBool     = "bool"
	FieldDate     = "date"
	FieldURL      = "url"
	FieldEmail    = "email"
	FieldSelect   = "select"
	FieldFile     = "file"
	FieldRelation = "relation"
	FieldJSON     = "json"
)

// FieldOptions carries the type-specific field settings.
type FieldOptions struct {
	// MaxSelect decides cardinality for select/file/relation fields:
	// nil or <= 1 means single-valued, >= 2 means multi-valued.
	MaxSelect *int `json:"maxSelect,omitempty" yaml:"maxSelect,omitempty"`

	// CollectionID is the target collection for relation fields.
	CollectionID string `json:"collectionId,omitempty" yaml:"collectionId,omitempty"`
}

// Field describes a single schema field.
type Field struct {
	Name     string       `json:"name" yaml:"name"`
	Type     string       `json:"type" yaml:"type"`
	Required bool         `json:"required" yaml:"required"`
	System   bool         `json:"system" yaml:"system"`
	Options  FieldOptions `json:"data" yaml:"data"`
}

// Single reports whether the field holds a single value. MaxSelect is
// authoritative: absent, zero, or one means single.
func (f Field) Single() bool {
	return f.Options.MaxSelect == nil || *f.Options.MaxSelect <= 1
}

// Collection describes one server collection.
type Collection struct {
	ID     string  `json:"id" yaml:"id"`
	Name   string  `json:"name" yaml:"name"`
	Type   string  `json:"type,omitempty" yaml:"type,omitempty"`
	Fields []Field `json:"schema" yaml:"schema"`
}

// Field returns the named field, or nil.
func (c *Collection) Field(name string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i]
		}
	}
	return nil
}

// FileFields returns the file-typed fields, used for blob cascade deletes.
func (c *Collection) FileFields() []Field {
	var out []Field
	for _, f := range c.Fields {
		if f.Type == FieldFile {
			out = append(out, f)
		}
	}
	return out
}

// Registry is a concurrency-safe cache of collection schemas.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Collection
	byID   map[string]*Collection
	logger *log.Logger
}

// NewRegistry creates an empty registry. If logger is nil, a default logger
// writing to stderr is used.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "[schema] ", log.LstdFlags)
	}
	return &Registry{
		byName: make(map[string]*Collection),
		byID:   make(map[string]*Collection),
		logger: logger,
	}
}

// ByName returns the schema for a collection name, or nil.
func (r *Registry) ByName(name string) *Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// ByID returns the schema for a collection id, or nil.
func (r *Registry) ByID(id string) *Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// All returns a snapshot of the cached collections.
func (r *Registry) All() []*Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Collection, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	return out
}

// Set inserts or replaces one collection schema.
func (r *Registry) Set(c *Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[c.Name] = c
	if c.ID != "" {
		r.byID[c.ID] = c
	}
}

// SetAll replaces the entire registry contents.
func (r *Registry) SetAll(cols []*Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]*Collection, len(cols))
	r.byID = make(map[string]*Collection, len(cols))
	for _, c := range cols {
		r.byName[c.Name] = c
		if c.ID != "" {
			r.byID[c.ID] = c
		}
	}
}

// LoadSnapshot loads a bundled schema snapshot from a .json, .yaml, or .yml
// file and replaces the registry contents. The snapshot format is the
// server's collection export: a JSON array of collections.
func (r *Registry) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema snapshot %s: %w", path, err)
	}

	cols, err := parseSnapshot(path, data)
	if err != nil {
		return err
	}

	r.SetAll(cols)
	r.logger.Printf("Loaded %d collection schemas from %s", len(cols), filepath.Base(path))
	return nil
}

func parseSnapshot(path string, data []byte) ([]*Collection, error) {
	var cols []*Collection
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cols); err != nil {
			return nil, fmt.Errorf("failed to parse YAML snapshot %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cols); err != nil {
			return nil, fmt.Errorf("failed to parse JSON snapshot %s: %w", path, err)
		}
	}
	return cols, nil
}

// Watch reloads the snapshot whenever the file is rewritten. It blocks until
// ctx is cancelled and is intended to run in its own goroutine during
// development, where schema edits should propagate without a restart.
func (r *Registry) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files via rename, which drops
	// a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch snapshot directory: %w", err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if err := r.LoadSnapshot(path); err != nil {
				r.logger.Printf("WARNING: failed to reload snapshot: %v", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Printf("Watcher error: %v", err)
		}
	}
}

// FromRecords rebuilds collections from schema rows stored in the cache.
// Each row's data blob is a serialized Collection.
func FromRecords(rows []types.Record) ([]*Collection, error) {
	cols := make([]*Collection, 0, len(rows))
	for _, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema row: %w", err)
		}
		var c Collection
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("failed to parse schema row: %w", err)
		}
		cols = append(cols, &c)
	}
	return cols, nil
}
