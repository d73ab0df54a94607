// Package registry implements the Graph Registry (spec §4.5): the
// persistent mapping between a graph's external identity (display
// name, filesystem path) and its internal, never-reused UUID.
// Grounded on the teacher's atomic snapshot-rewrite idiom
// (pkg/storage/wal.go's SaveSnapshot: temp file + fsync + rename) and
// on ali01-mnemosyne's MetadataRepository for the shape of
// last-accessed/config-reconciled bookkeeping.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownGraph = errors.New("registry: unknown graph")

// Entry is one graph record (§3.1 Graph record).
type Entry struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ConfigUpdated  bool      `json:"config_updated"`
}

type fileFormat struct {
	Entries []Entry `json:"entries"`
	Active  string  `json:"active"`
}

// Registry is a single-writer, multiple-reader mapping of
// (name, path) pairs to graph ids, atomically persisted to one JSON
// file per §6.3 (<data>/graph_registry.json).
type Registry struct {
	mu     sync.RWMutex
	path   string
	byID   map[string]*Entry
	active string
}

// Open loads an existing registry file, or starts an empty one if it
// does not exist.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, byID: make(map[string]*Entry)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", path, err)
	}
	for i := range ff.Entries {
		e := ff.Entries[i]
		r.byID[e.ID] = &e
	}
	r.active = ff.Active
	return r, nil
}

// GetOrCreate implements §4.5's matching and tie-break policy:
// providedID wins if it names an existing record; else name+path
// match; else path-only match (name changed); else name-only match
// (path moved, with path taking priority over name on an ambiguous
// double match); else a fresh record is created.
func (r *Registry) GetOrCreate(name, path, providedID string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if providedID != "" {
		if e, ok := r.byID[providedID]; ok {
			r.touchLocked(e)
			return *e, r.persistLocked()
		}
	}

	var nameMatch, pathMatch *Entry
	for _, e := range r.byID {
		if e.Name == name && e.Path == path {
			r.touchLocked(e)
			return *e, r.persistLocked()
		}
		if e.Path == path {
			pathMatch = e
		}
		if e.Name == name {
			nameMatch = e
		}
	}

	// Path wins on an ambiguous match: a record identified by path
	// takes priority over one merely matching the name (§4.5
	// rationale: paths are stronger identity on a single filesystem).
	if pathMatch != nil {
		pathMatch.Name = name
		r.touchLocked(pathMatch)
		return *pathMatch, r.persistLocked()
	}
	if nameMatch != nil {
		nameMatch.Path = path
		r.touchLocked(nameMatch)
		return *nameMatch, r.persistLocked()
	}

	e := &Entry{
		ID:             uuid.NewString(),
		Name:           name,
		Path:           path,
		CreatedAt:      time.Now(),
		LastAccessedAt: time.Now(),
	}
	r.byID[e.ID] = e
	return *e, r.persistLocked()
}

func (r *Registry) touchLocked(e *Entry) {
	e.LastAccessedAt = time.Now()
}

// Get resolves a graph_selector's optional id/name/path to an Entry,
// used by ingestion (§6.1) to reject unresolved selectors with
// UnknownGraph rather than creating speculatively.
func (r *Registry) Get(id, name, path string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id != "" {
		if e, ok := r.byID[id]; ok {
			return *e, nil
		}
		return Entry{}, ErrUnknownGraph
	}
	for _, e := range r.byID {
		if (name != "" && e.Name == name) || (path != "" && e.Path == path) {
			return *e, nil
		}
	}
	return Entry{}, ErrUnknownGraph
}

// SetActive designates graphID as the active graph. It is not
// required to exist yet in callers that set it before first use, but
// normally refers to an already-registered graph.
func (r *Registry) SetActive(graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = graphID
	return r.persistLocked()
}

// Active returns the currently active graph id, or "" if none is set.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// MarkConfigUpdated records that the editor-side configuration has
// been reconciled for graphID.
func (r *Registry) MarkConfigUpdated(graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[graphID]
	if !ok {
		return ErrUnknownGraph
	}
	e.ConfigUpdated = true
	return r.persistLocked()
}

func (r *Registry) persistLocked() error {
	ff := fileFormat{Active: r.active}
	for _, e := range r.byID {
		ff.Entries = append(ff.Entries, *e)
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("registry: create dir: %w", err)
	}
	tmp := r.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("registry: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	return os.Rename(tmp, r.path)
}
