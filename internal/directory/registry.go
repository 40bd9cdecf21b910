package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/models"
)

// RegistryEntry is one directory as recorded in the registry.
type RegistryEntry struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Emoji       string        `json:"emoji,omitempty"`
	Color       string        `json:"color,omitempty"`
	RID         models.RepoID `json:"rid"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Registry maps directory names to their entries. Every mutation rewrites
// the whole file.
type Registry struct {
	path string

	mu      sync.RWMutex
	entries map[string]RegistryEntry
}

// NewRegistry returns an empty registry persisted at path.
func NewRegistry(path string) *Registry {
	return &Registry{path: path, entries: make(map[string]RegistryEntry)}
}

// Load replaces the in-memory map with the file contents. A missing file
// yields an empty registry.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.mu.Lock()
		r.entries = make(map[string]RegistryEntry)
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return apperr.Filesystem(fmt.Errorf("read registry: %w", err))
	}
	entries := make(map[string]RegistryEntry)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("directory: decode registry: %w", err)
		}
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// Save writes the registry as pretty JSON.
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("directory: encode registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return apperr.Filesystem(err)
	}
	if err := renameio.WriteFile(r.path, append(data, '\n'), 0o644); err != nil {
		return apperr.Filesystem(fmt.Errorf("write registry: %w", err))
	}
	return nil
}

// Add records e and saves. An existing name yields ErrAlreadyExists.
func (r *Registry) Add(e RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.Name]; ok {
		return fmt.Errorf("directory %q: %w", e.Name, apperr.ErrAlreadyExists)
	}
	r.entries[e.Name] = e
	if err := r.saveLocked(); err != nil {
		delete(r.entries, e.Name)
		return err
	}
	return nil
}

// Remove deletes name and saves. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[name]
	if !ok {
		return nil
	}
	delete(r.entries, name)
	if err := r.saveLocked(); err != nil {
		r.entries[name] = prev
		return err
	}
	return nil
}

// Get looks up one entry.
func (r *Registry) Get(name string) (RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// List returns all entries sorted by name.
func (r *Registry) List() []RegistryEntry {
	r.mu.RLock()
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
