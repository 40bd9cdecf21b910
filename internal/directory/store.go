package directory

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout names under a PKB root.
const (
	DirectoriesDir = "directories"
	MetaDir        = "meta"
	RegistryFile   = "registry.json"
)

// Store is the on-disk layout of a PKB instance.
type Store struct {
	root     string
	registry *Registry
}

// OpenOrCreate creates the base layout under root if missing and loads the
// registry. Calling it on an existing layout is a no-op apart from the load.
func OpenOrCreate(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("directory: resolve root: %w", err)
	}
	for _, d := range []string{DirectoriesDir, MetaDir} {
		if err := os.MkdirAll(filepath.Join(abs, d), 0o755); err != nil {
			return nil, fmt.Errorf("directory: create %s: %w", d, err)
		}
	}
	reg := NewRegistry(filepath.Join(abs, MetaDir, RegistryFile))
	if err := reg.Load(); err != nil {
		return nil, err
	}
	return &Store{root: abs, registry: reg}, nil
}

// Root returns the absolute PKB root.
func (s *Store) Root() string { return s.root }

// MetaPath returns the path of a file under meta/.
func (s *Store) MetaPath(name string) string {
	return filepath.Join(s.root, MetaDir, name)
}

// DirectoryPath returns the working tree location for name.
func (s *Store) DirectoryPath(name string) string {
	return filepath.Join(s.root, DirectoriesDir, name)
}

// HasDirectory reports whether the registry knows name. The filesystem is
// not consulted.
func (s *Store) HasDirectory(name string) bool {
	_, ok := s.registry.Get(name)
	return ok
}

// Registry returns the instance registry.
func (s *Store) Registry() *Registry { return s.registry }
