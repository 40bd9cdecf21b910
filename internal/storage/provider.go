// Package storage gives access to the files of one directory working tree.
package storage

import (
	"time"

	"github.com/starford/pkb/internal/models"
)

// Provider is the interface for working-tree file operations. Paths are
// slash-separated and relative to the working-tree root.
type Provider interface {
	// Root returns the absolute working-tree root.
	Root() string
	// List returns a version for every file under dir, skipping git internals.
	List(dir string) ([]models.FileVersion, error)
	// Stat returns the version of one file.
	Stat(path string) (models.FileVersion, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path, creating parent directories.
	Write(path string, content []byte) error
	// SetModTime sets the modification time of path.
	SetModTime(path string, t time.Time) error
	// Delete removes the file at path.
	Delete(path string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
}
