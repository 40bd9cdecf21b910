package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/starford/pkb/internal/apperr"
)

// MetaFile is the metadata file committed at each directory root.
const MetaFile = ".directory.json"

// Meta describes a directory.
type Meta struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Emoji       string    `json:"emoji,omitempty"`
	Color       string    `json:"color,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the name and description rules.
func (m *Meta) Validate() error {
	if err := ValidateName(m.Name); err != nil {
		return err
	}
	return ValidateDescription(m.Description)
}

// WriteMeta saves m as pretty JSON at the root of dir.
func WriteMeta(dir string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("directory: encode meta: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, MetaFile), append(data, '\n'), 0o644); err != nil {
		return apperr.Filesystem(err)
	}
	return nil
}

// ReadMeta loads the metadata file of dir.
func ReadMeta(dir string) (Meta, error) {
	var m Meta
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return m, apperr.Filesystem(err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("directory: decode meta: %w", err)
	}
	return m, nil
}
