package chunk

import (
	"fmt"
	"time"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/checksum"
	"github.com/starford/pkb/internal/storage"
)

// Ingest serializes c into relPath under the provider's working tree and
// returns the hash of the bytes as they landed on disk. Parent directories
// are created as needed.
func Ingest(tree storage.Provider, relPath string, c Chunk, now time.Time) (checksum.EntryID, error) {
	data, err := Encode(c, now)
	if err != nil {
		return checksum.EntryID{}, err
	}
	if err := tree.Write(relPath, data); err != nil {
		return checksum.EntryID{}, apperr.Filesystem(err)
	}
	written, err := tree.Read(relPath)
	if err != nil {
		return checksum.EntryID{}, apperr.Filesystem(fmt.Errorf("re-read %s: %w", relPath, err))
	}
	return checksum.Of(written), nil
}
