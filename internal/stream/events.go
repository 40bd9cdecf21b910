package stream

import (
	"github.com/starford/pkb/internal/checksum"
	"github.com/starford/pkb/internal/chunk"
	"github.com/starford/pkb/internal/models"
)

// StreamEntry records that a piece of content was observed.
type StreamEntry struct {
	// ID is assigned by whatever persists the stream. Nil until then.
	ID         *int64         `json:"id,omitempty"`
	ObservedAt int64          `json:"observed_at"` // unix milliseconds
	Commit     string         `json:"commit"`
	Reference  string         `json:"reference"`
	Summary    *chunk.Summary `json:"summary,omitempty"`
}

// Stream events, emitted on the bus.

// ChunkAdded is emitted for content created on this device.
type ChunkAdded struct {
	Directory string           `json:"directory"`
	Path      string           `json:"path"`
	ID        checksum.EntryID `json:"id"`
	Entry     StreamEntry      `json:"entry"`
}

// EntryPulled is emitted for content a sync brought in from a paired device.
type EntryPulled struct {
	Directory string           `json:"directory"`
	Path      string           `json:"path"`
	ID        checksum.EntryID `json:"id"`
	Device    models.NodeID    `json:"device"`
	Entry     StreamEntry      `json:"entry"`
}

type ChunkUpdated struct {
	Directory string           `json:"directory"`
	Path      string           `json:"path"`
	ID        checksum.EntryID `json:"id"`
}

type ChunkRemoved struct {
	Directory string `json:"directory"`
	Path      string `json:"path"`
}

// ChunkSeen is emitted by See for content referenced from elsewhere.
type ChunkSeen struct {
	Entry StreamEntry `json:"entry"`
}

type SyncStarted struct {
	Directory string `json:"directory"`
}

type SyncCompleted struct {
	Directory string `json:"directory"`
	Pulled    int    `json:"pulled"`
	Pushed    int    `json:"pushed"`
}

type SyncFailed struct {
	Directory string `json:"directory"`
	Error     string `json:"error"`
}
