package pkb

import (
	"github.com/starford/pkb/internal/checksum"
	"github.com/starford/pkb/internal/models"
)

// Storage events emitted on the bus by the Service.

// EntryCreated is emitted after a chunk written on this device is committed.
type EntryCreated struct {
	Directory string
	Path      string
	ID        checksum.EntryID
	Commit    string
}

// EntryPulled is emitted for every file a sync added from a paired device.
type EntryPulled struct {
	Directory string
	Path      string
	ID        checksum.EntryID
	Device    models.NodeID
}

// EntryCreatedOrPulled accompanies every EntryPulled for consumers that do
// not care where an entry came from.
type EntryCreatedOrPulled struct {
	Directory string
	Path      string
	ID        checksum.EntryID
}

// EntryUpdated is emitted when an existing chunk file got new content.
type EntryUpdated struct {
	Directory string
	Path      string
	ID        checksum.EntryID
}

// EntryRemoved is emitted when a chunk was soft-deleted locally or by a
// remote tombstone.
type EntryRemoved struct {
	Directory string
	Path      string
}

type SyncStarted struct {
	Directory string
}

type SyncCompleted struct {
	Directory string
	Pulled    int
	Pushed    int
}

type SyncFailed struct {
	Directory string
	Err       string
}
