package api

import (
	"context"

	"github.com/starford/pkb/internal/checksum"
	"github.com/starford/pkb/internal/chunk"
	"github.com/starford/pkb/internal/merge"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/pairing"
	"github.com/starford/pkb/internal/pkb"
	"github.com/starford/pkb/internal/stream"
)

// Directories is the directory and chunk surface of the PKB service.
type Directories interface {
	CreateDirectory(ctx context.Context, in pkb.NewDirectory) (pkb.Directory, error)
	ListDirectories() []pkb.Directory
	GetDirectory(name string) (pkb.Directory, error)
	DeleteDirectory(ctx context.Context, name string) error
	SyncDirectory(ctx context.Context, name string) (merge.Result, error)

	ListChunks(name string) ([]pkb.ChunkInfo, error)
	ReadChunk(name, relPath string) (pkb.ChunkRecord, error)
	UpdateChunkIfMatch(ctx context.Context, name, relPath string, c chunk.Chunk, expected checksum.EntryID) (pkb.Ingested, error)
	RemoveChunk(ctx context.Context, name, relPath string) (string, error)
}

// Stream is the write and witness surface.
type Stream interface {
	AddChunk(ctx context.Context, directory, relPath string, c chunk.Chunk) (stream.StreamEntry, error)
	See(reference string) (stream.StreamEntry, error)
	Identity() string
}

// Devices manages paired devices and their delegations.
type Devices interface {
	List(ctx context.Context) ([]pairing.PairedDevice, error)
	Pair(ctx context.Context, nid models.NodeID, alias string) error
	Unpair(ctx context.Context, nid models.NodeID) error
	GrantAccess(ctx context.Context, nid models.NodeID, name string) error
	RevokeAccess(ctx context.Context, nid models.NodeID, name string) error
}

// Pairing runs token handshakes.
type Pairing interface {
	Initiate(local models.NodeID, alias string) pairing.PendingPairing
	Complete(ctx context.Context, token string, remote models.NodeID, alias string) (models.NodeID, error)
}

// Deps bundles what the router serves.
type Deps struct {
	Local       models.NodeID
	Directories Directories
	Stream      Stream
	Devices     Devices
	Pairing     Pairing
}

var (
	_ Directories = (*pkb.Service)(nil)
	_ Stream      = (*stream.Stream)(nil)
	_ Devices     = (*pairing.Manager)(nil)
	_ Pairing     = (*pairing.Coordinator)(nil)
)
