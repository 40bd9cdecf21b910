package api

import (
	"github.com/starford/pkb/internal/chunk"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/pairing"
	"github.com/starford/pkb/internal/pkb"
	"github.com/starford/pkb/internal/stream"
)

// CreateDirectoryRequest is the request body for creating a directory.
type CreateDirectoryRequest = pkb.NewDirectory

// Directory is a registered directory (aliased from the domain layer).
type Directory = pkb.Directory

// DirectoryListResponse wraps directory listings.
type DirectoryListResponse struct {
	Directories []Directory `json:"directories" validate:"required"`
}

// ChunkListResponse wraps the live chunks of a directory.
type ChunkListResponse struct {
	Chunks []pkb.ChunkInfo `json:"chunks" validate:"required"`
}

// AddChunkRequest is the request body for adding a chunk. An empty path or
// one ending in "/" gets a generated file name.
type AddChunkRequest struct {
	Path  string     `json:"path,omitempty" example:"notes/"`
	Chunk chunk.Wire `json:"chunk" validate:"required"`
}

// UpdateChunkRequest is the request body for rewriting a chunk.
type UpdateChunkRequest struct {
	Chunk chunk.Wire `json:"chunk" validate:"required"`
}

// ChunkDetail is a chunk read back from a directory.
type ChunkDetail struct {
	Directory string     `json:"directory" example:"notes" validate:"required"`
	Path      string     `json:"path" example:"notes/1700000000 Hello.js.md" validate:"required"`
	ID        string     `json:"id" example:"9f86d0..." validate:"required"`
	Kind      chunk.Kind `json:"kind" example:"TextNote" validate:"required"`
	Chunk     chunk.Wire `json:"chunk" validate:"required"`
	Raw       string     `json:"raw"`
}

// ChunkWriteResponse is returned after a chunk is rewritten or removed.
type ChunkWriteResponse struct {
	Path   string `json:"path" validate:"required"`
	ID     string `json:"id,omitempty"`
	Commit string `json:"commit" validate:"required"`
}

// StreamEntry is a stream record (aliased from the stream layer).
type StreamEntry = stream.StreamEntry

// SeeRequest is the request body for witnessing a reference.
type SeeRequest struct {
	Reference string `json:"reference" example:"pkb://🦊🐙🌵🍉🚲🎈🧊🪁/notes/a.js.md?v=0123abcd" validate:"required"`
}

// IdentityResponse describes this device.
type IdentityResponse struct {
	NID   models.NodeID `json:"nid" validate:"required"`
	Emoji string        `json:"emoji" validate:"required"`
}

// PairDeviceRequest is the request body for pairing a device directly.
type PairDeviceRequest struct {
	NID   string `json:"nid" validate:"required"`
	Alias string `json:"alias,omitempty" example:"laptop"`
}

// DeviceListResponse wraps paired devices.
type DeviceListResponse struct {
	Devices []pairing.PairedDevice `json:"devices" validate:"required"`
}

// InitiatePairingRequest is the request body for opening a handshake.
type InitiatePairingRequest struct {
	Alias string `json:"alias,omitempty" example:"phone"`
}

// CompletePairingRequest is the request body for completing a handshake.
type CompletePairingRequest struct {
	Token string `json:"token" validate:"required"`
	NID   string `json:"nid" validate:"required"`
	Alias string `json:"alias,omitempty"`
}

// CompletePairingResponse names the device that was paired.
type CompletePairingResponse struct {
	NID models.NodeID `json:"nid" validate:"required"`
}
