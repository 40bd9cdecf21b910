// Package models defines the identifiers and value types shared across the PKB.
package models

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// NodeID is the 32-byte public key of a device identity.
type NodeID [32]byte

// ParseNodeID decodes the lowercase hex form produced by NodeID.String.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("node id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("node id: want %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id NodeID) String() string { return hex.EncodeToString(id[:]) }

// Short returns the first eight hex characters, for logs and commit authors.
func (id NodeID) Short() string { return id.String()[:8] }

// IsZero reports whether id is unset.
func (id NodeID) IsZero() bool { return id == NodeID{} }

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// RepoID identifies a distributed repository on the network.
type RepoID string

// RepoIDPrefix is the scheme prefix carried by every RepoID.
const RepoIDPrefix = "rad:"

// Valid reports whether the id carries the expected prefix and a non-empty body.
func (r RepoID) Valid() bool {
	return strings.HasPrefix(string(r), RepoIDPrefix) && len(r) > len(RepoIDPrefix)
}

func (r RepoID) String() string { return string(r) }

// FileVersion describes one file of a replica at one point in time.
type FileVersion struct {
	Path    string    `json:"path"`
	Hash    string    `json:"hash"` // hex BLAKE3 of the file bytes
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}
