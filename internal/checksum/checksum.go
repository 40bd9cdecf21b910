// Package checksum computes the content hashes that identify chunks.
package checksum

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// EntryID is the 256-bit BLAKE3 hash of a chunk's serialized bytes.
// It doubles as the chunk id.
type EntryID [32]byte

// Of returns the EntryID of data.
func Of(data []byte) EntryID {
	return EntryID(blake3.Sum256(data))
}

// Sum returns the hex-encoded BLAKE3 digest of data.
func Sum(data []byte) string {
	id := Of(data)
	return id.String()
}

// Parse decodes a hex EntryID.
func Parse(s string) (EntryID, error) {
	var id EntryID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("entry id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("entry id: want %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id EntryID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether every byte of id is zero.
func (id EntryID) IsZero() bool { return id == EntryID{} }

// MarshalText implements encoding.TextMarshaler.
func (id EntryID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
