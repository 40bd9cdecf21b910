// Package identity holds this device's signing key and the human-readable
// encodings of node ids.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/models"
)

// Device is the local identity.
type Device struct {
	key   ed25519.PrivateKey
	id    models.NodeID
	Alias string
}

// LoadOrCreate reads the key seed at path, generating and persisting a new
// key when the file does not exist.
func LoadOrCreate(path, alias string) (*Device, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("identity: generate key: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, apperr.Filesystem(err)
		}
		seed := hex.EncodeToString(priv.Seed()) + "\n"
		if err := renameio.WriteFile(path, []byte(seed), 0o600); err != nil {
			return nil, apperr.Filesystem(fmt.Errorf("write key: %w", err))
		}
		return newDevice(priv, alias), nil
	case err != nil:
		return nil, apperr.Filesystem(fmt.Errorf("read key: %w", err))
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: malformed key file %s", path)
	}
	return newDevice(ed25519.NewKeyFromSeed(seed), alias), nil
}

// FromSeed builds a device from a fixed seed.
func FromSeed(seed []byte, alias string) (*Device, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes", ed25519.SeedSize)
	}
	return newDevice(ed25519.NewKeyFromSeed(seed), alias), nil
}

func newDevice(priv ed25519.PrivateKey, alias string) *Device {
	d := &Device{key: priv, Alias: alias}
	copy(d.id[:], priv.Public().(ed25519.PublicKey))
	return d
}

// ID returns the node id (the public key).
func (d *Device) ID() models.NodeID { return d.id }

// Emoji returns the emoji identity of this device.
func (d *Device) Emoji() string { return Emoji(d.id) }

// Sign signs msg with the device key.
func (d *Device) Sign(msg []byte) []byte { return ed25519.Sign(d.key, msg) }

// Verify checks a signature made by id.
func Verify(id models.NodeID, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), msg, sig)
}
