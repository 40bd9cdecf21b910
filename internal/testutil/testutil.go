// Package testutil provides shared test helpers for setting up PKB instances.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/pkb/internal/bus"
	"github.com/starford/pkb/internal/directory"
	"github.com/starford/pkb/internal/identity"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/node"
	"github.com/starford/pkb/internal/pairing"
	"github.com/starford/pkb/internal/pkb"
)

// Description is a directory description long enough to pass validation.
const Description = "My personal notes and thoughts"

// Instance is a PKB instance rooted in a temp directory.
type Instance struct {
	Root    string
	Device  *identity.Device
	Store   *directory.Store
	Node    *node.Store
	Devices *pairing.Manager
	Bus     *bus.Bus
	Svc     *pkb.Service
}

// NodeID returns a deterministic node id for tests.
func NodeID(b byte) models.NodeID {
	var id models.NodeID
	for i := range id {
		id[i] = b
	}
	return id
}

// NewInstance creates a PKB instance with a fresh device key and an offline
// policy store. Everything is cleaned up with the test.
func NewInstance(t *testing.T, opts ...pkb.Option) *Instance {
	t.Helper()
	root := t.TempDir()
	store, err := directory.OpenOrCreate(root)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := identity.LoadOrCreate(store.MetaPath("device.key"), "test")
	if err != nil {
		t.Fatal(err)
	}
	ns, err := node.Open(store.MetaPath("node.db"), dev.ID(), node.WithSigner(dev))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ns.Close() })

	b := bus.New()
	t.Cleanup(b.Close)
	devices := pairing.NewManager(ns, store.Registry(), nil)
	svc := pkb.New(store, ns, devices, b, opts...)
	return &Instance{Root: root, Device: dev, Store: store, Node: ns, Devices: devices, Bus: b, Svc: svc}
}

// Eventually polls cond until it holds or the deadline passes.
func Eventually(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// Path joins rel onto the working tree of directory name.
func (in *Instance) Path(name, rel string) string {
	return filepath.Join(in.Store.DirectoryPath(name), filepath.FromSlash(rel))
}
