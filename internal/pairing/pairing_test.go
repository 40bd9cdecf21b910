package pairing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/directory"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/node"
)

type signer struct{ id models.NodeID }

func (s signer) ID() models.NodeID    { return s.id }
func (s signer) Sign(b []byte) []byte { return []byte("sig") }

// failingNode refuses delegate updates for one repository.
type failingNode struct {
	node.Node
	bad models.RepoID
}

func (f failingNode) UpdateDelegates(ctx context.Context, rid models.RepoID, add, remove []models.NodeID) (node.Repository, error) {
	if rid == f.bad {
		return node.Repository{}, apperr.ErrNetwork
	}
	return f.Node.UpdateDelegates(ctx, rid, add, remove)
}

func nid(b byte) models.NodeID {
	var id models.NodeID
	id[0] = b
	return id
}

type env struct {
	store *node.Store
	reg   *directory.Registry
}

func newEnv(t *testing.T, dirs ...string) env {
	t.Helper()
	dir := t.TempDir()
	local := nid(1)
	store, err := node.Open(filepath.Join(dir, "node.db"), local, node.WithSigner(signer{id: local}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	reg := directory.NewRegistry(filepath.Join(dir, "registry.json"))
	for _, name := range dirs {
		rid := models.RepoID("rad:" + name)
		if err := store.InitRepository(context.Background(), node.Repository{RID: rid, Name: name, CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
		if err := reg.Add(directory.RegistryEntry{Name: name, RID: rid}); err != nil {
			t.Fatal(err)
		}
	}
	return env{store: store, reg: reg}
}

func TestPairingScenario(t *testing.T) {
	e := newEnv(t, "notes")
	m := NewManager(e.store, e.reg, nil)
	ctx := context.Background()
	d1 := nid(2)

	if err := m.Pair(ctx, d1, "Laptop"); err != nil {
		t.Fatal(err)
	}
	list, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Alias != "Laptop" || len(list[0].Repos) != 0 {
		t.Fatalf("list = %+v", list)
	}
	if list[0].PairedAt == nil {
		t.Error("paired_at missing")
	}

	if err := m.GrantAccess(ctx, d1, "notes"); err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}
	if ok, err := m.HasAccess(ctx, d1, "notes"); err != nil || !ok {
		t.Fatalf("HasAccess = %v, %v", ok, err)
	}
	list, _ = m.List(ctx)
	if len(list[0].Directories) != 1 || list[0].Directories[0] != "notes" {
		t.Errorf("directories = %v", list[0].Directories)
	}

	if err := m.Unpair(ctx, d1); err != nil {
		t.Fatal(err)
	}
	list, _ = m.List(ctx)
	if len(list) != 0 {
		t.Errorf("list after unpair = %+v", list)
	}
	repos, _ := m.DelegatedRepos(ctx, d1)
	if len(repos) != 0 {
		t.Errorf("delegations survived unpair: %v", repos)
	}
}

func TestPair_IdempotentUpdatesAlias(t *testing.T) {
	e := newEnv(t)
	m := NewManager(e.store, e.reg, nil)
	ctx := context.Background()
	_ = m.Pair(ctx, nid(2), "Laptop")
	_ = m.Pair(ctx, nid(2), "Old laptop")
	list, _ := m.List(ctx)
	if len(list) != 1 || list[0].Alias != "Old laptop" {
		t.Errorf("list = %+v", list)
	}
}

func TestGrantAccess_NotPaired(t *testing.T) {
	e := newEnv(t, "notes")
	m := NewManager(e.store, e.reg, nil)
	err := m.GrantAccess(context.Background(), nid(7), "notes")
	if !errors.Is(err, apperr.ErrNotPaired) {
		t.Fatalf("err = %v, want not paired", err)
	}
}

func TestGrantAccess_UnknownDirectory(t *testing.T) {
	e := newEnv(t)
	m := NewManager(e.store, e.reg, nil)
	ctx := context.Background()
	_ = m.Pair(ctx, nid(2), "")
	if err := m.GrantAccess(ctx, nid(2), "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestList_SkipsBlocked(t *testing.T) {
	e := newEnv(t)
	m := NewManager(e.store, e.reg, nil)
	ctx := context.Background()
	_ = m.Pair(ctx, nid(2), "a")
	if err := e.store.Block(ctx, nid(3)); err != nil {
		t.Fatal(err)
	}
	list, _ := m.List(ctx)
	if len(list) != 1 || list[0].NID != nid(2) {
		t.Errorf("list = %+v", list)
	}
	if ok, _ := m.IsPaired(ctx, nid(3)); ok {
		t.Error("blocked peer reported as paired")
	}
}

func TestUnpair_RevocationFailureDoesNotBlock(t *testing.T) {
	e := newEnv(t, "notes", "work")
	ctx := context.Background()
	plain := NewManager(e.store, e.reg, nil)
	_ = plain.Pair(ctx, nid(2), "Laptop")
	_ = plain.GrantAccess(ctx, nid(2), "notes")
	_ = plain.GrantAccess(ctx, nid(2), "work")

	m := NewManager(failingNode{Node: e.store, bad: "rad:work"}, e.reg, nil)
	if err := m.Unpair(ctx, nid(2)); err != nil {
		t.Fatalf("Unpair: %v", err)
	}
	if ok, _ := m.IsPaired(ctx, nid(2)); ok {
		t.Error("device still paired")
	}
	if ok, _ := m.HasAccess(ctx, nid(2), "notes"); ok {
		t.Error("notes delegation not revoked")
	}
}

func TestUnpair_Unknown(t *testing.T) {
	e := newEnv(t)
	m := NewManager(e.store, e.reg, nil)
	if err := m.Unpair(context.Background(), nid(9)); !errors.Is(err, apperr.ErrNotPaired) {
		t.Fatalf("err = %v", err)
	}
}

func TestSeedPKBForDevices(t *testing.T) {
	e := newEnv(t, "notes", "work")
	ctx := context.Background()
	m := NewManager(failingNode{Node: e.store, bad: "rad:none"}, e.reg, nil)
	_ = m.Pair(ctx, nid(2), "a")
	_ = m.Pair(ctx, nid(3), "b")
	_ = m.GrantAccess(ctx, nid(2), "notes")

	res, err := m.SeedPKBForDevices(ctx, "notes")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != nid(3) {
		t.Errorf("granted = %v", res.Succeeded)
	}
	for _, d := range []models.NodeID{nid(2), nid(3)} {
		if ok, _ := m.HasAccess(ctx, d, "notes"); !ok {
			t.Errorf("%s lacks access", d.Short())
		}
	}
	seeds, _ := e.store.SeedPolicies(ctx)
	if len(seeds) != 1 || seeds[0].RID != "rad:notes" {
		t.Errorf("seeds = %+v", seeds)
	}
}

func TestSeedPKBForDevices_BestEffort(t *testing.T) {
	e := newEnv(t, "work")
	ctx := context.Background()
	m := NewManager(failingNode{Node: e.store, bad: "rad:work"}, e.reg, nil)
	_ = m.Pair(ctx, nid(2), "a")
	res, err := m.SeedPKBForDevices(ctx, "work")
	if err != nil {
		t.Fatalf("best-effort seed returned %v", err)
	}
	if res.OK() || len(res.Failed) != 1 {
		t.Errorf("outcomes = %+v", res)
	}
}
