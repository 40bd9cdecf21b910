package pkb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/bus"
	"github.com/starford/pkb/internal/chunk"
	"github.com/starford/pkb/internal/directory"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/node"
	"github.com/starford/pkb/internal/pairing"
)

const desc = "My personal notes and thoughts"

type signer struct{ id models.NodeID }

func (s signer) ID() models.NodeID    { return s.id }
func (s signer) Sign(b []byte) []byte { return []byte("sig") }

// clock hands out strictly increasing whole seconds.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type device struct {
	id      models.NodeID
	svc     *Service
	node    *node.Store
	devices *pairing.Manager
	bus     *bus.Bus
	store   *directory.Store
}

func nid(b byte) models.NodeID {
	var id models.NodeID
	id[0] = b
	id[31] = 0xee
	return id
}

// newDevice builds a device rooted at base/<nid>. Remotes of paired devices
// point at their roots under the same base.
func newDevice(t *testing.T, base string, id models.NodeID, clk *clock, wrap func(node.Node) node.Node) *device {
	t.Helper()
	root := filepath.Join(base, id.String())
	store, err := directory.OpenOrCreate(root)
	if err != nil {
		t.Fatal(err)
	}
	ns, err := node.Open(store.MetaPath("node.db"), id, node.WithSigner(signer{id: id}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ns.Close() })

	var n node.Node = ns
	if wrap != nil {
		n = wrap(ns)
	}
	b := bus.New()
	t.Cleanup(b.Close)
	devices := pairing.NewManager(n, store.Registry(), nil)
	svc := New(store, n, devices, b,
		WithClock(clk.now),
		WithRemoteTemplate(filepath.Join(base, "{nid}", directory.DirectoriesDir, "{name}")))
	return &device{id: id, svc: svc, node: ns, devices: devices, bus: b, store: store}
}

func recv[E any](t *testing.T, s *bus.Subscription[E]) E {
	t.Helper()
	select {
	case v := <-s.C:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %T", *new(E))
	}
	var zero E
	return zero
}

func TestCreateDirectory(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, t.TempDir(), nid(1), newClock(), nil)

	dir, err := d.svc.CreateDirectory(ctx, NewDirectory{Name: "notes", Description: desc, Emoji: "📝"})
	if err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if !dir.RID.Valid() || len(dir.RID) != len(models.RepoIDPrefix)+40 {
		t.Errorf("rid = %q", dir.RID)
	}
	if dir.Head == "" {
		t.Error("expected an initial commit")
	}
	if !d.store.HasDirectory("notes") {
		t.Error("registry should contain notes")
	}
	meta, err := directory.ReadMeta(dir.Path)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Description != desc || meta.Emoji != "📝" {
		t.Errorf("meta = %+v", meta)
	}

	seeds, err := d.node.SeedPolicies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(seeds) != 1 || seeds[0].RID != dir.RID {
		t.Errorf("seeds = %+v", seeds)
	}
	doc, err := d.node.Repository(ctx, dir.RID)
	if err != nil {
		t.Fatal(err)
	}
	if !doc.IsDelegate(d.id) {
		t.Error("creator should be a delegate")
	}

	if _, err := d.svc.CreateDirectory(ctx, NewDirectory{Name: "notes", Description: desc}); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("duplicate: err = %v", err)
	}
}

func TestCreateDirectory_Validation(t *testing.T) {
	d := newDevice(t, t.TempDir(), nid(1), newClock(), nil)
	cases := []NewDirectory{
		{Name: "", Description: desc},
		{Name: ".hidden", Description: desc},
		{Name: "a/b", Description: desc},
		{Name: "notes", Description: "too short"},
	}
	for _, in := range cases {
		if _, err := d.svc.CreateDirectory(context.Background(), in); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("%+v: err = %v, want validation", in, err)
		}
	}
	if len(d.svc.ListDirectories()) != 0 {
		t.Error("nothing should be registered")
	}
}

// flakySeed fails Seed until healed.
type flakySeed struct {
	node.Node
	mu     sync.Mutex
	broken bool
}

func (f *flakySeed) Seed(ctx context.Context, rid models.RepoID, scope node.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return apperr.Network(errors.New("node offline"))
	}
	return f.Node.Seed(ctx, rid, scope)
}

func TestCreateDirectory_NetworkFailureLeavesUnregistered(t *testing.T) {
	ctx := context.Background()
	flaky := &flakySeed{broken: true}
	d := newDevice(t, t.TempDir(), nid(1), newClock(), func(n node.Node) node.Node {
		flaky.Node = n
		return flaky
	})

	_, err := d.svc.CreateDirectory(ctx, NewDirectory{Name: "notes", Description: desc})
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("err = %v, want network", err)
	}
	if d.store.HasDirectory("notes") {
		t.Error("directory must not be registered")
	}
	first, err := directory.ReadMeta(d.store.DirectoryPath("notes"))
	if err != nil {
		t.Fatalf("local commit should be kept: %v", err)
	}

	flaky.mu.Lock()
	flaky.broken = false
	flaky.mu.Unlock()

	dir, err := d.svc.CreateDirectory(ctx, NewDirectory{Name: "notes", Description: desc})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !dir.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed on retry: %v vs %v", dir.CreatedAt, first.CreatedAt)
	}
	if dir.RID != RepoIDFor(d.id, "notes", first.CreatedAt) {
		t.Error("rid should be derived from the first attempt")
	}
}

func TestIngestChunk_EndToEnd(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, t.TempDir(), nid(1), newClock(), nil)
	dir, err := d.svc.CreateDirectory(ctx, NewDirectory{Name: "notes", Description: desc})
	if err != nil {
		t.Fatal(err)
	}
	created := bus.Subscribe[EntryCreated](d.bus)
	defer created.Close()

	got, err := d.svc.IngestChunk(ctx, "notes", "notes/hello.js.md", chunk.TextNote{Content: "Hello", Title: "Greeting"})
	if err != nil {
		t.Fatalf("IngestChunk: %v", err)
	}
	if got.ID.IsZero() {
		t.Error("entry id is zero")
	}
	data, err := os.ReadFile(filepath.Join(dir.Path, "notes", "hello.js.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "# Greeting") || !strings.Contains(string(data), "Hello") {
		t.Errorf("file = %q", data)
	}

	ev := recv(t, created)
	if ev.Directory != "notes" || ev.Path != "notes/hello.js.md" || ev.ID != got.ID || ev.Commit != got.Commit {
		t.Errorf("event = %+v, ingested = %+v", ev, got)
	}
	head, _ := d.svc.Head("notes")
	if head != got.Commit {
		t.Errorf("head = %s, commit = %s", head, got.Commit)
	}
	n, err := d.node.Announcements(ctx, dir.RID)
	if err != nil || n != 1 {
		t.Errorf("announcements = %d, %v", n, err)
	}

	rec, err := d.svc.ReadChunk("notes", "notes/hello.js.md")
	if err != nil {
		t.Fatal(err)
	}
	note, ok := rec.Chunk.(chunk.TextNote)
	if !ok || note.Title != "Greeting" || strings.TrimSpace(note.Content) != "Hello" || rec.ID != got.ID {
		t.Errorf("read back = %+v", rec)
	}
}

func TestIngestChunk_Rules(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, t.TempDir(), nid(1), newClock(), nil)
	if _, err := d.svc.CreateDirectory(ctx, NewDirectory{Name: "media", Description: desc}); err != nil {
		t.Fatal(err)
	}
	link := chunk.MediaLink{URL: "https://example.com/a.mp3", Title: "Song"}

	got, err := d.svc.IngestChunk(ctx, "media", "", link)
	if err != nil {
		t.Fatalf("generated name: %v", err)
	}
	if !strings.HasSuffix(got.Path, " Song.mln") {
		t.Errorf("generated path = %q", got.Path)
	}
	if _, err := d.svc.IngestChunk(ctx, "media", got.Path, link); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("same path: err = %v", err)
	}
	if _, err := d.svc.IngestChunk(ctx, "media", "a.js.md", link); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("kind mismatch: err = %v", err)
	}
	if _, err := d.svc.IngestChunk(ctx, "media", directory.MetaFile, chunk.TextNote{Content: "x"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("meta path: err = %v", err)
	}
	if _, err := d.svc.IngestChunk(ctx, "media", "../escape.js.md", chunk.TextNote{Content: "x"}); err == nil {
		t.Error("expected traversal to fail")
	}
	if _, err := d.svc.IngestChunk(ctx, "missing", "a.mln", link); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown directory: err = %v", err)
	}
}

func TestUpdateAndRemoveChunk(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, t.TempDir(), nid(1), newClock(), nil)
	if _, err := d.svc.CreateDirectory(ctx, NewDirectory{Name: "notes", Description: desc}); err != nil {
		t.Fatal(err)
	}
	updated := bus.Subscribe[EntryUpdated](d.bus)
	defer updated.Close()
	removed := bus.Subscribe[EntryRemoved](d.bus)
	defer removed.Close()

	first, err := d.svc.IngestChunk(ctx, "notes", "a.js.md", chunk.TextNote{Content: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.svc.UpdateChunk(ctx, "notes", "a.js.md", chunk.TextNote{Content: "v2"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID || second.Commit == first.Commit {
		t.Error("update should change id and commit")
	}
	if ev := recv(t, updated); ev.ID != second.ID {
		t.Errorf("updated event = %+v", ev)
	}
	if _, err := d.svc.UpdateChunk(ctx, "notes", "b.js.md", chunk.TextNote{Content: "x"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("update missing: err = %v", err)
	}

	if _, err := d.svc.RemoveChunk(ctx, "notes", "a.js.md"); err != nil {
		t.Fatal(err)
	}
	if ev := recv(t, removed); ev.Path != "a.js.md" {
		t.Errorf("removed event = %+v", ev)
	}
	items, err := d.svc.ListChunks("notes")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("live chunks = %+v", items)
	}
	if _, err := os.Stat(filepath.Join(d.store.DirectoryPath("notes"), "a.js.md"+chunk.DeletedSuffix)); err != nil {
		t.Errorf("tombstone missing: %v", err)
	}
	if _, err := d.svc.RemoveChunk(ctx, "notes", "a.js.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("remove twice: err = %v", err)
	}
}

func TestIngestChunk_ConcurrentWritesSerialize(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, t.TempDir(), nid(1), newClock(), nil)
	if _, err := d.svc.CreateDirectory(ctx, NewDirectory{Name: "notes", Description: desc}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := filepath.ToSlash(filepath.Join("c", string(rune('a'+i))+".js.md"))
			_, err := d.svc.IngestChunk(ctx, "notes", path, chunk.TextNote{Content: path})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("ingest: %v", err)
		}
	}
	items, err := d.svc.ListChunks("notes")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 8 {
		t.Errorf("chunks = %d, want 8", len(items))
	}
}

func TestDeleteDirectory(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, t.TempDir(), nid(1), newClock(), nil)
	dir, err := d.svc.CreateDirectory(ctx, NewDirectory{Name: "notes", Description: desc})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.svc.DeleteDirectory(ctx, "notes"); err != nil {
		t.Fatalf("DeleteDirectory: %v", err)
	}
	if _, err := os.Stat(dir.Path); !os.IsNotExist(err) {
		t.Errorf("working tree still present: %v", err)
	}
	if d.store.HasDirectory("notes") {
		t.Error("still registered")
	}
	seeds, _ := d.node.SeedPolicies(ctx)
	if len(seeds) != 0 {
		t.Errorf("still seeded: %+v", seeds)
	}
	if _, err := d.svc.GetDirectory("notes"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetDirectory: err = %v", err)
	}
	if err := d.svc.DeleteDirectory(ctx, "notes"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: err = %v", err)
	}
}

func TestCommitExternal(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, t.TempDir(), nid(1), newClock(), nil)
	dir, err := d.svc.CreateDirectory(ctx, NewDirectory{Name: "notes", Description: desc})
	if err != nil {
		t.Fatal(err)
	}
	all := bus.Subscribe[any](d.bus)
	defer all.Close()

	file := filepath.Join(dir.Path, "hand.md")
	if err := os.WriteFile(file, []byte("# Hand\n\nwritten elsewhere\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.svc.CommitExternal(ctx, "notes", "hand.md"); err != nil {
		t.Fatal(err)
	}
	if _, ok := recv(t, all).(EntryCreated); !ok {
		t.Error("expected EntryCreated")
	}
	head, _ := d.svc.Head("notes")

	if err := d.svc.CommitExternal(ctx, "notes", "hand.md"); err != nil {
		t.Fatal(err)
	}
	if again, _ := d.svc.Head("notes"); again != head {
		t.Error("unchanged file should not be committed")
	}

	if err := os.WriteFile(file, []byte("changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.svc.CommitExternal(ctx, "notes", "hand.md"); err != nil {
		t.Fatal(err)
	}
	if _, ok := recv(t, all).(EntryUpdated); !ok {
		t.Error("expected EntryUpdated")
	}

	if err := os.Remove(file); err != nil {
		t.Fatal(err)
	}
	if err := d.svc.CommitExternal(ctx, "notes", "hand.md"); err != nil {
		t.Fatal(err)
	}
	if ev, ok := recv(t, all).(EntryRemoved); !ok || ev.Path != "hand.md" {
		t.Errorf("expected EntryRemoved, got %+v", ev)
	}

	if err := d.svc.CommitExternal(ctx, "notes", "notes.txt"); err != nil {
		t.Errorf("non-chunk files are ignored: %v", err)
	}
}

func TestRepoIDFor(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := RepoIDFor(nid(1), "notes", at)
	if a != RepoIDFor(nid(1), "notes", at.In(time.FixedZone("x", 3600))) {
		t.Error("rid must not depend on the time zone")
	}
	if a == RepoIDFor(nid(2), "notes", at) || a == RepoIDFor(nid(1), "notes2", at) || a == RepoIDFor(nid(1), "notes", at.Add(time.Nanosecond)) {
		t.Error("rid must change with creator, name and time")
	}
}

func TestUpdateChunkIfMatch(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, t.TempDir(), nid(1), newClock(), nil)
	if _, err := d.svc.CreateDirectory(ctx, NewDirectory{Name: "notes", Description: desc}); err != nil {
		t.Fatal(err)
	}
	v1, err := d.svc.IngestChunk(ctx, "notes", "a.js.md", chunk.TextNote{Content: "v1"})
	if err != nil {
		t.Fatal(err)
	}
	v2, err := d.svc.UpdateChunkIfMatch(ctx, "notes", "a.js.md", chunk.TextNote{Content: "v2"}, v1.ID)
	if err != nil {
		t.Fatalf("matching update: %v", err)
	}

	// A writer still holding v1 loses against the update that landed first.
	if _, err := d.svc.UpdateChunkIfMatch(ctx, "notes", "a.js.md", chunk.TextNote{Content: "v3"}, v1.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("stale update err = %v, want conflict", err)
	}
	rec, err := d.svc.ReadChunk("notes", "a.js.md")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != v2.ID {
		t.Error("stale update changed the file")
	}

	if _, err := d.svc.UpdateChunkIfMatch(ctx, "notes", "missing.js.md", chunk.TextNote{Content: "x"}, v1.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}
