// Package stream turns storage events into the application-facing stream of
// things this device has seen, and is the write path for new content.
package stream

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/starford/pkb/internal/bus"
	"github.com/starford/pkb/internal/chunk"
	"github.com/starford/pkb/internal/identity"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/pkb"
)

// Service is what the stream needs from the PKB orchestrator.
type Service interface {
	IngestChunk(ctx context.Context, name, relPath string, c chunk.Chunk) (pkb.Ingested, error)
	Head(name string) (string, error)
	ReadChunk(name, relPath string) (pkb.ChunkRecord, error)
}

var _ Service = (*pkb.Service)(nil)

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) { s.now = now }
}

// Stream translates storage events and writes new content.
type Stream struct {
	svc      Service
	bus      *bus.Bus
	identity string
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
	// own counts AddChunk calls per directory/path key that have not been
	// settled yet. A call settles by failing (it releases its own claim) or
	// by its storage event being translated. AddChunk emits ChunkAdded itself.
	own map[string]int

	stop func()
}

// New returns a Stream for the device device and starts its listener. The
// bus only holds the Stream weakly; Close stops the listener explicitly.
func New(svc Service, b *bus.Bus, device models.NodeID, opts ...Option) *Stream {
	s := &Stream{
		svc:      svc,
		bus:      b,
		identity: identity.Emoji(device),
		logger:   slog.Default(),
		now:      time.Now,
		own:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stop = bus.Watch(b, s, (*Stream).translate)
	return s
}

// Close stops translating events.
func (s *Stream) Close() { s.stop() }

// Identity returns the emoji identity used in references.
func (s *Stream) Identity() string { return s.identity }

// AddChunk ingests c into directory at relPath and returns the entry that
// records it. An empty relPath, or one ending in "/", gets a generated file
// name. ChunkAdded is emitted before AddChunk returns.
func (s *Stream) AddChunk(ctx context.Context, directory, relPath string, c chunk.Chunk) (StreamEntry, error) {
	now := s.now()
	if relPath == "" || strings.HasSuffix(relPath, "/") {
		relPath = path.Join(relPath, chunk.GenerateFilename(c, now, chunk.Title(c)))
	}
	key := ownKey(directory, relPath)
	s.claim(key)

	ing, err := s.svc.IngestChunk(ctx, directory, relPath, c)
	if ing.Commit == "" {
		// Nothing was committed, so no storage event will arrive.
		s.release(key)
		return StreamEntry{}, err
	}

	commit, headErr := s.svc.Head(directory)
	if headErr != nil {
		commit = ing.Commit
	}
	summary := chunk.Summarize(c)
	entry := StreamEntry{
		ObservedAt: now.UnixMilli(),
		Commit:     commit,
		Reference:  BuildURL(s.identity, directory, ing.Path, commit),
		Summary:    &summary,
	}
	s.bus.Emit(ChunkAdded{Directory: directory, Path: ing.Path, ID: ing.ID, Entry: entry})
	return entry, err
}

// See records content known by reference without ingesting it. The
// reference must parse; content stored on this device gets a summary.
func (s *Stream) See(reference string) (StreamEntry, error) {
	ref, err := ParseURL(reference)
	if err != nil {
		return StreamEntry{}, err
	}
	entry := StreamEntry{
		ObservedAt: s.now().UnixMilli(),
		Commit:     ref.Commit,
		Reference:  ref.String(),
	}
	if ref.Identity == s.identity {
		entry.Summary = s.summarize(ref.Directory, ref.Path)
	}
	s.bus.Emit(ChunkSeen{Entry: entry})
	return entry, nil
}

// translate maps one storage event onto its stream event. Events without a
// stream equivalent are dropped.
func (s *Stream) translate(e any) {
	var out any
	switch ev := e.(type) {
	case pkb.EntryCreated:
		if s.release(ownKey(ev.Directory, ev.Path)) {
			return
		}
		out = ChunkAdded{
			Directory: ev.Directory,
			Path:      ev.Path,
			ID:        ev.ID,
			Entry:     s.entryFor(ev.Directory, ev.Path, ev.Commit),
		}
	case pkb.EntryPulled:
		commit, err := s.svc.Head(ev.Directory)
		if err != nil {
			s.logger.Warn("head for pulled entry", slog.String("directory", ev.Directory), slog.String("error", err.Error()))
		}
		out = EntryPulled{
			Directory: ev.Directory,
			Path:      ev.Path,
			ID:        ev.ID,
			Device:    ev.Device,
			Entry:     s.entryFor(ev.Directory, ev.Path, commit),
		}
	case pkb.EntryUpdated:
		out = ChunkUpdated{Directory: ev.Directory, Path: ev.Path, ID: ev.ID}
	case pkb.EntryRemoved:
		out = ChunkRemoved{Directory: ev.Directory, Path: ev.Path}
	case pkb.SyncStarted:
		out = SyncStarted{Directory: ev.Directory}
	case pkb.SyncCompleted:
		out = SyncCompleted{Directory: ev.Directory, Pulled: ev.Pulled, Pushed: ev.Pushed}
	case pkb.SyncFailed:
		out = SyncFailed{Directory: ev.Directory, Error: ev.Err}
	default:
		return
	}
	s.bus.Emit(out)
}

func (s *Stream) entryFor(directory, relPath, commit string) StreamEntry {
	return StreamEntry{
		ObservedAt: s.now().UnixMilli(),
		Commit:     commit,
		Reference:  BuildURL(s.identity, directory, relPath, commit),
		Summary:    s.summarize(directory, relPath),
	}
}

func (s *Stream) summarize(directory, relPath string) *chunk.Summary {
	rec, err := s.svc.ReadChunk(directory, relPath)
	if err != nil {
		s.logger.Debug("no summary",
			slog.String("directory", directory),
			slog.String("path", relPath),
			slog.String("error", err.Error()))
		return nil
	}
	sum := chunk.Summarize(rec.Chunk)
	return &sum
}

func ownKey(directory, relPath string) string {
	return directory + "\x00" + relPath
}

func (s *Stream) claim(key string) {
	s.mu.Lock()
	s.own[key]++
	s.mu.Unlock()
}

// release drops one claim and reports whether one was held.
func (s *Stream) release(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.own[key]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(s.own, key)
	} else {
		s.own[key] = n - 1
	}
	return true
}
