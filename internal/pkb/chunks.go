package pkb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/checksum"
	"github.com/starford/pkb/internal/chunk"
	"github.com/starford/pkb/internal/directory"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/storage"
)

// ChunkInfo is one live chunk file in a directory listing.
type ChunkInfo struct {
	Path    string     `json:"path"`
	ID      string     `json:"id"`
	Kind    chunk.Kind `json:"kind"`
	Size    int64      `json:"size"`
	ModTime time.Time  `json:"mod_time"`
}

// ChunkRecord is a chunk read back from a directory.
type ChunkRecord struct {
	Path  string           `json:"path"`
	ID    checksum.EntryID `json:"id"`
	Kind  chunk.Kind       `json:"kind"`
	Chunk chunk.Chunk      `json:"-"`
	Raw   []byte           `json:"-"`
}

// Ingested is the outcome of a chunk write.
type Ingested struct {
	Path   string           `json:"path"`
	ID     checksum.EntryID `json:"id"`
	Commit string           `json:"commit"`
}

// IngestChunk writes c into the directory name at relPath and commits it.
// An empty relPath, or one ending in "/", gets a generated file name.
// EntryCreated is emitted before the new state is announced; an announce
// failure is returned together with the committed result.
func (s *Service) IngestChunk(ctx context.Context, name, relPath string, c chunk.Chunk) (Ingested, error) {
	ws, err := s.open(name)
	if err != nil {
		return Ingested{}, err
	}
	now := s.now()
	if relPath == "" || strings.HasSuffix(relPath, "/") {
		relPath = path.Join(relPath, chunk.GenerateFilename(c, now, chunk.Title(c)))
	}
	if err := checkChunkPath(relPath); err != nil {
		return Ingested{}, err
	}
	if err := checkKind(relPath, c); err != nil {
		return Ingested{}, err
	}

	unlock := s.lock(name)
	if _, err := ws.tree.Stat(relPath); err == nil {
		unlock()
		return Ingested{}, fmt.Errorf("%s/%s: %w", name, relPath, apperr.ErrAlreadyExists)
	}
	id, err := chunk.Ingest(ws.tree, relPath, c, now)
	if err == nil {
		err = stamp(ws, relPath, now)
	}
	if err != nil {
		unlock()
		return Ingested{}, err
	}
	commit, err := ws.repo.Commit(fmt.Sprintf("Add %s (%s)", relPath, id), now, []string{relPath}, nil)
	unlock()
	if err != nil {
		return Ingested{}, err
	}

	out := Ingested{Path: relPath, ID: id, Commit: commit}
	s.bus.Emit(EntryCreated{Directory: name, Path: relPath, ID: id, Commit: commit})
	s.logger.Debug("chunk ingested",
		slog.String("directory", name),
		slog.String("path", relPath),
		slog.String("id", id.String()))
	return out, s.announce(ctx, ws.entry.RID)
}

// UpdateChunk replaces the content of an existing chunk file.
func (s *Service) UpdateChunk(ctx context.Context, name, relPath string, c chunk.Chunk) (Ingested, error) {
	return s.UpdateChunkIfMatch(ctx, name, relPath, c, checksum.EntryID{})
}

// UpdateChunkIfMatch is UpdateChunk that first checks, under the directory
// lock, that the file still has the entry id expected. A zero expected id
// skips the check. A mismatch is ErrConflict.
func (s *Service) UpdateChunkIfMatch(ctx context.Context, name, relPath string, c chunk.Chunk, expected checksum.EntryID) (Ingested, error) {
	ws, err := s.open(name)
	if err != nil {
		return Ingested{}, err
	}
	if err := checkChunkPath(relPath); err != nil {
		return Ingested{}, err
	}
	if err := checkKind(relPath, c); err != nil {
		return Ingested{}, err
	}
	now := s.now()

	unlock := s.lock(name)
	cur, err := ws.tree.Read(relPath)
	if err != nil {
		unlock()
		return Ingested{}, notFoundAsKind(err, name+"/"+relPath)
	}
	if !expected.IsZero() && checksum.Of(cur) != expected {
		unlock()
		return Ingested{}, fmt.Errorf("%s/%s: entry id is %s: %w", name, relPath, checksum.Of(cur), apperr.ErrConflict)
	}
	id, err := chunk.Ingest(ws.tree, relPath, c, now)
	if err == nil {
		err = stamp(ws, relPath, now)
	}
	if err != nil {
		unlock()
		return Ingested{}, err
	}
	commit, err := ws.repo.Commit(fmt.Sprintf("Update %s (%s)", relPath, id), now, []string{relPath}, nil)
	unlock()
	if err != nil {
		return Ingested{}, err
	}

	s.bus.Emit(EntryUpdated{Directory: name, Path: relPath, ID: id})
	return Ingested{Path: relPath, ID: id, Commit: commit}, s.announce(ctx, ws.entry.RID)
}

// RemoveChunk soft-deletes a chunk by renaming it to <path>.deleted. The
// tombstone carries the removal time so that merges on other devices see it
// as newer than the live file.
func (s *Service) RemoveChunk(ctx context.Context, name, relPath string) (string, error) {
	ws, err := s.open(name)
	if err != nil {
		return "", err
	}
	if err := checkChunkPath(relPath); err != nil {
		return "", err
	}
	now := s.now()
	tomb := relPath + chunk.DeletedSuffix

	unlock := s.lock(name)
	if _, err := ws.tree.Stat(relPath); err != nil {
		unlock()
		return "", notFoundAsKind(err, name+"/"+relPath)
	}
	if err := ws.tree.Move(relPath, tomb); err != nil {
		unlock()
		return "", apperr.Filesystem(err)
	}
	if err := ws.tree.SetModTime(tomb, now); err != nil {
		unlock()
		return "", apperr.Filesystem(err)
	}
	commit, err := ws.repo.Commit("Remove "+relPath, now, []string{tomb}, []string{relPath})
	unlock()
	if err != nil {
		return "", err
	}

	s.bus.Emit(EntryRemoved{Directory: name, Path: relPath})
	return commit, s.announce(ctx, ws.entry.RID)
}

// ReadChunk reads and decodes one chunk file.
func (s *Service) ReadChunk(name, relPath string) (ChunkRecord, error) {
	ws, err := s.open(name)
	if err != nil {
		return ChunkRecord{}, err
	}
	data, err := ws.tree.Read(relPath)
	if err != nil {
		return ChunkRecord{}, notFoundAsKind(err, name+"/"+relPath)
	}
	c, err := chunk.Decode(relPath, data)
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("decode %s/%s: %w", name, relPath, err)
	}
	return ChunkRecord{Path: relPath, ID: checksum.Of(data), Kind: c.Kind(), Chunk: c, Raw: data}, nil
}

// ListChunks lists the live chunk files of a directory, sorted by path.
func (s *Service) ListChunks(name string) ([]ChunkInfo, error) {
	ws, err := s.open(name)
	if err != nil {
		return nil, err
	}
	versions, err := ws.tree.List("")
	if err != nil {
		return nil, apperr.Filesystem(err)
	}
	out := []ChunkInfo{}
	for _, v := range versions {
		if chunk.IsDeleted(v.Path) {
			continue
		}
		shape, ok := chunk.DetectFromPath(v.Path)
		if !ok {
			continue
		}
		out = append(out, ChunkInfo{Path: v.Path, ID: v.Hash, Kind: shape.Kind(), Size: v.Size, ModTime: v.ModTime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// CommitExternal commits a file another program changed in the working tree
// of name. Files that match HEAD are ignored.
func (s *Service) CommitExternal(ctx context.Context, name, relPath string) error {
	ws, err := s.open(name)
	if err != nil {
		return err
	}
	if relPath == directory.MetaFile || storage.IsInternal(relPath) {
		return nil
	}
	if _, ok := chunk.DetectFromPath(relPath); !ok {
		return nil
	}

	unlock := s.lock(name)
	changed, err := ws.repo.Changed(relPath)
	if err != nil || !changed {
		unlock()
		return err
	}
	tracked := ws.repo.Tracked(relPath)
	data, err := ws.tree.Read(relPath)
	var event any
	switch {
	case errors.Is(err, os.ErrNotExist):
		_, err = ws.repo.Commit("Remove "+relPath, s.now(), nil, []string{relPath})
		if !chunk.IsDeleted(relPath) {
			event = EntryRemoved{Directory: name, Path: relPath}
		}
	case err != nil:
		err = apperr.Filesystem(err)
	default:
		var v models.FileVersion
		v, err = ws.tree.Stat(relPath)
		if err != nil {
			break
		}
		id := checksum.Of(data)
		verb := "Add"
		if tracked {
			verb = "Update"
		}
		var commit string
		commit, err = ws.repo.Commit(fmt.Sprintf("%s %s (%s)", verb, relPath, id), v.ModTime, []string{relPath}, nil)
		switch {
		case chunk.IsDeleted(relPath):
			event = EntryRemoved{Directory: name, Path: strings.TrimSuffix(relPath, chunk.DeletedSuffix)}
		case tracked:
			event = EntryUpdated{Directory: name, Path: relPath, ID: id}
		default:
			event = EntryCreated{Directory: name, Path: relPath, ID: id, Commit: commit}
		}
	}
	unlock()
	if err != nil {
		return err
	}
	if event != nil {
		s.bus.Emit(event)
	}
	s.logger.Info("external change committed",
		slog.String("directory", name),
		slog.String("path", relPath))
	return s.announce(ctx, ws.entry.RID)
}

// stamp aligns the file time with the commit time, so merges compare the
// same instant on every device.
func stamp(ws *workspace, relPath string, at time.Time) error {
	if err := ws.tree.SetModTime(relPath, at); err != nil {
		return apperr.Filesystem(err)
	}
	return nil
}

func checkChunkPath(relPath string) error {
	if relPath == directory.MetaFile {
		return apperr.Invalid("path", "reserved for directory metadata")
	}
	if storage.IsInternal(relPath) || chunk.IsDeleted(relPath) {
		return apperr.Invalid("path", "not a chunk path")
	}
	if _, ok := chunk.DetectFromPath(relPath); !ok {
		return apperr.Invalid("path", "unknown chunk extension")
	}
	return nil
}

// checkKind rejects a MediaLink stored under an entry extension and the
// reverse, since reads decode by extension.
func checkKind(relPath string, c chunk.Chunk) error {
	shape, _ := chunk.DetectFromPath(relPath)
	if (shape.Kind() == chunk.KindMediaLink) != (c.Kind() == chunk.KindMediaLink) {
		return apperr.Invalid("path", fmt.Sprintf("extension does not fit a %s", c.Kind()))
	}
	return nil
}
