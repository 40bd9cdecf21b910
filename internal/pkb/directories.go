package pkb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/checksum"
	"github.com/starford/pkb/internal/directory"
	"github.com/starford/pkb/internal/gitrepo"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/node"
)

// NewDirectory is the input of CreateDirectory.
type NewDirectory struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Emoji       string `json:"emoji,omitempty"`
	Color       string `json:"color,omitempty"`
}

// Directory is a registered directory and where it lives.
type Directory struct {
	directory.RegistryEntry
	Path string `json:"path"`
	Head string `json:"head,omitempty"`
}

// RepoIDFor derives the repository id of a directory from its creator, its
// name and its creation time.
func RepoIDFor(creator models.NodeID, name string, createdAt time.Time) models.RepoID {
	buf := make([]byte, 0, len(creator)+len(name)+32)
	buf = append(buf, creator[:]...)
	buf = append(buf, name...)
	buf = append(buf, createdAt.UTC().Format(time.RFC3339Nano)...)
	sum := checksum.Of(buf)
	return models.RepoID(models.RepoIDPrefix + sum.String()[:40])
}

// CreateDirectory creates the working tree and its network identity,
// commits the metadata file, seeds the repository and registers it.
//
// When a network step fails after the initial commit the directory stays on
// disk unregistered. Calling CreateDirectory again with the same name picks
// it up and retries the network steps.
func (s *Service) CreateDirectory(ctx context.Context, in NewDirectory) (Directory, error) {
	meta := directory.Meta{
		Name:        in.Name,
		Description: in.Description,
		Emoji:       in.Emoji,
		Color:       in.Color,
		CreatedAt:   s.now().UTC(),
	}
	if err := meta.Validate(); err != nil {
		return Directory{}, err
	}
	if s.store.HasDirectory(in.Name) {
		return Directory{}, fmt.Errorf("directory %q: %w", in.Name, apperr.ErrAlreadyExists)
	}

	unlock := s.lock(in.Name)
	defer unlock()

	path := s.store.DirectoryPath(in.Name)
	repo, err := gitrepo.Init(path, s.author)
	if err != nil {
		return Directory{}, err
	}
	if prev, err := directory.ReadMeta(path); err == nil && prev.Name == in.Name {
		// Retry of an earlier attempt that failed after its first commit.
		meta.CreatedAt = prev.CreatedAt
	}
	if err := directory.WriteMeta(path, meta); err != nil {
		return Directory{}, err
	}
	metaPath := filepath.Join(path, directory.MetaFile)
	if err := os.Chtimes(metaPath, meta.CreatedAt, meta.CreatedAt); err != nil {
		return Directory{}, apperr.Filesystem(err)
	}
	head, err := repo.Commit("Create directory "+in.Name, meta.CreatedAt, []string{directory.MetaFile}, nil)
	if err != nil {
		return Directory{}, err
	}

	local := s.node.LocalID()
	rid := RepoIDFor(local, in.Name, meta.CreatedAt)
	err = s.node.InitRepository(ctx, node.Repository{
		RID:       rid,
		Name:      in.Name,
		Delegates: []models.NodeID{local},
		CreatedAt: meta.CreatedAt,
	})
	if err != nil && !errors.Is(err, apperr.ErrAlreadyExists) {
		return Directory{}, fmt.Errorf("create %q: init repository: %w", in.Name, err)
	}
	if err := s.node.Seed(ctx, rid, node.ScopeFollowed); err != nil {
		return Directory{}, fmt.Errorf("create %q: seed: %w", in.Name, err)
	}
	if _, err := s.ensureRemotes(ctx, repo, rid, in.Name); err != nil {
		s.logger.Warn("configure remotes failed",
			slog.String("directory", in.Name),
			slog.String("error", err.Error()))
	}

	entry := directory.RegistryEntry{
		Name:        meta.Name,
		Description: meta.Description,
		Emoji:       meta.Emoji,
		Color:       meta.Color,
		RID:         rid,
		CreatedAt:   meta.CreatedAt,
	}
	if err := s.store.Registry().Add(entry); err != nil {
		return Directory{}, err
	}
	s.logger.Info("directory created",
		slog.String("directory", in.Name),
		slog.String("rid", rid.String()))
	return Directory{RegistryEntry: entry, Path: path, Head: head}, nil
}

// ListDirectories returns every registered directory, sorted by name.
func (s *Service) ListDirectories() []Directory {
	entries := s.store.Registry().List()
	out := make([]Directory, 0, len(entries))
	for _, e := range entries {
		out = append(out, Directory{RegistryEntry: e, Path: s.store.DirectoryPath(e.Name)})
	}
	return out
}

// GetDirectory returns one directory with its current head.
func (s *Service) GetDirectory(name string) (Directory, error) {
	ws, err := s.open(name)
	if err != nil {
		return Directory{}, err
	}
	head, err := ws.repo.Head()
	if err != nil {
		return Directory{}, err
	}
	return Directory{RegistryEntry: ws.entry, Path: ws.repo.Path(), Head: head}, nil
}

// DeleteDirectory unseeds the repository, removes the working tree and then
// the registry entry. A crash midway leaves an unseeded directory that is
// still registered.
func (s *Service) DeleteDirectory(ctx context.Context, name string) error {
	entry, ok := s.store.Registry().Get(name)
	if !ok {
		return fmt.Errorf("directory %q: %w", name, apperr.ErrNotFound)
	}
	unlock := s.lock(name)
	defer unlock()

	if err := s.node.Unseed(ctx, entry.RID); err != nil {
		return fmt.Errorf("delete %q: unseed: %w", name, err)
	}
	if err := os.RemoveAll(s.store.DirectoryPath(name)); err != nil {
		return apperr.Filesystem(err)
	}
	if err := s.store.Registry().Remove(name); err != nil {
		return err
	}
	s.logger.Info("directory deleted", slog.String("directory", name))
	return nil
}

// Head returns the current commit of a directory.
func (s *Service) Head(name string) (string, error) {
	ws, err := s.open(name)
	if err != nil {
		return "", err
	}
	return ws.repo.Head()
}
