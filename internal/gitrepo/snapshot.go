package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/checksum"
	"github.com/starford/pkb/internal/models"
)

// Snapshot is a read-only view of one replica at one commit.
type Snapshot struct {
	repo   *git.Repository
	commit *object.Commit
	tree   *object.Tree
}

func emptySnapshot() *Snapshot { return &Snapshot{} }

func newSnapshot(repo *git.Repository, head plumbing.Hash) (*Snapshot, error) {
	c, err := repo.CommitObject(head)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: commit %s: %w", head, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("gitrepo: tree of %s: %w", head, err)
	}
	return &Snapshot{repo: repo, commit: c, tree: tree}, nil
}

// Head returns the snapshot commit id, or "" for an empty replica.
func (s *Snapshot) Head() string {
	if s.commit == nil {
		return ""
	}
	return s.commit.Hash.String()
}

// Versions returns a FileVersion per file. A file's timestamp is the author
// time of the commit that introduced its current content.
func (s *Snapshot) Versions() (map[string]models.FileVersion, error) {
	out := make(map[string]models.FileVersion)
	if s.tree == nil {
		return out, nil
	}
	blobs := make(map[string]plumbing.Hash)
	err := s.tree.Files().ForEach(func(f *object.File) error {
		blobs[f.Name] = f.Hash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gitrepo: list tree: %w", err)
	}
	times, err := s.introducedAt(blobs)
	if err != nil {
		return nil, err
	}
	for p, h := range blobs {
		data, err := s.blob(h)
		if err != nil {
			return nil, err
		}
		out[p] = models.FileVersion{
			Path:    p,
			Hash:    checksum.Sum(data),
			ModTime: times[p],
			Size:    int64(len(data)),
		}
	}
	return out, nil
}

// Read returns the content of path at the snapshot commit.
func (s *Snapshot) Read(path string) ([]byte, error) {
	if s.tree == nil {
		return nil, fmt.Errorf("gitrepo: %s: %w", path, apperr.ErrNotFound)
	}
	e, err := s.tree.FindEntry(path)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: %s: %w", path, apperr.ErrNotFound)
	}
	return s.blob(e.Hash)
}

func (s *Snapshot) blob(h plumbing.Hash) ([]byte, error) {
	b, err := s.repo.BlobObject(h)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: blob %s: %w", h, err)
	}
	rc, err := b.Reader()
	if err != nil {
		return nil, fmt.Errorf("gitrepo: blob %s: %w", h, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// introducedAt walks first parents from the snapshot commit until every path
// has been attributed to the commit where its blob last changed.
func (s *Snapshot) introducedAt(blobs map[string]plumbing.Hash) (map[string]time.Time, error) {
	pending := make(map[string]plumbing.Hash, len(blobs))
	for p, h := range blobs {
		pending[p] = h
	}
	out := make(map[string]time.Time, len(blobs))
	c := s.commit
	for c != nil && len(pending) > 0 {
		var parent *object.Commit
		var parentTree *object.Tree
		if c.NumParents() > 0 {
			var err error
			if parent, err = c.Parent(0); err != nil {
				return nil, fmt.Errorf("gitrepo: parent of %s: %w", c.Hash, err)
			}
			if parentTree, err = parent.Tree(); err != nil {
				return nil, fmt.Errorf("gitrepo: tree of %s: %w", parent.Hash, err)
			}
		}
		for p, h := range pending {
			if parentTree != nil {
				e, err := parentTree.FindEntry(p)
				if err == nil && e.Hash == h {
					continue
				}
				if err != nil && !errors.Is(err, object.ErrEntryNotFound) && !errors.Is(err, object.ErrDirectoryNotFound) {
					return nil, fmt.Errorf("gitrepo: lookup %s: %w", p, err)
				}
			}
			out[p] = c.Author.When
			delete(pending, p)
		}
		c = parent
	}
	return out, nil
}
