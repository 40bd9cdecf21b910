// Package gitrepo wraps the git repository behind each directory working tree.
package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/starford/pkb/internal/apperr"
)

// Branch is the single branch every replica commits to.
const Branch = "main"

// Author signs commits made on this device.
type Author struct {
	Name  string
	Email string
}

// Repo is a non-bare repository rooted at a directory working tree.
type Repo struct {
	path   string
	repo   *git.Repository
	author Author
}

// Init creates a repository at path, or opens the one already there.
func Init(path string, author Author) (*Repo, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, apperr.Filesystem(err)
	}
	r, err := git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(Branch)},
	})
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		return Open(path, author)
	}
	if err != nil {
		return nil, fmt.Errorf("gitrepo: init %s: %w", path, err)
	}
	return &Repo{path: path, repo: r, author: author}, nil
}

// Open opens an existing repository.
func Open(path string, author Author) (*Repo, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("gitrepo: %s: %w", path, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("gitrepo: open %s: %w", path, err)
	}
	return &Repo{path: path, repo: r, author: author}, nil
}

// Path returns the working tree root.
func (r *Repo) Path() string { return r.path }

// Head returns the current commit id, or "" for a repository without commits.
func (r *Repo) Head() (string, error) {
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("gitrepo: head: %w", err)
	}
	return ref.Hash().String(), nil
}

// Commit stages add and remove, then commits them with the author time set
// to when. When none of the paths differ from HEAD no commit is made and
// the current head is returned.
func (r *Repo) Commit(msg string, when time.Time, add, remove []string) (string, error) {
	dirty := false
	for _, p := range append(append([]string(nil), add...), remove...) {
		changed, err := r.Changed(p)
		if err != nil {
			return "", err
		}
		if changed {
			dirty = true
			break
		}
	}
	if !dirty {
		return r.Head()
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("gitrepo: worktree: %w", err)
	}
	for _, p := range remove {
		if _, err := wt.Remove(filepath.ToSlash(p)); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
			return "", fmt.Errorf("gitrepo: unstage %s: %w", p, err)
		}
	}
	for _, p := range add {
		if _, err := wt.Add(filepath.ToSlash(p)); err != nil {
			return "", fmt.Errorf("gitrepo: stage %s: %w", p, err)
		}
	}
	sig := &object.Signature{Name: r.author.Name, Email: r.author.Email, When: when}
	h, err := wt.Commit(msg, &git.CommitOptions{Author: sig})
	if errors.Is(err, git.ErrEmptyCommit) {
		return r.Head()
	}
	if err != nil {
		return "", fmt.Errorf("gitrepo: commit: %w", err)
	}
	return h.String(), nil
}

// Changed reports whether the working tree file at path differs from what
// HEAD records, including files that are untracked or gone.
func (r *Repo) Changed(path string) (bool, error) {
	path = filepath.ToSlash(path)
	data, readErr := os.ReadFile(filepath.Join(r.path, filepath.FromSlash(path)))
	if readErr != nil && !errors.Is(readErr, os.ErrNotExist) {
		return false, apperr.Filesystem(readErr)
	}
	tree, err := r.headTree()
	if err != nil {
		return false, err
	}
	var entry *object.TreeEntry
	if tree != nil {
		entry, err = tree.FindEntry(path)
		if err != nil && !errors.Is(err, object.ErrEntryNotFound) && !errors.Is(err, object.ErrDirectoryNotFound) {
			return false, fmt.Errorf("gitrepo: lookup %s: %w", path, err)
		}
	}
	switch {
	case readErr != nil:
		return entry != nil, nil
	case entry == nil:
		return true, nil
	}
	return plumbing.ComputeHash(plumbing.BlobObject, data) != entry.Hash, nil
}

// Tracked reports whether HEAD contains path.
func (r *Repo) Tracked(path string) bool {
	tree, err := r.headTree()
	if err != nil || tree == nil {
		return false
	}
	_, err = tree.FindEntry(filepath.ToSlash(path))
	return err == nil
}

func (r *Repo) headTree() (*object.Tree, error) {
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gitrepo: head: %w", err)
	}
	c, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("gitrepo: head commit: %w", err)
	}
	return c.Tree()
}
