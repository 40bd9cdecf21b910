package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/starford/pkb/internal/apperr"
)

// Remote is a configured peer replica.
type Remote struct {
	Name string
	URL  string
}

// SetRemote points name at url, replacing a differing configuration.
func (r *Repo) SetRemote(name, url string) error {
	existing, err := r.repo.Remote(name)
	switch {
	case err == nil:
		urls := existing.Config().URLs
		if len(urls) == 1 && urls[0] == url {
			return nil
		}
		if err := r.repo.DeleteRemote(name); err != nil {
			return fmt.Errorf("gitrepo: replace remote %s: %w", name, err)
		}
	case !errors.Is(err, git.ErrRemoteNotFound):
		return fmt.Errorf("gitrepo: remote %s: %w", name, err)
	}
	_, err = r.repo.CreateRemote(&config.RemoteConfig{
		Name:  name,
		URLs:  []string{url},
		Fetch: []config.RefSpec{trackingSpec(name)},
	})
	if err != nil {
		return fmt.Errorf("gitrepo: create remote %s: %w", name, err)
	}
	return nil
}

// RemoveRemote drops name. Unknown names are ignored.
func (r *Repo) RemoveRemote(name string) error {
	err := r.repo.DeleteRemote(name)
	if err != nil && !errors.Is(err, git.ErrRemoteNotFound) {
		return fmt.Errorf("gitrepo: delete remote %s: %w", name, err)
	}
	return nil
}

// Remotes lists the configured remotes.
func (r *Repo) Remotes() ([]Remote, error) {
	rs, err := r.repo.Remotes()
	if err != nil {
		return nil, fmt.Errorf("gitrepo: remotes: %w", err)
	}
	out := make([]Remote, 0, len(rs))
	for _, rm := range rs {
		c := rm.Config()
		var url string
		if len(c.URLs) > 0 {
			url = c.URLs[0]
		}
		out = append(out, Remote{Name: c.Name, URL: url})
	}
	return out, nil
}

// Snapshot captures the tip of a remote replica. Replicas addressed by a
// filesystem path are opened in place. Anything else is fetched into
// refs/remotes/<name>/main first.
func (r *Repo) Snapshot(ctx context.Context, name string) (*Snapshot, error) {
	rm, err := r.repo.Remote(name)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: remote %s: %w", name, err)
	}
	urls := rm.Config().URLs
	if len(urls) == 0 {
		return nil, fmt.Errorf("gitrepo: remote %s has no url: %w", name, apperr.ErrValidation)
	}
	if p, ok := localPath(urls[0]); ok {
		peer, err := git.PlainOpen(p)
		if err != nil {
			return nil, apperr.Network(fmt.Errorf("open replica %s: %w", p, err))
		}
		ref, err := peer.Reference(plumbing.NewBranchReferenceName(Branch), true)
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return emptySnapshot(), nil
		}
		if err != nil {
			return nil, apperr.Network(err)
		}
		return newSnapshot(peer, ref.Hash())
	}

	err = r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: name,
		RefSpecs:   []config.RefSpec{trackingSpec(name)},
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, apperr.Network(fmt.Errorf("fetch %s: %w", name, err))
	}
	ref, err := r.repo.Reference(plumbing.NewRemoteReferenceName(name, Branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("gitrepo: tracking ref %s: %w", name, err)
	}
	return newSnapshot(r.repo, ref.Hash())
}

func trackingSpec(name string) config.RefSpec {
	return config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", Branch, name, Branch))
}

func localPath(url string) (string, bool) {
	if p, ok := strings.CutPrefix(url, "file://"); ok {
		return p, true
	}
	if filepath.IsAbs(url) {
		return url, true
	}
	return "", false
}
