package merge

import (
	"fmt"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/checksum"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/storage"
)

// BlobSource reads file content from one remote replica.
type BlobSource interface {
	Read(path string) ([]byte, error)
}

// Result summarizes an applied plan.
type Result struct {
	Added             []string        `json:"added"`
	Updated           []string        `json:"updated"`
	Deleted           []string        `json:"deleted"`
	ResolvedConflicts []Conflict      `json:"resolved_conflicts"`
	MergedRemotes     []models.NodeID `json:"merged_remotes"`
	Pushed            int             `json:"pushed"`
}

// Changed lists every path touched, for staging.
func (r Result) Changed() (written, removed []string) {
	written = append(append(written, r.Added...), r.Updated...)
	return written, append(removed, r.Deleted...)
}

// Apply executes plan against tree, fetching content from sources. Written
// files take the winning version's timestamp. The first failure stops the
// run; the returned Result covers what was applied before it.
func Apply(plan Plan, tree storage.Provider, sources map[models.NodeID]BlobSource) (Result, error) {
	res := Result{MergedRemotes: plan.Remotes, Pushed: len(plan.Pushed)}
	applied := make(map[string]bool)
	for _, a := range plan.Actions {
		switch a.Kind {
		case ActionAdd, ActionUpdate:
			src, ok := sources[a.Device]
			if !ok {
				return res, fmt.Errorf("merge: no source for device %s", a.Device.Short())
			}
			data, err := src.Read(a.Path)
			if err != nil {
				return res, fmt.Errorf("merge: fetch %s: %w", a.Path, err)
			}
			if got := checksum.Sum(data); got != a.Version.Hash {
				return res, fmt.Errorf("merge: %s changed while merging: %w", a.Path, apperr.ErrConflict)
			}
			if err := tree.Write(a.Path, data); err != nil {
				return res, apperr.Filesystem(err)
			}
			if err := tree.SetModTime(a.Path, a.Version.ModTime); err != nil {
				return res, apperr.Filesystem(err)
			}
			if a.Kind == ActionAdd {
				res.Added = append(res.Added, a.Path)
			} else {
				res.Updated = append(res.Updated, a.Path)
			}
		case ActionDelete:
			if err := tree.Delete(a.Path); err != nil {
				return res, apperr.Filesystem(err)
			}
			res.Deleted = append(res.Deleted, a.Path)
		}
		applied[a.Path] = true
	}
	for _, c := range plan.Conflicts {
		if applied[c.Path] {
			res.ResolvedConflicts = append(res.ResolvedConflicts, c)
		}
	}
	return res, nil
}
