// Package node is the capability the PKB needs from the peer-to-peer network:
// seeding and following policies, repository identity documents and ref
// announcements.
package node

import (
	"context"
	"slices"
	"time"

	"github.com/starford/pkb/internal/models"
)

// Scope decides whose refs are replicated for a seeded repository.
type Scope string

const (
	ScopeFollowed Scope = "followed"
	ScopeAll      Scope = "all"
)

// FollowPolicy records a followed (or blocked) peer.
type FollowPolicy struct {
	NID     models.NodeID `json:"nid"`
	Alias   string        `json:"alias,omitempty"`
	Blocked bool          `json:"blocked,omitempty"`
	Since   time.Time     `json:"since"`
}

// SeedPolicy records a repository this node replicates.
type SeedPolicy struct {
	RID   models.RepoID `json:"rid"`
	Scope Scope         `json:"scope"`
}

// Repository is the identity document of a repository.
type Repository struct {
	RID       models.RepoID   `json:"rid"`
	Name      string          `json:"name"`
	Delegates []models.NodeID `json:"delegates"`
	CreatedAt time.Time       `json:"created_at"`
}

// IsDelegate reports whether nid is listed as a delegate.
func (r Repository) IsDelegate(nid models.NodeID) bool {
	return slices.Contains(r.Delegates, nid)
}

// Node is implemented by the offline policy Store, the live Client and the
// Fallback combining both. Every call may fail with apperr.ErrNetwork when a
// live node is unreachable.
type Node interface {
	LocalID() models.NodeID

	Seed(ctx context.Context, rid models.RepoID, scope Scope) error
	Unseed(ctx context.Context, rid models.RepoID) error
	SeedPolicies(ctx context.Context) ([]SeedPolicy, error)

	// Follow reports whether the policy changed.
	Follow(ctx context.Context, nid models.NodeID, alias string) (bool, error)
	// Unfollow reports whether a policy was removed.
	Unfollow(ctx context.Context, nid models.NodeID) (bool, error)
	FollowPolicies(ctx context.Context) ([]FollowPolicy, error)

	InitRepository(ctx context.Context, doc Repository) error
	Repository(ctx context.Context, rid models.RepoID) (Repository, error)
	Repositories(ctx context.Context) ([]Repository, error)
	UpdateDelegates(ctx context.Context, rid models.RepoID, add, remove []models.NodeID) (Repository, error)

	AnnounceRefs(ctx context.Context, rid models.RepoID) error
}
