package node

import (
	"context"
	"errors"
	"log/slog"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/models"
)

// Fallback prefers a live node and falls back to the local Store when the
// live node is unreachable. Only policy commands and reads fall back.
// Identity document writes and announcements need the live node.
type Fallback struct {
	live   Node
	local  *Store
	logger *slog.Logger
}

var _ Node = (*Fallback)(nil)

// NewFallback combines live and local. live may be nil, in which case every
// call goes to local.
func NewFallback(live Node, local *Store, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{live: live, local: local, logger: logger}
}

func (f *Fallback) offline(op string, err error) bool {
	if !errors.Is(err, apperr.ErrNetwork) {
		return false
	}
	f.logger.Warn("node unreachable, using local policy store",
		slog.String("op", op),
		slog.String("error", err.Error()))
	return true
}

func (f *Fallback) LocalID() models.NodeID { return f.local.LocalID() }

func (f *Fallback) Seed(ctx context.Context, rid models.RepoID, scope Scope) error {
	if f.live != nil {
		err := f.live.Seed(ctx, rid, scope)
		if !f.offline("seed", err) {
			return err
		}
	}
	return f.local.Seed(ctx, rid, scope)
}

func (f *Fallback) Unseed(ctx context.Context, rid models.RepoID) error {
	if f.live != nil {
		err := f.live.Unseed(ctx, rid)
		if !f.offline("unseed", err) {
			return err
		}
	}
	return f.local.Unseed(ctx, rid)
}

func (f *Fallback) SeedPolicies(ctx context.Context) ([]SeedPolicy, error) {
	if f.live != nil {
		out, err := f.live.SeedPolicies(ctx)
		if !f.offline("seed policies", err) {
			return out, err
		}
	}
	return f.local.SeedPolicies(ctx)
}

func (f *Fallback) Follow(ctx context.Context, nid models.NodeID, alias string) (bool, error) {
	if f.live != nil {
		ok, err := f.live.Follow(ctx, nid, alias)
		if !f.offline("follow", err) {
			return ok, err
		}
	}
	return f.local.Follow(ctx, nid, alias)
}

func (f *Fallback) Unfollow(ctx context.Context, nid models.NodeID) (bool, error) {
	if f.live != nil {
		ok, err := f.live.Unfollow(ctx, nid)
		if !f.offline("unfollow", err) {
			return ok, err
		}
	}
	return f.local.Unfollow(ctx, nid)
}

func (f *Fallback) FollowPolicies(ctx context.Context) ([]FollowPolicy, error) {
	if f.live != nil {
		out, err := f.live.FollowPolicies(ctx)
		if !f.offline("follow policies", err) {
			return out, err
		}
	}
	return f.local.FollowPolicies(ctx)
}

func (f *Fallback) Repository(ctx context.Context, rid models.RepoID) (Repository, error) {
	if f.live != nil {
		doc, err := f.live.Repository(ctx, rid)
		if !f.offline("repository", err) {
			return doc, err
		}
	}
	return f.local.Repository(ctx, rid)
}

func (f *Fallback) Repositories(ctx context.Context) ([]Repository, error) {
	if f.live != nil {
		out, err := f.live.Repositories(ctx)
		if !f.offline("repositories", err) {
			return out, err
		}
	}
	return f.local.Repositories(ctx)
}

func (f *Fallback) InitRepository(ctx context.Context, doc Repository) error {
	if f.live != nil {
		return f.live.InitRepository(ctx, doc)
	}
	return f.local.InitRepository(ctx, doc)
}

func (f *Fallback) UpdateDelegates(ctx context.Context, rid models.RepoID, add, remove []models.NodeID) (Repository, error) {
	if f.live != nil {
		return f.live.UpdateDelegates(ctx, rid, add, remove)
	}
	return f.local.UpdateDelegates(ctx, rid, add, remove)
}

func (f *Fallback) AnnounceRefs(ctx context.Context, rid models.RepoID) error {
	if f.live != nil {
		return f.live.AnnounceRefs(ctx, rid)
	}
	return f.local.AnnounceRefs(ctx, rid)
}
