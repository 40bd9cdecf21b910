package pkb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/checksum"
	"github.com/starford/pkb/internal/chunk"
	"github.com/starford/pkb/internal/directory"
	"github.com/starford/pkb/internal/gitrepo"
	"github.com/starford/pkb/internal/merge"
	"github.com/starford/pkb/internal/models"
)

// SyncDirectory merges the replicas of every paired device into the working
// tree of name. Unreachable remotes are logged and skipped. Cancellation is
// checked between remotes; a call already talking to a remote is not
// interrupted.
func (s *Service) SyncDirectory(ctx context.Context, name string) (merge.Result, error) {
	ws, err := s.open(name)
	if err != nil {
		return merge.Result{}, err
	}

	unlock := s.lock(name)
	defer unlock()

	s.bus.Emit(SyncStarted{Directory: name})
	res, err := s.sync(ctx, ws)
	if err != nil {
		s.bus.Emit(SyncFailed{Directory: name, Err: err.Error()})
		s.logger.Error("sync failed",
			slog.String("directory", name),
			slog.String("error", err.Error()))
		return res, err
	}

	if err := s.announce(ctx, ws.entry.RID); err != nil {
		s.logger.Warn("announce after sync failed",
			slog.String("directory", name),
			slog.String("error", err.Error()))
	}
	s.bus.Emit(SyncCompleted{Directory: name, Pulled: len(res.Added) + len(res.Updated), Pushed: res.Pushed})
	s.logger.Info("sync completed",
		slog.String("directory", name),
		slog.Int("remotes", len(res.MergedRemotes)),
		slog.Int("added", len(res.Added)),
		slog.Int("updated", len(res.Updated)),
		slog.Int("deleted", len(res.Deleted)),
		slog.Int("conflicts", len(res.ResolvedConflicts)))
	return res, nil
}

func (s *Service) sync(ctx context.Context, ws *workspace) (merge.Result, error) {
	name := ws.entry.Name
	paired, err := s.ensureRemotes(ctx, ws.repo, ws.entry.RID, name)
	if err != nil {
		return merge.Result{}, err
	}
	remotes, err := ws.repo.Remotes()
	if err != nil {
		return merge.Result{}, err
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i].Name < remotes[j].Name })

	local := s.node.LocalID()
	versions := make(map[models.NodeID]map[string]models.FileVersion)
	sources := make(map[models.NodeID]merge.BlobSource)
	fetched := apperr.ForEach(remotes, func(r gitrepo.Remote) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		nid, err := models.ParseNodeID(r.Name)
		if err != nil {
			return fmt.Errorf("remote is not a device: %w", err)
		}
		if nid == local {
			return nil
		}
		if !paired[nid] {
			return fmt.Errorf("device %s is not paired: %w", nid.Short(), apperr.ErrNotPaired)
		}
		snap, err := ws.repo.Snapshot(ctx, r.Name)
		if err != nil {
			return err
		}
		vs, err := snap.Versions()
		if err != nil {
			return err
		}
		delete(vs, directory.MetaFile)
		versions[nid] = vs
		sources[nid] = snap
		return nil
	})
	if err := ctx.Err(); err != nil {
		return merge.Result{}, err
	}
	for _, f := range fetched.Failed {
		s.logger.Warn("remote skipped",
			slog.String("directory", name),
			slog.String("remote", f.Item.Name),
			slog.String("error", f.Err.Error()))
	}

	listed, err := ws.tree.List("")
	if err != nil {
		return merge.Result{}, apperr.Filesystem(err)
	}
	current := make(map[string]models.FileVersion, len(listed))
	for _, v := range listed {
		if v.Path == directory.MetaFile {
			// Each replica keeps its own metadata; the registry mirrors it.
			continue
		}
		current[v.Path] = v
	}

	plan := merge.Compute(current, versions)
	res, err := merge.Apply(plan, ws.tree, sources)
	if err != nil {
		return res, err
	}

	written, removed := res.Changed()
	if len(written)+len(removed) > 0 {
		msg := fmt.Sprintf("Merge %d file(s) from %d device(s)", len(written)+len(removed), len(res.MergedRemotes))
		if _, err := ws.repo.Commit(msg, newest(plan, s.now()), written, removed); err != nil {
			return res, err
		}
	}
	s.emitMerged(ws, plan, res)
	return res, nil
}

// emitMerged raises one event per merged chunk path.
func (s *Service) emitMerged(ws *workspace, plan merge.Plan, res merge.Result) {
	name := ws.entry.Name
	devices := make(map[string]models.NodeID, len(plan.Actions))
	for _, a := range plan.Actions {
		devices[a.Path] = a.Device
	}
	idOf := func(p string) (checksum.EntryID, bool) {
		data, err := ws.tree.Read(p)
		if err != nil {
			s.logger.Warn("read merged file failed",
				slog.String("directory", name),
				slog.String("path", p),
				slog.String("error", err.Error()))
			return checksum.EntryID{}, false
		}
		return checksum.Of(data), true
	}

	for _, p := range res.Added {
		if !isChunkFile(p) {
			continue
		}
		if id, ok := idOf(p); ok {
			s.bus.Emit(EntryPulled{Directory: name, Path: p, ID: id, Device: devices[p]})
			s.bus.Emit(EntryCreatedOrPulled{Directory: name, Path: p, ID: id})
		}
	}
	for _, p := range res.Updated {
		if !isChunkFile(p) {
			continue
		}
		if id, ok := idOf(p); ok {
			s.bus.Emit(EntryUpdated{Directory: name, Path: p, ID: id})
		}
	}
	for _, p := range res.Deleted {
		if isChunkFile(p) {
			s.bus.Emit(EntryRemoved{Directory: name, Path: p})
		}
	}
}

func isChunkFile(p string) bool {
	if p == directory.MetaFile || chunk.IsDeleted(p) {
		return false
	}
	_, ok := chunk.DetectFromPath(p)
	return ok
}

// newest returns the latest version time among written files, so the merge
// commit does not postdate what it brings in. fallback is used for merges
// that only delete.
func newest(plan merge.Plan, fallback time.Time) time.Time {
	var t time.Time
	for _, a := range plan.Actions {
		if a.Kind != merge.ActionDelete && a.Version.ModTime.After(t) {
			t = a.Version.ModTime
		}
	}
	if t.IsZero() {
		return fallback
	}
	return t
}
