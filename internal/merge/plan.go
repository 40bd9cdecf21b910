// Package merge reconciles a local working tree with the replicas of paired
// devices. Replicas share no history, so reconciliation is per file: the
// newest version wins and equal timestamps fall back to the greater content
// hash.
package merge

import (
	"bytes"
	"sort"
	"strings"
	"time"

	"github.com/starford/pkb/internal/models"
)

// DeletedSuffix marks a soft-deleted file.
const DeletedSuffix = ".deleted"

// ActionKind is what happens to a local path.
type ActionKind string

const (
	ActionAdd    ActionKind = "add"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// Resolution explains why a local file was replaced or removed.
type Resolution string

const (
	// RemoteWins: the remote version is strictly newer.
	RemoteWins Resolution = "remote_wins"
	// DeviceWins: equal timestamps, the remote content hash is greater.
	DeviceWins Resolution = "device_wins"
	// RemoteDeleted: a remote tombstone is not older than the local file.
	RemoteDeleted Resolution = "remote_deleted"
)

// Action is one planned change to the local tree.
type Action struct {
	Kind       ActionKind         `json:"kind"`
	Path       string             `json:"path"`
	Device     models.NodeID      `json:"device"`
	Version    models.FileVersion `json:"version"`
	Resolution Resolution         `json:"resolution,omitempty"`
}

// Conflict is an auto-resolved divergence.
type Conflict struct {
	Path       string        `json:"path"`
	Resolution Resolution    `json:"resolution"`
	Device     models.NodeID `json:"device"`
}

// Plan is the outcome of comparing local state with every remote.
type Plan struct {
	Actions   []Action
	Conflicts []Conflict
	// Pushed lists local paths no remote has yet.
	Pushed []string
	// Remotes lists every remote that took part, sorted.
	Remotes []models.NodeID
}

type candidate struct {
	device  models.NodeID
	version models.FileVersion
}

// newer reports whether a beats b: later timestamp, then greater hash, then
// smaller device id. Every device evaluates this identically.
func (a candidate) newer(b candidate) bool {
	if c := compareTime(a.version.ModTime, b.version.ModTime); c != 0 {
		return c > 0
	}
	if a.version.Hash != b.version.Hash {
		return a.version.Hash > b.version.Hash
	}
	return bytes.Compare(a.device[:], b.device[:]) < 0
}

// compareTime compares at whole-second precision; git records no more.
func compareTime(a, b time.Time) int {
	as, bs := a.Unix(), b.Unix()
	switch {
	case as > bs:
		return 1
	case as < bs:
		return -1
	}
	return 0
}

// Compute plans the merge of remotes into local. Both maps are keyed by
// slash-separated path.
func Compute(local map[string]models.FileVersion, remotes map[models.NodeID]map[string]models.FileVersion) Plan {
	var plan Plan
	for d := range remotes {
		plan.Remotes = append(plan.Remotes, d)
	}
	sort.Slice(plan.Remotes, func(i, j int) bool {
		return bytes.Compare(plan.Remotes[i][:], plan.Remotes[j][:]) < 0
	})

	best := make(map[string]candidate)
	for _, d := range plan.Remotes {
		for p, v := range remotes[d] {
			c := candidate{device: d, version: v}
			if cur, ok := best[p]; !ok || c.newer(cur) {
				best[p] = c
			}
		}
	}

	paths := make([]string, 0, len(best))
	for p := range best {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	updated := make(map[string]bool)
	for _, p := range paths {
		win := best[p]
		lv, ok := local[p]
		if !ok {
			if tomb, ok := newestTomb(p, local, best); ok && compareTime(tomb.ModTime, win.version.ModTime) >= 0 {
				continue
			}
			plan.Actions = append(plan.Actions, Action{Kind: ActionAdd, Path: p, Device: win.device, Version: win.version})
			continue
		}
		if lv.Hash == win.version.Hash {
			continue
		}
		var res Resolution
		switch c := compareTime(win.version.ModTime, lv.ModTime); {
		case c > 0:
			res = RemoteWins
		case c == 0 && win.version.Hash > lv.Hash:
			res = DeviceWins
		default:
			continue
		}
		updated[p] = true
		plan.Actions = append(plan.Actions, Action{Kind: ActionUpdate, Path: p, Device: win.device, Version: win.version, Resolution: res})
		plan.Conflicts = append(plan.Conflicts, Conflict{Path: p, Resolution: res, Device: win.device})
	}

	localPaths := make([]string, 0, len(local))
	for p := range local {
		localPaths = append(localPaths, p)
	}
	sort.Strings(localPaths)
	for _, p := range localPaths {
		if _, ok := best[p]; !ok {
			plan.Pushed = append(plan.Pushed, p)
		}
		if strings.HasSuffix(p, DeletedSuffix) || updated[p] {
			continue
		}
		tomb, ok := best[p+DeletedSuffix]
		if !ok || compareTime(tomb.version.ModTime, local[p].ModTime) < 0 {
			continue
		}
		if live, ok := best[p]; ok && compareTime(live.version.ModTime, tomb.version.ModTime) > 0 {
			continue
		}
		plan.Actions = append(plan.Actions, Action{Kind: ActionDelete, Path: p, Device: tomb.device, Version: local[p], Resolution: RemoteDeleted})
		plan.Conflicts = append(plan.Conflicts, Conflict{Path: p, Resolution: RemoteDeleted, Device: tomb.device})
	}
	return plan
}

// newestTomb returns the newest tombstone for p, local or remote.
func newestTomb(p string, local map[string]models.FileVersion, best map[string]candidate) (models.FileVersion, bool) {
	lt, lok := local[p+DeletedSuffix]
	rt, rok := best[p+DeletedSuffix]
	switch {
	case lok && rok:
		if compareTime(rt.version.ModTime, lt.ModTime) > 0 {
			return rt.version, true
		}
		return lt, true
	case lok:
		return lt, true
	case rok:
		return rt.version, true
	}
	return models.FileVersion{}, false
}
