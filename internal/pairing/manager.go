// Package pairing tracks the owner's other devices and which directories
// each of them may replicate.
package pairing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/directory"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/node"
)

// PairedDevice is one of the owner's devices.
type PairedDevice struct {
	NID         models.NodeID   `json:"nid"`
	Alias       string          `json:"alias,omitempty"`
	PairedAt    *time.Time      `json:"paired_at,omitempty"`
	Repos       []models.RepoID `json:"repos"`
	Directories []string        `json:"directories"`
}

// Manager pairs devices and delegates directories to them. Mutations are
// serialized; queries may run concurrently.
type Manager struct {
	mu       sync.RWMutex
	node     node.Node
	registry *directory.Registry
	logger   *slog.Logger
}

// NewManager returns a Manager backed by n. Directory names resolve through
// reg.
func NewManager(n node.Node, reg *directory.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{node: n, registry: reg, logger: logger}
}

// Pair follows nid. Pairing an already paired device updates its alias.
func (m *Manager) Pair(ctx context.Context, nid models.NodeID, alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.node.Follow(ctx, nid, alias); err != nil {
		return fmt.Errorf("pair %s: %w", nid.Short(), err)
	}
	m.logger.Info("device paired", slog.String("nid", nid.Short()), slog.String("alias", alias))
	return nil
}

// Unpair revokes every delegation held by nid and then stops following it.
// Revocation is best effort: failures are logged and unpairing proceeds.
func (m *Manager) Unpair(ctx context.Context, nid models.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	paired, err := m.isPairedLocked(ctx, nid)
	if err != nil {
		return err
	}
	if !paired {
		return fmt.Errorf("unpair %s: %w", nid.Short(), apperr.ErrNotPaired)
	}

	repos, err := m.delegatedLocked(ctx, nid)
	if err != nil {
		return err
	}
	res := apperr.ForEach(repos, func(rid models.RepoID) error {
		_, err := m.node.UpdateDelegates(ctx, rid, nil, []models.NodeID{nid})
		return err
	})
	for _, f := range res.Failed {
		m.logger.Warn("revoke during unpair failed",
			slog.String("nid", nid.Short()),
			slog.String("rid", f.Item.String()),
			slog.String("error", f.Err.Error()))
	}

	if _, err := m.node.Unfollow(ctx, nid); err != nil {
		return fmt.Errorf("unpair %s: %w", nid.Short(), err)
	}
	m.logger.Info("device unpaired",
		slog.String("nid", nid.Short()),
		slog.Int("revoked", len(res.Succeeded)))
	return nil
}

// List returns every followed, non-blocked device with its delegations.
func (m *Manager) List(ctx context.Context) ([]PairedDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	policies, err := m.node.FollowPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	docs, err := m.node.Repositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	names := m.namesByRID()

	out := make([]PairedDevice, 0, len(policies))
	for _, p := range policies {
		if p.Blocked {
			continue
		}
		d := PairedDevice{NID: p.NID, Alias: p.Alias, Repos: []models.RepoID{}, Directories: []string{}}
		if !p.Since.IsZero() {
			since := p.Since
			d.PairedAt = &since
		}
		for _, doc := range docs {
			if !doc.IsDelegate(p.NID) {
				continue
			}
			d.Repos = append(d.Repos, doc.RID)
			if name, ok := names[doc.RID]; ok {
				d.Directories = append(d.Directories, name)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// Devices returns the node ids of every paired device.
func (m *Manager) Devices(ctx context.Context) ([]models.NodeID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devicesLocked(ctx)
}

func (m *Manager) devicesLocked(ctx context.Context) ([]models.NodeID, error) {
	policies, err := m.node.FollowPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("paired devices: %w", err)
	}
	var out []models.NodeID
	for _, p := range policies {
		if !p.Blocked {
			out = append(out, p.NID)
		}
	}
	return out, nil
}

// IsPaired reports whether nid is a paired device.
func (m *Manager) IsPaired(ctx context.Context, nid models.NodeID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isPairedLocked(ctx, nid)
}

func (m *Manager) isPairedLocked(ctx context.Context, nid models.NodeID) (bool, error) {
	devices, err := m.devicesLocked(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		if d == nid {
			return true, nil
		}
	}
	return false, nil
}

// GrantAccess delegates the directory name to nid. nid must be paired.
func (m *Manager) GrantAccess(ctx context.Context, nid models.NodeID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grantLocked(ctx, nid, name)
}

func (m *Manager) grantLocked(ctx context.Context, nid models.NodeID, name string) error {
	paired, err := m.isPairedLocked(ctx, nid)
	if err != nil {
		return err
	}
	if !paired {
		return fmt.Errorf("grant %s to %s: %w", name, nid.Short(), apperr.ErrNotPaired)
	}
	rid, err := m.resolve(name)
	if err != nil {
		return err
	}
	if _, err := m.node.UpdateDelegates(ctx, rid, []models.NodeID{nid}, nil); err != nil {
		return fmt.Errorf("grant %s to %s: %w", name, nid.Short(), err)
	}
	return nil
}

// RevokeAccess removes nid from the delegates of the directory name.
func (m *Manager) RevokeAccess(ctx context.Context, nid models.NodeID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rid, err := m.resolve(name)
	if err != nil {
		return err
	}
	if _, err := m.node.UpdateDelegates(ctx, rid, nil, []models.NodeID{nid}); err != nil {
		return fmt.Errorf("revoke %s from %s: %w", name, nid.Short(), err)
	}
	return nil
}

// DelegatedRepos scans every local identity document for nid.
func (m *Manager) DelegatedRepos(ctx context.Context, nid models.NodeID) ([]models.RepoID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.delegatedLocked(ctx, nid)
}

func (m *Manager) delegatedLocked(ctx context.Context, nid models.NodeID) ([]models.RepoID, error) {
	docs, err := m.node.Repositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("delegated repos: %w", err)
	}
	out := []models.RepoID{}
	for _, doc := range docs {
		if doc.IsDelegate(nid) {
			out = append(out, doc.RID)
		}
	}
	return out, nil
}

// HasAccess reports whether nid is a delegate of the directory name.
func (m *Manager) HasAccess(ctx context.Context, nid models.NodeID, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rid, err := m.resolve(name)
	if err != nil {
		return false, err
	}
	doc, err := m.node.Repository(ctx, rid)
	if err != nil {
		return false, fmt.Errorf("has access: %w", err)
	}
	return doc.IsDelegate(nid), nil
}

// SeedPKBForDevices seeds the directory name for followed peers and grants
// it to every paired device that lacks access. Grants are best effort.
func (m *Manager) SeedPKBForDevices(ctx context.Context, name string) (apperr.Outcomes[models.NodeID], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rid, err := m.resolve(name)
	if err != nil {
		return apperr.Outcomes[models.NodeID]{}, err
	}
	if err := m.node.Seed(ctx, rid, node.ScopeFollowed); err != nil {
		return apperr.Outcomes[models.NodeID]{}, fmt.Errorf("seed %s: %w", name, err)
	}
	devices, err := m.devicesLocked(ctx)
	if err != nil {
		return apperr.Outcomes[models.NodeID]{}, err
	}
	doc, err := m.node.Repository(ctx, rid)
	if err != nil {
		return apperr.Outcomes[models.NodeID]{}, fmt.Errorf("seed %s: %w", name, err)
	}
	var missing []models.NodeID
	for _, d := range devices {
		if !doc.IsDelegate(d) {
			missing = append(missing, d)
		}
	}
	res := apperr.ForEach(missing, func(nid models.NodeID) error {
		_, err := m.node.UpdateDelegates(ctx, rid, []models.NodeID{nid}, nil)
		return err
	})
	for _, f := range res.Failed {
		m.logger.Warn("grant during seed failed",
			slog.String("directory", name),
			slog.String("nid", f.Item.Short()),
			slog.String("error", f.Err.Error()))
	}
	return res, nil
}

func (m *Manager) resolve(name string) (models.RepoID, error) {
	e, ok := m.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("directory %q: %w", name, apperr.ErrNotFound)
	}
	return e.RID, nil
}

func (m *Manager) namesByRID() map[models.RepoID]string {
	out := make(map[models.RepoID]string)
	for _, e := range m.registry.List() {
		out[e.RID] = e.Name
	}
	return out
}
