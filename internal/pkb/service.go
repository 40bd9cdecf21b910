// Package pkb is the orchestrator of a PKB instance: directories, chunk
// writes and merges with paired devices. Every change is reported on the
// event bus.
package pkb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/bus"
	"github.com/starford/pkb/internal/directory"
	"github.com/starford/pkb/internal/gitrepo"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/node"
	"github.com/starford/pkb/internal/pairing"
	"github.com/starford/pkb/internal/storage"
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRemoteTemplate sets where replicas of paired devices live. The
// placeholders {nid}, {rid} and {name} are substituted per device and
// directory. Without a template no remotes are configured.
func WithRemoteTemplate(tmpl string) Option {
	return func(s *Service) { s.remoteTemplate = tmpl }
}

// WithAuthor sets the commit author. The default derives it from the local
// node id.
func WithAuthor(a gitrepo.Author) Option {
	return func(s *Service) { s.author = a }
}

// Service owns every directory working tree of one PKB instance.
type Service struct {
	store   *directory.Store
	node    node.Node
	devices *pairing.Manager
	bus     *bus.Bus

	logger         *slog.Logger
	now            func() time.Time
	remoteTemplate string
	author         gitrepo.Author

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Service over store. Directory network identity goes through
// n and remotes are configured for the devices known to devices.
func New(store *directory.Store, n node.Node, devices *pairing.Manager, b *bus.Bus, opts ...Option) *Service {
	s := &Service{
		store:   store,
		node:    n,
		devices: devices,
		bus:     b,
		logger:  slog.Default(),
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.author.Name == "" {
		local := n.LocalID()
		s.author = gitrepo.Author{Name: local.Short(), Email: local.String() + "@pkb"}
	}
	return s
}

// LocalID returns this device's node id.
func (s *Service) LocalID() models.NodeID { return s.node.LocalID() }

// Bus returns the bus events are emitted on.
func (s *Service) Bus() *bus.Bus { return s.bus }

// lock serializes writes to the working tree of name.
func (s *Service) lock(name string) func() {
	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// workspace is an opened directory.
type workspace struct {
	entry directory.RegistryEntry
	repo  *gitrepo.Repo
	tree  *storage.FS
}

func (s *Service) open(name string) (*workspace, error) {
	entry, ok := s.store.Registry().Get(name)
	if !ok {
		return nil, fmt.Errorf("directory %q: %w", name, apperr.ErrNotFound)
	}
	path := s.store.DirectoryPath(name)
	repo, err := gitrepo.Open(path, s.author)
	if err != nil {
		return nil, err
	}
	tree, err := storage.NewFS(path)
	if err != nil {
		return nil, apperr.Filesystem(err)
	}
	return &workspace{entry: entry, repo: repo, tree: tree}, nil
}

// remoteURL expands the remote template for one device.
func (s *Service) remoteURL(nid models.NodeID, rid models.RepoID, name string) string {
	return strings.NewReplacer(
		"{nid}", nid.String(),
		"{rid}", rid.String(),
		"{name}", name,
	).Replace(s.remoteTemplate)
}

// ensureRemotes points one remote per paired device at its replica and
// drops remotes of devices that are no longer paired. It returns the paired
// set. Per-remote failures are logged and skipped.
func (s *Service) ensureRemotes(ctx context.Context, repo *gitrepo.Repo, rid models.RepoID, name string) (map[models.NodeID]bool, error) {
	paired := make(map[models.NodeID]bool)
	if s.devices == nil {
		return paired, nil
	}
	devices, err := s.devices.Devices(ctx)
	if err != nil {
		return nil, err
	}
	local := s.node.LocalID()
	for _, nid := range devices {
		if nid != local {
			paired[nid] = true
		}
	}

	if s.remoteTemplate != "" {
		res := apperr.ForEach(devices, func(nid models.NodeID) error {
			if !paired[nid] {
				return nil
			}
			return repo.SetRemote(nid.String(), s.remoteURL(nid, rid, name))
		})
		for _, f := range res.Failed {
			s.logger.Warn("configure remote failed",
				slog.String("directory", name),
				slog.String("nid", f.Item.Short()),
				slog.String("error", f.Err.Error()))
		}
	}

	remotes, err := repo.Remotes()
	if err != nil {
		return nil, err
	}
	for _, r := range remotes {
		nid, err := models.ParseNodeID(r.Name)
		if err != nil || paired[nid] {
			continue
		}
		if err := repo.RemoveRemote(r.Name); err != nil {
			s.logger.Warn("remove stale remote failed",
				slog.String("directory", name),
				slog.String("remote", r.Name),
				slog.String("error", err.Error()))
			continue
		}
		s.logger.Info("stale remote removed",
			slog.String("directory", name),
			slog.String("nid", nid.Short()))
	}
	return paired, nil
}

// announce tells the network about new local refs.
func (s *Service) announce(ctx context.Context, rid models.RepoID) error {
	if err := s.node.AnnounceRefs(ctx, rid); err != nil {
		return fmt.Errorf("announce %s: %w", rid, err)
	}
	return nil
}

func notFoundAsKind(err error, what string) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return apperr.Filesystem(err)
}
