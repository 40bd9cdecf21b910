// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/pkb/internal/api"
	"github.com/starford/pkb/internal/bus"
	"github.com/starford/pkb/internal/directory"
	"github.com/starford/pkb/internal/identity"
	"github.com/starford/pkb/internal/mcpserver"
	"github.com/starford/pkb/internal/node"
	"github.com/starford/pkb/internal/pairing"
	"github.com/starford/pkb/internal/pkb"
	"github.com/starford/pkb/internal/scheduler"
	"github.com/starford/pkb/internal/sse"
	"github.com/starford/pkb/internal/stream"
	"github.com/starford/pkb/internal/watch"
)

const (
	pairingSweep    = time.Minute
	shutdownTimeout = 10 * time.Second
)

func setup(opts []Option) (*Config, *slog.Logger, error) {
	app := &application{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: app.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return app.config, logger, nil
}

// components is one wired PKB instance.
type components struct {
	store   *directory.Store
	device  *identity.Device
	policy  *node.Store
	bus     *bus.Bus
	devices *pairing.Manager
	pairing *pairing.Coordinator
	svc     *pkb.Service
	stream  *stream.Stream
}

func (c *components) Close() {
	c.stream.Close()
	c.bus.Close()
	if err := c.policy.Close(); err != nil {
		slog.Warn("close policy store", slog.String("error", err.Error()))
	}
}

func build(ctx context.Context, cfg *Config, logger *slog.Logger) (*components, error) {
	store, err := directory.OpenOrCreate(cfg.PKB.Root)
	if err != nil {
		return nil, fmt.Errorf("open pkb: %w", err)
	}
	dev, err := identity.LoadOrCreate(cfg.KeyPath(), cfg.Device.Alias)
	if err != nil {
		return nil, fmt.Errorf("load device key: %w", err)
	}
	policy, err := openPolicy(cfg, dev)
	if err != nil {
		return nil, err
	}

	var n node.Node = policy
	if cfg.Node.URL != "" {
		live, err := node.Dial(ctx, cfg.Node.URL, nil)
		switch {
		case err != nil:
			logger.Warn("live node unreachable, using local policy store",
				slog.String("url", cfg.Node.URL),
				slog.String("error", err.Error()))
		case live.LocalID() != dev.ID():
			logger.Warn("live node runs a different identity, using local policy store",
				slog.String("node", live.LocalID().Short()),
				slog.String("device", dev.ID().Short()))
		default:
			n = node.NewFallback(live, policy, logger)
		}
	}

	b := bus.New()
	devices := pairing.NewManager(n, store.Registry(), logger)
	svc := pkb.New(store, n, devices, b,
		pkb.WithLogger(logger),
		pkb.WithRemoteTemplate(cfg.Node.RemoteTemplate),
	)
	st := stream.New(svc, b, dev.ID(), stream.WithLogger(logger))

	logger.Info("PKB opened",
		slog.String("root", store.Root()),
		slog.String("nid", dev.ID().String()),
		slog.String("identity", dev.Emoji()),
		slog.Int("directories", len(svc.ListDirectories())))

	return &components{
		store:   store,
		device:  dev,
		policy:  policy,
		bus:     b,
		devices: devices,
		pairing: pairing.NewCoordinator(devices, logger),
		svc:     svc,
		stream:  st,
	}, nil
}

// background starts the work every mode shares: the pairing sweeper, the
// working-tree watcher and, if enabled, periodic sync.
func (c *components) background(ctx context.Context, g *errgroup.Group, cfg *Config, logger *slog.Logger) {
	g.Go(func() error {
		c.pairing.Run(ctx, pairingSweep)
		return nil
	})
	g.Go(func() error {
		return watch.Watch(ctx, filepath.Join(c.store.Root(), directory.DirectoriesDir), c.svc, watch.DefaultDebounce, logger)
	})
	if cfg.Sync.Enabled {
		syncer := scheduler.New(c.svc, cfg.Sync.Interval, logger)
		g.Go(func() error {
			return syncer.Run(ctx, c.directoryNames)
		})
	}
}

func (c *components) directoryNames() []string {
	dirs := c.svc.ListDirectories()
	names := make([]string, len(dirs))
	for i, d := range dirs {
		names[i] = d.Name
	}
	return names
}

// Run starts the HTTP application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("pkb_root", cfg.PKB.Root),
		slog.Bool("sync_enabled", cfg.Sync.Enabled),
		slog.Duration("sync_interval", cfg.Sync.Interval),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	apiRouter := api.NewRouter(api.Deps{
		Local:       c.device.ID(),
		Directories: c.svc,
		Stream:      c.stream,
		Devices:     c.devices,
		Pairing:     c.pairing,
	}, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(ctx)
	c.background(gCtx, g, cfg, logger)

	g.Go(func() error {
		return broker.Forward(gCtx, c.bus, logger)
	})

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down server...")
		return shutdown(httpServer, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools over stdio until stdin closes or ctx ends.
func RunMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(ctx)
	c.background(gCtx, g, cfg, logger)

	srv := mcpserver.New(c.svc, c.stream)
	serveErr := srv.ServeStdio()
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	return serveErr
}

// RunNode serves the local policy store as a node control API, so that
// other processes on this machine can share it.
func RunNode(ctx context.Context, opts ...Option) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := identity.LoadOrCreate(cfg.KeyPath(), cfg.Device.Alias)
	if err != nil {
		return fmt.Errorf("load device key: %w", err)
	}
	policy, err := openPolicy(cfg, dev)
	if err != nil {
		return err
	}
	defer policy.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Mount("/", node.NewHandler(policy, logger))

	httpServer := &http.Server{
		Addr:    cfg.Node.HTTP.Address(),
		Handler: r,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting node control API",
			slog.String("address", cfg.Node.HTTP.Address()),
			slog.String("nid", dev.ID().String()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("node server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		return shutdown(httpServer, logger)
	})
	return g.Wait()
}

func openPolicy(cfg *Config, dev *identity.Device) (*node.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.PolicyDB()), 0o755); err != nil {
		return nil, fmt.Errorf("create policy dir: %w", err)
	}
	policy, err := node.Open(cfg.PolicyDB(), dev.ID(), node.WithSigner(dev))
	if err != nil {
		return nil, fmt.Errorf("open policy store: %w", err)
	}
	return policy, nil
}

func shutdown(srv *http.Server, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}
	return nil
}
