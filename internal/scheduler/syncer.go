// Package scheduler runs the periodic merge of every directory with the
// replicas of paired devices.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/starford/pkb/internal/merge"
)

// MinInterval is the shortest accepted sync interval.
const MinInterval = 10 * time.Second

// DirectorySyncer merges one directory.
type DirectorySyncer interface {
	SyncDirectory(ctx context.Context, name string) (merge.Result, error)
}

// Syncer owns one ticker task per directory. Cancelling a task takes effect
// at its next tick; a sync already in flight runs to completion.
type Syncer struct {
	svc    DirectorySyncer
	every  time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

type task struct {
	cancel context.CancelFunc
}

// New returns a Syncer that merges every interval.
func New(svc DirectorySyncer, every time.Duration, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if every <= 0 {
		every = MinInterval
	}
	return &Syncer{svc: svc, every: every, logger: logger, tasks: make(map[string]*task)}
}

// Start begins syncing name until ctx ends or Stop is called. It reports
// false when a task for name is already running.
func (s *Syncer) Start(ctx context.Context, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return false
	}
	taskCtx, cancel := context.WithCancel(ctx)
	tk := &task{cancel: cancel}
	s.tasks[name] = tk
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(name, tk)
		s.loop(taskCtx, name)
	}()
	s.logger.Debug("sync task started", slog.String("directory", name), slog.Duration("every", s.every))
	return true
}

// Stop cancels the task for name. It reports whether one was running.
func (s *Syncer) Stop(name string) bool {
	s.mu.Lock()
	tk, ok := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()
	if ok {
		tk.cancel()
	}
	return ok
}

// StopAll cancels every task and waits for them to return.
func (s *Syncer) StopAll() {
	s.mu.Lock()
	for name, tk := range s.tasks {
		tk.cancel()
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Running lists the directories with an active task, sorted.
func (s *Syncer) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run keeps one task per directory returned by list until ctx ends,
// re-reading the list every interval.
func (s *Syncer) Run(ctx context.Context, list func() []string) error {
	reconcile := func() {
		want := make(map[string]bool)
		for _, name := range list() {
			want[name] = true
			s.Start(ctx, name)
		}
		for _, name := range s.Running() {
			if !want[name] {
				s.Stop(name)
			}
		}
	}

	reconcile()
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.StopAll()
			return nil
		case <-t.C:
			reconcile()
		}
	}
}

func (s *Syncer) loop(ctx context.Context, name string) {
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := s.svc.SyncDirectory(ctx, name); err != nil {
			s.logger.Warn("periodic sync failed",
				slog.String("directory", name),
				slog.String("error", err.Error()))
		}
	}
}

// forget drops the bookkeeping of a task that ended on its own.
func (s *Syncer) forget(name string, tk *task) {
	tk.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[name] == tk {
		delete(s.tasks, name)
	}
}
