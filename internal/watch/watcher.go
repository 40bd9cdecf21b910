// Package watch commits edits made to directory working trees outside the
// application, such as a text editor saving a note.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/storage"
)

// DefaultDebounce is how long a path must stay quiet before it is committed.
const DefaultDebounce = 200 * time.Millisecond

// Committer records the current state of one file in its directory.
type Committer interface {
	CommitExternal(ctx context.Context, name, relPath string) error
}

// Watch observes every working tree under root (the instance's directories
// folder) until ctx is cancelled. Changed paths are collected and handed to
// c once no event arrived for debounce. Directories created later, including
// new working trees, are watched as they appear.
func Watch(ctx context.Context, root string, c Committer, debounce time.Duration, logger *slog.Logger) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return apperr.Filesystem(err)
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return apperr.Filesystem(err)
	}
	logger.Info("watcher: started", slog.String("root", root))

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time
	schedule := func(abs string) {
		pending[abs] = struct{}{}
		if timer == nil {
			timer = time.NewTimer(debounce)
			timerC = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-timerC:
			flush(ctx, root, pending, c, logger)
			pending = make(map[string]struct{})

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			abs := ev.Name
			if skip(root, abs) {
				continue
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(abs); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, abs); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", abs),
							slog.String("error", addErr.Error()))
					}
					// Files may already be inside by the time we watch it.
					for _, f := range filesUnder(abs) {
						schedule(f)
					}
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule(abs)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// flush commits every pending path in a stable order.
func flush(ctx context.Context, root string, pending map[string]struct{}, c Committer, logger *slog.Logger) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, abs := range paths {
		name, rel, ok := Split(root, abs)
		if !ok {
			continue
		}
		err := c.CommitExternal(ctx, name, rel)
		switch {
		case err == nil:
			logger.Debug("watcher: committed", slog.String("directory", name), slog.String("path", rel))
		case errors.Is(err, apperr.ErrNotFound):
			// A working tree that is not registered (yet).
			logger.Debug("watcher: unknown directory", slog.String("directory", name))
		default:
			logger.Warn("watcher: commit failed",
				slog.String("directory", name),
				slog.String("path", rel),
				slog.String("error", err.Error()))
		}
	}
}

// Split maps an absolute path under root to its directory name and the
// slash-separated path inside that directory. Paths that are not files inside
// a working tree, or that live under .git, report false.
func Split(root, abs string) (name, rel string, ok bool) {
	r, err := filepath.Rel(root, abs)
	if err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", "", false
	}
	name, rel, found := strings.Cut(filepath.ToSlash(r), "/")
	if !found || name == "" || rel == "" || storage.IsInternal(rel) {
		return "", "", false
	}
	return name, rel, true
}

func skip(root, abs string) bool {
	r, err := filepath.Rel(root, abs)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(r), "/") {
		if part == ".git" {
			return true
		}
	}
	return strings.HasPrefix(filepath.Base(abs), storage.TempPrefix)
}

func filesUnder(dir string) []string {
	var out []string
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, p)
		return nil
	})
	return out
}

// addDirsRecursive adds root and all its subdirectories, except git
// internals, to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
