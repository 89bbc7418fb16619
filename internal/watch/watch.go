// SPDX-License-Identifier: MIT

// Package watch keeps a bundle continuously rebuilt: it watches the manifest
// and config files and triggers a rebuild on change, debounced so editor
// write-rename dances produce a single build.
package watch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkgsmith/agentpack/internal/log"
	"github.com/rs/zerolog"
)

// DefaultDebounce batches the event bursts editors and atomic writers emit.
const DefaultDebounce = 500 * time.Millisecond

// Rebuilder runs one build. Errors are logged, not fatal: the watcher keeps
// running and the next change gets another attempt.
type Rebuilder func(ctx context.Context) error

// Watcher triggers rebuilds on file changes and SIGHUP.
type Watcher struct {
	paths    []string
	debounce time.Duration
	rebuild  Rebuilder
}

// New creates a watcher over the given files.
func New(rebuild Rebuilder, paths ...string) *Watcher {
	return &Watcher{paths: paths, debounce: DefaultDebounce, rebuild: rebuild}
}

// WithDebounce overrides the debounce window. Used by tests.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Run builds once, then blocks rebuilding on changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.WithComponent("watch")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	// Watch parent directories: atomic writers replace the file inode, and a
	// watch on the old inode goes quiet after the first change.
	watched := make(map[string]struct{})
	files := make(map[string]struct{})
	for _, p := range w.paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve watch path %s: %w", p, err)
		}
		files[abs] = struct{}{}
		dir := filepath.Dir(abs)
		if _, ok := watched[dir]; ok {
			continue
		}
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		watched[dir] = struct{}{}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	w.runBuild(ctx, logger, "startup")

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if _, relevant := files[filepath.Clean(ev.Name)]; !relevant {
				continue
			}
			if !ev.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove) {
				continue
			}
			logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("change detected")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.runBuild(ctx, logger, "change")

		case <-hup:
			logger.Info().Msg("SIGHUP received, forcing rebuild")
			w.runBuild(ctx, logger, "sighup")

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) runBuild(ctx context.Context, logger zerolog.Logger, trigger string) {
	if ctx.Err() != nil {
		return
	}
	if err := w.rebuild(ctx); err != nil {
		logger.Error().Err(err).Str("trigger", trigger).Msg("rebuild failed")
		return
	}
	logger.Info().Str("trigger", trigger).Msg("rebuild complete")
}
