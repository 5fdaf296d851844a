package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/capman/pkg/model"
)

// Source loads scaling-group policies, typically from a setup file.
type Source func(ctx context.Context) ([]model.ScalingPolicy, error)

// Watcher reloads a Memory repository when its setup file changes.
type Watcher struct {
	repo     *Memory
	path     string
	source   Source
	debounce time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	reloads  int
	lastErr  error
	onReload func(ReplaceResult, error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook registers a function called after every reload attempt.
func WithReloadHook(fn func(ReplaceResult, error)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher creates a watcher for path feeding repo from source.
func NewWatcher(repo *Memory, path string, source Source, logger zerolog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		repo:     repo,
		path:     path,
		source:   source,
		debounce: 500 * time.Millisecond,
		logger:   logger.With().Str("component", "repository-watcher").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the directory of the setup file until ctx is done. Editors
// often replace files instead of writing them in place, so the parent
// directory is watched and events are filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Info().Str("path", w.path).Msg("Watching setup file for scaling group changes")

	target := filepath.Clean(w.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Setup file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { w.Reload(ctx) })

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Reload loads the source once and applies it to the repository.
func (w *Watcher) Reload(ctx context.Context) {
	policies, err := w.source(ctx)
	var res ReplaceResult
	if err == nil {
		res, err = w.repo.Replace(policies)
	}

	w.mu.Lock()
	w.reloads++
	w.lastErr = err
	hook := w.onReload
	w.mu.Unlock()

	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload scaling groups")
	} else {
		w.logger.Info().
			Strs("added", res.Added).
			Strs("updated", res.Updated).
			Strs("removed", res.Removed).
			Msg("Scaling groups reloaded")
	}
	if hook != nil {
		hook(res, err)
	}
}

// Reloads returns the number of reload attempts and the last error.
func (w *Watcher) Reloads() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.lastErr
}
