package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives every new, validated config. It runs on the watcher
// goroutine.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes. fsnotify gives fast
// notification for editors and atomic renames; a content-hash poll catches
// Kubernetes ConfigMap symlink swaps that inotify misses.
type Watcher struct {
	path         string
	dir          string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a config file watcher. Nothing is watched until Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Start blocks until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// The directory watch survives the file being replaced by rename.
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	_ = fw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	lastHash := hashFile(w.path)

	var debounce *time.Timer
	var debounceC <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) && filepath.Base(ev.Name) != "..data" {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = fw.Add(w.path)
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			lastHash = hashFile(w.path)
			w.reload()

		case <-poll.C:
			if h := hashFile(w.path); h != lastHash {
				lastHash = h
				w.logger.Debug("config change detected via polling", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

// reload loads and validates the file. On failure the running config is
// kept and the error logged.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(newCfg)
}

// Stop terminates a running Start. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// hashFile returns the SHA-256 of the file content, or "" if unreadable.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}
