package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Runtime holds the live configuration snapshot and swaps in a new one
// when the file changes. Readers call Current at iteration start; a
// reload that fails validation keeps the old snapshot.
type Runtime struct {
	path string
	log  *slog.Logger

	mu  sync.RWMutex
	cfg *Config
}

// NewRuntime wraps an already-loaded config.
func NewRuntime(path string, cfg *Config, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{path: path, cfg: cfg, log: log}
}

// Current returns the latest valid snapshot.
func (r *Runtime) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Watch reloads the snapshot on file changes until ctx is cancelled.
// The parent directory is watched, not the file itself: editors and
// config managers typically replace the file by rename, which drops a
// watch placed on the old inode.
func (r *Runtime) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	base := filepath.Base(r.path)

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				// Writers often emit several events per save; coalesce.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, r.reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (r *Runtime) reload() {
	cfg, err := Load(r.path)
	if err != nil {
		r.log.Error("config reload rejected", "path", r.path, "error", err)
		return
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.log.Info("config reloaded", "path", r.path)
}
