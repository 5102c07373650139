package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Store holds the live configuration. Replace swaps the whole Config at once,
// so readers observe either the old or the new value, never a mix.
type Store struct {
	cur atomic.Pointer[Config]
}

// NewStore creates a Store holding cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.cur.Store(cfg)
	return s
}

// Current returns the active configuration. Callers must not mutate it.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Replace installs cfg as the active configuration.
func (s *Store) Replace(cfg *Config) {
	s.cur.Store(cfg)
}

// Watch reloads path whenever it is written and, if the new file parses and
// validates, installs it in the store and calls onChange. Invalid files are
// logged and ignored. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, store *Store, onChange func(*Config), log logr.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()

	// Watch the directory so editors that replace the file via rename are seen.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Error(err, "config reload rejected", "path", path)
				continue
			}
			// Secrets supplied outside the file survive a reload.
			if prev := store.Current(); prev != nil && cfg.Credentials.Password == "" {
				cfg.Credentials.Password = prev.Credentials.Password
			}
			store.Replace(cfg)
			log.Info("config reloaded", "path", path)
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "config watcher error")
		}
	}
}
