// ABOUTME: Manager holds the live tool configuration and watches the file for changes.
// ABOUTME: Reloads are debounced and pushed synchronously to registered observers.

package mcp

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the burst of filesystem events an editor save emits.
const debounceDelay = 500 * time.Millisecond

// Observer is notified after the tool configuration has been reloaded.
type Observer interface {
	ToolConfigChanged(cfg *Config)
}

// Manager owns the current tool configuration for the process.
type Manager struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	cfg       *Config
	observers []Observer
}

// NewManager loads the config file and returns a manager for it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		path:   path,
		logger: logger.With("component", "mcp"),
		cfg:    cfg,
	}
	m.logger.Info("tool configuration loaded", "path", path, "servers", len(cfg.Servers))
	return m, nil
}

// Current returns the live configuration.
func (m *Manager) Current() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Register adds an observer for configuration changes.
func (m *Manager) Register(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Deregister removes a previously registered observer.
func (m *Manager) Deregister(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, obs := range m.observers {
		if obs == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

// Reload re-reads the config file and notifies observers. A file that fails
// to parse leaves the previous configuration in place.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	m.logger.Info("tool configuration reloaded", "servers", len(cfg.Servers))
	for _, o := range observers {
		o.ToolConfigChanged(cfg)
	}
	return nil
}

// Watch monitors the config file until the context ends. The parent directory
// is watched so the file can be created, replaced or deleted while running.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	m.logger.Info("watching tool configuration", "path", m.path)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				timerC = timer.C
			} else {
				timer.Reset(debounceDelay)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := m.Reload(); err != nil {
				m.logger.Error("tool configuration reload failed", "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("tool configuration watcher error", "error", err)
		}
	}
}
