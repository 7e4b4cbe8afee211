package toolexecutor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ConfigWatcher reloads a Manager when its config file changes on disk.
// Turns read the catalog once at start, so a reload mid-turn is not observed
// by that turn.
type ConfigWatcher struct {
	watcher  *fsnotify.Watcher
	manager  *Manager
	path     string
	debounce time.Duration
	logger   zerolog.Logger

	// OnReload, if set, is called after each reload attempt.
	OnReload func(err error)

	timerMu  sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

// NewConfigWatcher creates a watcher for the manager's config file.
func NewConfigWatcher(manager *Manager, logger zerolog.Logger) (*ConfigWatcher, error) {
	if manager.ConfigPath() == "" {
		return nil, fmt.Errorf("manager has no config path to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &ConfigWatcher{
		watcher:  watcher,
		manager:  manager,
		path:     filepath.Clean(manager.ConfigPath()),
		debounce: 100 * time.Millisecond,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched so that editors
// replacing the file by rename are seen.
func (w *ConfigWatcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("MCP config watcher started")
	return nil
}

// Stop stops the watcher
func (w *ConfigWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *ConfigWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule debounces bursts of events from a single save.
func (w *ConfigWatcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *ConfigWatcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	err := w.manager.Reload()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to reload MCP config")
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
