package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
)

const reloadDebounce = 500 * time.Millisecond

// ConfigWatcher reloads the config file when it changes and hands the new
// value to the registered callbacks. An invalid file keeps the previous
// config.
type ConfigWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  pslog.Logger

	mu       sync.RWMutex
	config   *Config
	onReload []func(*Config)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConfigWatcher creates a watcher for path. current is the config
// loaded at startup.
func NewConfigWatcher(path string, current *Config, logger pslog.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	return &ConfigWatcher{
		path:    path,
		watcher: watcher,
		logger:  logger.With("component", "config_watcher"),
		config:  current,
	}, nil
}

// Start begins watching. The containing directory is watched so that
// editors which replace the file by rename are picked up.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.ctx, cw.cancel = context.WithCancel(ctx)

	dir := filepath.Dir(cw.path)
	if err := cw.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	cw.logger.Info("watching config", "path", cw.path)

	cw.wg.Add(1)
	go func() {
		defer cw.wg.Done()
		cw.watchLoop()
	}()
	return nil
}

// Stop shuts the watcher down and waits for a pending reload.
func (cw *ConfigWatcher) Stop() error {
	if cw.cancel != nil {
		cw.cancel()
	}
	err := cw.watcher.Close()
	cw.wg.Wait()
	return err
}

// OnReload registers a callback invoked after every successful reload.
func (cw *ConfigWatcher) OnReload(callback func(*Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.onReload = append(cw.onReload, callback)
}

// Config returns the most recently loaded config.
func (cw *ConfigWatcher) Config() *Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

func (cw *ConfigWatcher) watchLoop() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-cw.ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			cw.logger.Debug("config file changed", "op", event.Op.String())
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, cw.reload)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("config watcher error", "err", err)
		}
	}
}

func (cw *ConfigWatcher) reload() {
	if cw.ctx.Err() != nil {
		return
	}

	cfg, err := LoadConfig(cw.path)
	if err != nil {
		cw.logger.Warn("config reload failed, keeping previous config", "path", cw.path, "err", err)
		return
	}

	cw.mu.Lock()
	cw.config = cfg
	callbacks := make([]func(*Config), len(cw.onReload))
	copy(callbacks, cw.onReload)
	cw.mu.Unlock()

	cw.logger.Info("config reloaded", "path", cw.path)
	for _, callback := range callbacks {
		callback(cfg)
	}
}
