package config

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// ReloadFunc receives every successfully reloaded configuration.
type ReloadFunc func(ctx context.Context, cfg *Config)

// Watcher reloads the configuration file when it changes on disk. Invalid
// edits are logged and the previous configuration stays in effect.
type Watcher struct {
	loader *FileLoader
	onLoad ReloadFunc
	logger *logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	stopped bool
}

// NewWatcher creates a watcher for loader's file.
func NewWatcher(loader *FileLoader, onLoad ReloadFunc, log *logger.Logger) *Watcher {
	return &Watcher{
		loader: loader,
		onLoad: onLoad,
		logger: log.With("component", "config_watcher", "path", loader.Path()),
	}
}

// Run watches until ctx is done. It returns immediately when the loader has
// no file.
func (w *Watcher) Run(ctx context.Context) error {
	if w.loader.Path() == "" {
		return nil
	}

	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	v := viper.New()
	v.SetConfigFile(w.loader.Path())
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) { w.Reload(e.Name) })
	v.WatchConfig()
	w.logger.Info(ctx, "Watching configuration file")

	<-ctx.Done()
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	return nil
}

// Reload loads the file and hands the result to the callback.
func (w *Watcher) Reload(trigger string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.ctx == nil {
		return
	}
	ctx := w.ctx

	cfg, err := w.loader.Load(ctx)
	if err != nil {
		w.logger.Error(ctx, "Configuration reload rejected", "trigger", trigger, "err", err)
		return
	}
	w.logger.Info(ctx, "Configuration reloaded", "trigger", trigger,
		"scanners", len(cfg.Scanners), "checks", len(cfg.Checks))
	w.onLoad(ctx, cfg)
}
