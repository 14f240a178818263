package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration file whenever it changes and hands the
// new configuration to OnChange. Invalid files are logged and skipped.
type Watcher struct {
	loader   *Loader
	log      zerolog.Logger
	current  *Config
	debounce time.Duration
	onChange func(prev, next *Config)
}

// NewWatcher watches the loader's file. current is the configuration in use.
func NewWatcher(loader *Loader, current *Config, logger zerolog.Logger, onChange func(prev, next *Config)) (*Watcher, error) {
	if loader.Path() == "" {
		return nil, fmt.Errorf("no config file to watch")
	}
	return &Watcher{
		loader:   loader,
		log:      logger.With().Str("component", "config").Str("file", loader.Path()).Logger(),
		current:  current,
		debounce: 200 * time.Millisecond,
		onChange: onChange,
	}, nil
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that editors replacing the file are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.loader.Path())
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.log.Debug().Str("op", event.Op.String()).Msg("config file event")
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := w.loader.Load()
	if err != nil {
		w.log.Warn().Err(err).Msg("config reload failed, keeping current settings")
		return
	}
	prev := w.current
	w.current = next
	w.log.Info().Int("concurrency", next.Concurrency).Msg("config reloaded")
	if w.onChange != nil {
		w.onChange(prev, next)
	}
}
