package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Reloader watches a config file and hands every valid new version of its
// audit knobs to a callback. Invalid edits are logged and ignored.
type Reloader struct {
	watcher  *fsnotify.Watcher
	path     string
	apply    func(AuditKnobs)
	debounce time.Duration
	logger   zerolog.Logger
}

// NewReloader watches path. apply runs on the reloader's goroutine.
func NewReloader(path string, apply func(AuditKnobs)) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Reloader{
		watcher:  watcher,
		path:     path,
		apply:    apply,
		debounce: 500 * time.Millisecond,
		logger:   zerolog.Nop(),
	}, nil
}

func (r *Reloader) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

// SetDebounce sets how long the file must be quiet before it is reloaded.
func (r *Reloader) SetDebounce(d time.Duration) {
	r.debounce = d
}

// Run blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.debounce, r.reload)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Str("path", r.path).Msg("config watcher error")
		}
	}
}

func (r *Reloader) reload() {
	cfg, err := Load(r.path)
	if err != nil {
		r.logger.Error().Err(err).Str("path", r.path).Msg("config reload rejected")
		return
	}
	r.apply(cfg.Audit)
	r.logger.Info().Str("path", r.path).Msg("config reloaded")
}
