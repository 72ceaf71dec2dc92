package definition

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of editor writes into one notification.
const DefaultDebounce = 200 * time.Millisecond

// Watcher notifies when the definitions file changes on disk.
// The parent directory is watched so that atomic replace-by-rename editors are seen.
type Watcher struct {
	file     string
	debounce time.Duration
	logger   *slog.Logger
	w        *fsnotify.Watcher
	events   chan struct{}
}

// NewWatcher starts watching file. Call Run to begin delivering events.
func NewWatcher(file string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		file:     abs,
		debounce: debounce,
		logger:   logger,
		w:        fw,
		events:   make(chan struct{}, 1),
	}, nil
}

// Events delivers one value per debounced change. Never closed before Run returns.
func (w *Watcher) Events() <-chan struct{} { return w.events }

// Run processes filesystem events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.w.Close() }()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.logger.Warn("services file watch error", "error", err)
		case <-fire:
			fire = nil
			// non-blocking: one pending notification is enough
			select {
			case w.events <- struct{}{}:
			default:
			}
		}
	}
}
