package config

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a filesystem change observed by Watcher.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher observes the Sentinel cooldown-file directory (<REEVE_HOME>/sentinel/)
// for changes made outside the running process, e.g. an operator clearing a
// cooldown touch file by hand, or another process populating one. It exists
// for operational visibility only: no SPEC_FULL.md component's correctness
// depends on events it emits.
type Watcher struct {
	dir    string
	logger *slog.Logger
	events chan ReloadEvent
}

// NewWatcher builds a Watcher over the given sentinel state directory.
// logger may be nil.
func NewWatcher(dir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:    dir,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

// Events returns the channel of observed changes.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching dir in the background until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("sentinel state changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("sentinel watcher error", "error", err)
			}
		}
	}()
	return nil
}
