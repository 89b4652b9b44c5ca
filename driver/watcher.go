// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package driver

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/tailhook/verwalter/log"
)

// DebounceInterval coalesces bursts of filesystem events (an editor's
// write+rename, a git checkout touching many files) into one reload
// (spec §4.5).
const DebounceInterval = 200 * time.Millisecond

// Watcher emits a debounced signal whenever configDir changes.
type Watcher struct {
	fsw *fsnotify.Watcher
	log log.Logger
}

// NewWatcher starts watching configDir for changes.
func NewWatcher(configDir string, l log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(configDir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{fsw: fsw, log: l}, nil
}

// Run blocks, invoking onChange at most once per DebounceInterval
// while events keep arriving, until stop is closed.
func (w *Watcher) Run(stop <-chan struct{}, onChange func()) {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.log.Debug("config dir event", zap.String("event", ev.String()))
			if timer == nil {
				timer = time.NewTimer(DebounceInterval)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(DebounceInterval)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			onChange()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
