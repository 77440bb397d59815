// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher reports changes to one notebook file.
//
// # Description
//
// Watches the file's directory rather than the file, because editors and
// nbformat writers replace the file by rename. Only events for the file's
// base name are reported. Debouncing is left to the Adapter.
//
// # Thread Safety
//
// Safe for concurrent use. onChange is called from a single goroutine.
type FileWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func()
	logger   *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatchFile starts watching path.
//
// # Inputs
//
//   - ctx: Watching stops when ctx is cancelled.
//   - path: The notebook file.
//   - onChange: Called after every write, create or rename of the file.
//   - logger: nil for slog.Default().
//
// # Outputs
//
//   - *FileWatcher: Running watcher. Call Stop when done.
//   - error: Non-nil if the directory cannot be watched.
func WatchFile(ctx context.Context, path string, onChange func(), logger *slog.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	fw := &FileWatcher{
		path:     abs,
		watcher:  w,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	fw.wg.Add(1)
	go fw.processEvents(ctx)
	return fw, nil
}

// Path returns the watched file.
func (w *FileWatcher) Path() string { return w.path }

// Stop stops watching and waits for the event goroutine to exit.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.onChange()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watch error", slog.String("path", w.path), slog.String("error", err.Error()))
		}
	}
}
