// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package progress observes a translation output tree and reports artifact
// activity, for live status display while a translation run is in flight in
// another process.
package progress

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oxbowlabs/oxbow/pkg/logging"
)

// Event describes one artifact write in the output tree.
type Event struct {
	// Path is the written file, relative to the watched root when possible.
	Path string

	// Total is the number of .rs artifacts under the root after this event.
	Total int

	Time time.Time
}

// Watcher reports artifact writes under an output directory. New
// subdirectories are picked up as they appear, matching how the writer
// mirrors the source tree lazily.
type Watcher struct {
	root   string
	logger *logging.Logger
	fsw    *fsnotify.Watcher
}

// NewWatcher creates a watcher over root. The directory must exist.
func NewWatcher(root string, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.Default()
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{root: root, logger: logger, fsw: fsw}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run forwards artifact events to out until ctx is cancelled. The channel is
// closed on return.
func (w *Watcher) Run(ctx context.Context, out chan<- Event) error {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("watch new directory failed", "dir", ev.Name, "error", err)
					}
					continue
				}
			}
			if !isArtifact(ev.Name) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}

			rel := ev.Name
			if r, err := filepath.Rel(w.root, ev.Name); err == nil {
				rel = r
			}
			select {
			case out <- Event{Path: rel, Total: w.CountArtifacts(), Time: time.Now()}:
			case <-ctx.Done():
				return ctx.Err()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// CountArtifacts counts .rs files currently under the root.
func (w *Watcher) CountArtifacts() int {
	count := 0
	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && isArtifact(path) {
			count++
		}
		return nil
	})
	return count
}

// addTree registers root and every directory beneath it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func isArtifact(path string) bool {
	return strings.HasSuffix(path, ".rs") || filepath.Base(path) == "Cargo.toml"
}
