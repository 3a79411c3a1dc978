// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package progress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxbowlabs/oxbow/pkg/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger := logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func TestNewWatcher_Errors(t *testing.T) {
	logger := testLogger(t)

	_, err := NewWatcher(filepath.Join(t.TempDir(), "absent"), logger)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = NewWatcher(file, logger)
	assert.ErrorContains(t, err, "not a directory")
}

func TestCountArtifacts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	for _, name := range []string{"main.rs", "sub/lib.rs", "Cargo.toml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0644))
	}

	w, err := NewWatcher(root, testLogger(t))
	require.NoError(t, err)
	defer w.Close()

	// main.rs, sub/lib.rs, and Cargo.toml count; notes.txt does not.
	assert.Equal(t, 3, w.CountArtifacts())
}

func TestRun_ReportsArtifactWrites(t *testing.T) {
	root := t.TempDir()

	w, err := NewWatcher(root, testLogger(t))
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 16)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, events) }()

	require.NoError(t, os.WriteFile(filepath.Join(root, "main.rs"), []byte("fn main() {}"), 0644))

	select {
	case ev := <-events:
		assert.Equal(t, "main.rs", ev.Path)
		assert.Equal(t, 1, ev.Total)
		assert.False(t, ev.Time.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no event for artifact write")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_IgnoresNonArtifacts(t *testing.T) {
	root := t.TempDir()

	w, err := NewWatcher(root, testLogger(t))
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 16)
	go func() { _ = w.Run(ctx, events) }()

	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("docs"), 0644))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRun_PicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()

	w, err := NewWatcher(root, testLogger(t))
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 16)
	go func() { _ = w.Run(ctx, events) }()

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	// Give the watcher a moment to register the new directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "lib.rs"), []byte("pub fn f() {}"), 0644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Path == filepath.Join("sub", "lib.rs") {
				return
			}
		case <-deadline:
			t.Fatal("no event for file in new directory")
		}
	}
}
