package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orrery/internal/watcher"
)

func TestWatcher_DebouncesWriteBursts(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "orrery.yaml")
	err := os.WriteFile(cfgPath, []byte("logging:\n  level: info\n"), 0o644)
	require.NoError(t, err, "failed to create config file")

	w, err := watcher.New(cfgPath, 50*time.Millisecond)
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Rapid writes should coalesce into a single notification.
	for i := 0; i < 10; i++ {
		err := os.WriteFile(cfgPath, []byte(fmt.Sprintf("logging:\n  level: info # %d\n", i)), 0o644)
		require.NoError(t, err, "failed to write config file")
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-onChange:
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	select {
	case <-onChange:
		t.Fatal("unexpected second notification")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "orrery.yaml")
	otherPath := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(cfgPath, []byte("x"), 0o644))
	// Pre-create the other file so writes to it are plain Write events.
	require.NoError(t, os.WriteFile(otherPath, []byte("initial"), 0o644))

	w, err := watcher.New(cfgPath, 50*time.Millisecond)
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	require.NoError(t, os.WriteFile(otherPath, []byte("updated"), 0o644))

	select {
	case <-onChange:
		t.Fatal("should not notify for unrelated files")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_SurvivesAtomicRename(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "orrery.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("old"), 0o644))

	w, err := watcher.New(cfgPath, 50*time.Millisecond)
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Editor-style save: write a temp file, rename it over the target.
	tmpPath := filepath.Join(dir, ".orrery.yaml.tmp")
	require.NoError(t, os.WriteFile(tmpPath, []byte("new"), 0o644))
	require.NoError(t, os.Rename(tmpPath, cfgPath))

	select {
	case <-onChange:
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected notification after atomic rename")
	}
}

func TestWatcher_Stop(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "orrery.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("x"), 0o644))

	w, err := watcher.New(cfgPath, 50*time.Millisecond)
	require.NoError(t, err, "failed to create watcher")

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	done := make(chan struct{})
	go func() {
		err := w.Stop()
		assert.NoError(t, err, "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}
