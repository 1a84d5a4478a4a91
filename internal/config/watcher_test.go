package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// rewrite mimics an editor save: write a temp file and rename over the
// target.
func rewrite(t *testing.T, path string, cfg Config) {
	t.Helper()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	tmp := path + ".new"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherAppliesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	applied := make(chan Config, 4)
	w, err := NewWatcher(m, func(old, new Config) {
		applied <- new
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	cfg := m.Get()
	cfg.TaskQueue.Concurrency = 8
	cfg.LogLevel = "debug"
	rewrite(t, path, cfg)

	select {
	case got := <-applied:
		if got.TaskQueue.Concurrency != 8 {
			t.Errorf("applied concurrency = %d, want 8", got.TaskQueue.Concurrency)
		}
		if got.LogLevel != "debug" {
			t.Errorf("applied logLevel = %s", got.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload never applied")
	}

	if m.Get().TaskQueue.Concurrency != 8 {
		t.Errorf("manager not updated: %+v", m.Get().TaskQueue)
	}
}

func TestWatcherKeepsPreviousOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	before := m.Get()

	applied := make(chan Config, 1)
	w, err := NewWatcher(m, func(old, new Config) {
		applied <- new
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-applied:
		t.Fatalf("broken config applied: %+v", got)
	case <-time.After(1500 * time.Millisecond):
	}

	if m.Get() != before {
		t.Error("configuration changed despite unparseable file")
	}
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	applied := make(chan Config, 1)
	w, err := NewWatcher(m, func(old, new Config) {
		applied <- new
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-applied:
		t.Fatal("sibling file triggered a reload")
	case <-time.After(1200 * time.Millisecond):
	}
}
