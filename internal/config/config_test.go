package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg := m.Get()
	if cfg.Port != 3100 {
		t.Errorf("port = %d, want 3100", cfg.Port)
	}
	if cfg.TaskQueue.Concurrency != 3 || cfg.TaskQueue.DefaultTimeout != 300000 {
		t.Errorf("taskQueue = %+v", cfg.TaskQueue)
	}
	if cfg.SessionRetentionDays != 30 {
		t.Errorf("sessionRetentionDays = %d", cfg.SessionRetentionDays)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.MaxRequests != 100 || cfg.RateLimit.WindowMS != 60000 {
		t.Errorf("rateLimit = %+v", cfg.RateLimit)
	}

	// The defaults were written to disk for the operator to edit.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("defaults not persisted: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("persisted config not valid JSON: %v", err)
	}
	if _, ok := onDisk["taskQueue"]; !ok {
		t.Error("camelCase keys missing from persisted config")
	}

	// Data and log directories were created.
	if _, err := os.Stat(cfg.DataDir); err != nil {
		t.Errorf("dataDir not created: %v", err)
	}
}

func TestLoadExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	custom := `{"port": 4000, "host": "127.0.0.1", "dataDir": "` + filepath.Join(dir, "d") + `", "taskQueue": {"concurrency": 7, "defaultTimeout": 1000}}`
	if err := os.WriteFile(path, []byte(custom), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := m.Get()
	if cfg.Port != 4000 || cfg.Host != "127.0.0.1" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.TaskQueue.Concurrency != 7 {
		t.Errorf("concurrency = %d", cfg.TaskQueue.Concurrency)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("HOST", "10.0.0.5")

	m, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := m.Get()
	if cfg.Port != 9999 {
		t.Errorf("PORT override ignored: %d", cfg.Port)
	}
	if cfg.Host != "10.0.0.5" {
		t.Errorf("HOST override ignored: %s", cfg.Host)
	}
}

func TestEnvOverrideInvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	m, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if m.Get().Port != 3100 {
		t.Errorf("invalid PORT should keep default, got %d", m.Get().Port)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	cfg := m.Get()
	cfg.DefaultModel = "opus"
	cfg.LogLevel = "debug"
	m.Set(cfg)
	if err := m.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !m.DebugEnabled() {
		t.Error("DebugEnabled false after setting logLevel debug")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Get().DefaultModel != "opus" {
		t.Errorf("saved field lost: %+v", reloaded.Get())
	}
}

func TestPublicOmitsPrivateFields(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := m.Get()
	cfg.Webhook.DefaultURL = "https://hooks.internal/secret"
	m.Set(cfg)

	pub := m.Public()
	data, _ := json.Marshal(pub)
	if string(data) == "" {
		t.Fatal("empty public config")
	}
	if _, ok := pub["agentPath"]; ok {
		t.Error("agentPath exposed")
	}
	if webhook, ok := pub["webhook"].(map[string]any); ok {
		if _, leaked := webhook["defaultUrl"]; leaked {
			t.Error("webhook URL exposed")
		}
	}
}

func TestDetectPathsFindsExecutable(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	// A node binary next to the CLI marks the toolchain directory.
	if err := os.WriteFile(filepath.Join(dir, "node"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	m, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := m.Get()
	cfg.AgentPath = bin
	cfg.ToolchainBin = ""
	m.Set(cfg)

	if changed := m.DetectPaths(); !changed {
		t.Fatal("DetectPaths reported no change")
	}
	if got := m.Get().ToolchainBin; got != dir {
		t.Errorf("toolchainBin = %s, want %s", got, dir)
	}
}

func TestSortNodeVersionsDesc(t *testing.T) {
	versions := []string{"v9.11.2", "v10.24.1", "v18.20.4", "v18.9.0", "v20.11.1"}
	sortNodeVersionsDesc(versions)

	want := []string{"v20.11.1", "v18.20.4", "v18.9.0", "v10.24.1", "v9.11.2"}
	for i := range want {
		if versions[i] != want[i] {
			t.Fatalf("order = %v, want %v", versions, want)
		}
	}
}
