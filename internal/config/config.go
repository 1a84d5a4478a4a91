// Package config owns the process-wide configuration: JSON file load and
// persist, agent CLI path detection, and a file watcher that applies
// changes to live components without a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// TaskQueueConfig tunes the scheduler. Both fields are live-reloadable.
type TaskQueueConfig struct {
	Concurrency    int   `json:"concurrency"`
	DefaultTimeout int64 `json:"defaultTimeout"` // milliseconds
}

// RateLimitConfig caps /api/* requests per client.
type RateLimitConfig struct {
	Enabled     bool  `json:"enabled"`
	WindowMS    int64 `json:"windowMs"`
	MaxRequests int   `json:"maxRequests"`
}

// WebhookConfig governs lifecycle event delivery.
type WebhookConfig struct {
	Enabled    bool   `json:"enabled"`
	DefaultURL string `json:"defaultUrl"`
	Timeout    int64  `json:"timeout"` // milliseconds
	Retries    int    `json:"retries"`
}

// StatisticsConfig governs the periodic process sampler.
type StatisticsConfig struct {
	Enabled            bool  `json:"enabled"`
	CollectionInterval int64 `json:"collectionInterval"` // milliseconds
}

// EventsConfig governs the embedded NATS event plane.
type EventsConfig struct {
	Enabled  bool `json:"enabled"`
	NATSPort int  `json:"natsPort"`
}

// Config is the full configuration document (config.json).
type Config struct {
	Port                    int              `json:"port"`
	Host                    string           `json:"host"`
	AgentPath               string           `json:"agentPath"`
	ToolchainBin            string           `json:"toolchainBin"`
	DefaultProjectPath      string           `json:"defaultProjectPath"`
	DataDir                 string           `json:"dataDir"`
	LogFile                 string           `json:"logFile"`
	PidFile                 string           `json:"pidFile"`
	AgentsFile              string           `json:"agentsFile"`
	SessionRetentionDays    int              `json:"sessionRetentionDays"`
	TaskQueue               TaskQueueConfig  `json:"taskQueue"`
	RateLimit               RateLimitConfig  `json:"rateLimit"`
	Webhook                 WebhookConfig    `json:"webhook"`
	Statistics              StatisticsConfig `json:"statistics"`
	Events                  EventsConfig     `json:"events"`
	DefaultModel            string           `json:"defaultModel"`
	MaxBudgetUSD            float64          `json:"maxBudgetUsd"`
	LogLevel                string           `json:"logLevel"`
	EnableRootCompatibility bool             `json:"enableRootCompatibility"`
}

// Defaults returns the configuration written on first start. baseDir is
// the server's home directory (normally ~/.claude-code-server).
func Defaults(baseDir string) Config {
	return Config{
		Port:                 3100,
		Host:                 "0.0.0.0",
		DefaultProjectPath:   baseDir,
		DataDir:              filepath.Join(baseDir, "data"),
		LogFile:              filepath.Join(baseDir, "logs", "server.log"),
		PidFile:              filepath.Join(baseDir, "server.pid"),
		AgentsFile:           filepath.Join(baseDir, "agents.yaml"),
		SessionRetentionDays: 30,
		TaskQueue: TaskQueueConfig{
			Concurrency:    3,
			DefaultTimeout: 300000,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			WindowMS:    60000,
			MaxRequests: 100,
		},
		Webhook: WebhookConfig{
			Enabled: false,
			Timeout: 10000,
			Retries: 3,
		},
		Statistics: StatisticsConfig{
			Enabled:            true,
			CollectionInterval: 60000,
		},
		Events: EventsConfig{
			Enabled:  true,
			NATSPort: 14222,
		},
		LogLevel: "info",
	}
}

// DefaultBaseDir returns ~/.claude-code-server.
func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".claude-code-server")
}

// Manager owns the live configuration object. Live components either
// re-read through Get on each operation or get pushed a diff by the
// watcher.
type Manager struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

// Load reads config.json at path, writing defaults first if it does not
// exist, and applies PORT/HOST environment overrides.
func Load(path string) (*Manager, error) {
	baseDir := filepath.Dir(path)
	cfg := Defaults(baseDir)

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if werr := write(path, cfg); werr != nil {
			return nil, werr
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if uerr := json.Unmarshal(data, &cfg); uerr != nil {
			return nil, fmt.Errorf("failed to parse config: %w", uerr)
		}
	}

	applyEnvOverrides(&cfg)

	for _, dir := range []string{cfg.DataDir, filepath.Dir(cfg.LogFile)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return &Manager{path: path, cfg: cfg}, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
}

func write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Path returns the config file location.
func (m *Manager) Path() string {
	return m.path
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Set replaces the live configuration.
func (m *Manager) Set(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Save persists the live configuration back to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()
	return write(m.path, cfg)
}

// DebugEnabled reports whether debug-level logging is on.
func (m *Manager) DebugEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.LogLevel == "debug"
}

// RequireNonRoot refuses startup when running with superuser identity
// unless root compatibility is explicitly enabled.
func (m *Manager) RequireNonRoot() error {
	if os.Geteuid() != 0 {
		return nil
	}
	if m.Get().EnableRootCompatibility {
		return nil
	}
	return fmt.Errorf("refusing to run as root; set enableRootCompatibility to opt in")
}

// Public returns the subset of configuration exposed on GET /api/config.
func (m *Manager) Public() map[string]any {
	cfg := m.Get()
	return map[string]any{
		"port":               cfg.Port,
		"host":               cfg.Host,
		"defaultProjectPath": cfg.DefaultProjectPath,
		"defaultModel":       cfg.DefaultModel,
		"taskQueue":          cfg.TaskQueue,
		"rateLimit":          cfg.RateLimit,
		"webhook": map[string]any{
			"enabled": cfg.Webhook.Enabled,
			"retries": cfg.Webhook.Retries,
		},
		"statistics": cfg.Statistics,
		"logLevel":   cfg.LogLevel,
	}
}
