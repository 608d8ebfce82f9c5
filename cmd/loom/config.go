package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the loom CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	// DBPath is the libSQL database file. Empty runs on the in-memory store.
	DBPath string `json:"db_path"`

	// WorkflowDir is scanned for workflow definition files on serve.
	WorkflowDir string `json:"workflow_dir"`

	// OverridesPath is the optional project config override file.
	OverridesPath string `json:"overrides_path"`

	LogLevel string `json:"log_level"`

	// ExecutorURL is the HTTP capability backend for capability and
	// generate steps.
	ExecutorURL     string `json:"executor_url"`
	ExecutorAPIKey  string `json:"executor_api_key"`
	ExecutorTimeout string `json:"executor_timeout"`

	// Scheduler enables the cron scheduling loop on serve.
	Scheduler bool `json:"scheduler"`

	// ReadRoots and WriteRoots sandbox the fs and shell actions.
	ReadRoots  []string `json:"read_roots"`
	WriteRoots []string `json:"write_roots"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(loomDir(), "loom.db"),
		WorkflowDir:   filepath.Join(loomDir(), "workflows"),
		OverridesPath: filepath.Join(loomDir(), "overrides.yaml"),
		LogLevel:      "info",
		ExecutorURL:   "http://localhost:7070",
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_WORKFLOW_DIR"); v != "" {
		cfg.WorkflowDir = v
	}
	if v := os.Getenv("LOOM_OVERRIDES_PATH"); v != "" {
		cfg.OverridesPath = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_EXECUTOR_URL"); v != "" {
		cfg.ExecutorURL = v
	}
	if v := os.Getenv("LOOM_EXECUTOR_API_KEY"); v != "" {
		cfg.ExecutorAPIKey = v
	}
	if v := os.Getenv("LOOM_EXECUTOR_TIMEOUT"); v != "" {
		cfg.ExecutorTimeout = v
	}
	if v := os.Getenv("LOOM_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("LOOM_READ_ROOTS"); v != "" {
		cfg.ReadRoots = splitList(v)
	}
	if v := os.Getenv("LOOM_WRITE_ROOTS"); v != "" {
		cfg.WriteRoots = splitList(v)
	}

	return cfg
}

func splitList(v string) []string {
	parts := strings.Split(v, string(os.PathListSeparator))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) executorTimeout() time.Duration {
	if c.ExecutorTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.ExecutorTimeout)
	if err != nil {
		return 0
	}
	return d
}
