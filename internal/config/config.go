package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExecutorsConfig names the agent backends and how to reach them.
type ExecutorsConfig struct {
	Claude ClaudeConfig `yaml:"claude"`
	Codex  CodexConfig  `yaml:"codex"`
}

// ClaudeConfig configures the containerized long-lived agent backend.
type ClaudeConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command []string `yaml:"command"`
	Env     []string `yaml:"env"`
}

// CodexConfig configures the synchronous subprocess backend.
type CodexConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// SandboxConfig configures the docker provisioner.
type SandboxConfig struct {
	Image       string `yaml:"image"`
	MemoryMB    int64  `yaml:"memory_mb"`
	NetworkMode string `yaml:"network_mode"`
}

// BridgeConfig configures the best-effort tracker mirror.
type BridgeConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Command        string `yaml:"command"`
	Project        string `yaml:"project"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OtelConfig mirrors the otel package's settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string   `yaml:"bind_addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
	LogLevel     string   `yaml:"log_level"`

	// DBPath locates the sqlite file. Relative paths resolve under HomeDir.
	DBPath string `yaml:"db_path"`

	WorkerCount         int    `yaml:"worker_count"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	InputTimeoutMinutes int    `yaml:"input_timeout_minutes"`
	WorkdirRoot         string `yaml:"workdir_root"`
	StartRetries        int    `yaml:"start_retries"`

	// SweepSchedule is a five-field cron expression for the maintenance
	// sweeper.
	SweepSchedule string `yaml:"sweep_schedule"`

	Executors ExecutorsConfig `yaml:"executors"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Otel      OtelConfig      `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DatabasePath resolves the configured sqlite path against HomeDir.
func (c Config) DatabasePath() string {
	if filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, c.DBPath)
}

// Fingerprint returns a stable hash of the settings that require a
// restart to change, exposed for support diagnostics.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|bind=%s|log=%s|db=%s|origins=%v",
		c.WorkerCount, c.BindAddr, c.LogLevel, c.DBPath, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18990",
		LogLevel:            "info",
		DBPath:              "taskdeck.db",
		WorkerCount:         2,
		PollIntervalSeconds: 2,
		WorkdirRoot:         "tasks",
		StartRetries:        3,
		SweepSchedule:       "* * * * *",
		Executors: ExecutorsConfig{
			Claude: ClaudeConfig{Enabled: true},
			Codex:  CodexConfig{Enabled: true, Command: "codex", TimeoutSeconds: 900},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKDECK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskdeck")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskdeck home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 2
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = "taskdeck.db"
	}
	if strings.TrimSpace(cfg.WorkdirRoot) == "" {
		cfg.WorkdirRoot = "tasks"
	}
	if cfg.StartRetries <= 0 {
		cfg.StartRetries = 3
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = "* * * * *"
	}
	if cfg.Executors.Codex.Command == "" {
		cfg.Executors.Codex.Command = "codex"
	}
	if cfg.Executors.Codex.TimeoutSeconds <= 0 {
		cfg.Executors.Codex.TimeoutSeconds = 900
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKDECK_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("TASKDECK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKDECK_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TASKDECK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKDECK_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKDECK_INPUT_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.InputTimeoutMinutes = v
		}
	}
	if raw := os.Getenv("TASKDECK_BRIDGE_COMMAND"); raw != "" {
		cfg.Bridge.Command = raw
		cfg.Bridge.Enabled = true
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
