// Package config loads the coordinator configuration from
// $PRPFLOW_HOME/config.yaml with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirqtio/prpflow/internal/otel"
)

// PipelineConfig tunes the stage queues and the recovery sweeper.
type PipelineConfig struct {
	// Stages is the ordered stage list. Defaults to
	// new, development, validation, integration.
	Stages     []string `yaml:"stages"`
	MaxRetries int      `yaml:"max_retries"`

	ClaimTimeoutSeconds  int `yaml:"claim_timeout_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	StuckAgeSeconds      int `yaml:"stuck_age_seconds"`
}

// LivenessConfig tunes agent health classification.
type LivenessConfig struct {
	ActiveSeconds       int `yaml:"active_seconds"`
	IdleSeconds         int `yaml:"idle_seconds"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// TelegramConfig configures the Telegram operator console.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

// NotifyConfig tunes the notification delivery service.
type NotifyConfig struct {
	DrainIntervalSeconds int            `yaml:"drain_interval_seconds"`
	KeepaliveMinutes     int            `yaml:"keepalive_minutes"`
	DedupCap             int            `yaml:"dedup_cap"`
	Telegram             TelegramConfig `yaml:"telegram"`
}

// GateConfig tunes the commit gate.
type GateConfig struct {
	// FailMode is "open" or "closed". Open lets commits through on gate
	// tooling errors; closed blocks them.
	FailMode       string `yaml:"fail_mode"`
	SentinelMarker string `yaml:"sentinel_marker"`
	ArtifactPath   string `yaml:"artifact_path"`
}

// CIConfig points at the CI checks API consulted by the complete gate.
type CIConfig struct {
	BaseURL        string   `yaml:"base_url"`
	TokenEnv       string   `yaml:"token_env"` // env var holding the API token
	Mainline       string   `yaml:"mainline"`
	RequiredChecks []string `yaml:"required_checks"`
	FreshnessHours int      `yaml:"freshness_hours"`
	// CompleteFrom lists statuses allowed to transition to complete.
	CompleteFrom []string `yaml:"complete_from"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel  string `yaml:"log_level"`
	StorePath string `yaml:"store_path"` // sqlite path; empty uses the default under HomeDir

	Pipeline PipelineConfig `yaml:"pipeline"`
	Liveness LivenessConfig `yaml:"liveness"`
	Notify   NotifyConfig   `yaml:"notify"`
	Gate     GateConfig     `yaml:"gate"`
	CI       CIConfig       `yaml:"ci"`
	Otel     otel.Config    `yaml:"otel"`

	// ProgressCron is a 5-field cron expression for the periodic queue
	// depth report. Empty disables it.
	ProgressCron string `yaml:"progress_cron"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Pipeline: PipelineConfig{
			Stages:               []string{"new", "development", "validation", "integration"},
			MaxRetries:           3,
			ClaimTimeoutSeconds:  5,
			SweepIntervalSeconds: 30,
			StuckAgeSeconds:      300,
		},
		Liveness: LivenessConfig{
			ActiveSeconds:       60,
			IdleSeconds:         300,
			PollIntervalSeconds: 30,
		},
		Notify: NotifyConfig{
			DrainIntervalSeconds: 5,
			KeepaliveMinutes:     10,
			DedupCap:             1000,
		},
		Gate: GateConfig{
			FailMode: "open",
		},
		CI: CIConfig{
			Mainline:       "main",
			FreshnessHours: 24,
			CompleteFrom:   []string{"in_progress"},
		},
		ProgressCron: "0 * * * *",
	}
}

// HomeDir returns the configuration directory, honoring PRPFLOW_HOME.
func HomeDir() string {
	if override := os.Getenv("PRPFLOW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".prpflow")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the prpflow home, applying defaults, env
// overrides, and validation. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create prpflow home: %w", err)
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
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PRPFLOW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PRPFLOW_STORE_PATH"); raw != "" {
		cfg.StorePath = raw
	}
	if raw := os.Getenv("PRPFLOW_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pipeline.MaxRetries = v
		}
	}
	if raw := os.Getenv("PRPFLOW_CI_BASE_URL"); raw != "" {
		cfg.CI.BaseURL = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Notify.Telegram.Token = raw
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Pipeline.Stages) == 0 {
		cfg.Pipeline.Stages = []string{"new", "development", "validation", "integration"}
	}
	if cfg.Pipeline.MaxRetries <= 0 {
		cfg.Pipeline.MaxRetries = 3
	}
	if cfg.Pipeline.ClaimTimeoutSeconds <= 0 {
		cfg.Pipeline.ClaimTimeoutSeconds = 5
	}
	if cfg.Pipeline.SweepIntervalSeconds <= 0 {
		cfg.Pipeline.SweepIntervalSeconds = 30
	}
	if cfg.Pipeline.StuckAgeSeconds <= 0 {
		cfg.Pipeline.StuckAgeSeconds = 300
	}
	if cfg.Liveness.ActiveSeconds <= 0 {
		cfg.Liveness.ActiveSeconds = 60
	}
	if cfg.Liveness.IdleSeconds <= 0 {
		cfg.Liveness.IdleSeconds = 300
	}
	if cfg.Liveness.PollIntervalSeconds <= 0 {
		cfg.Liveness.PollIntervalSeconds = 30
	}
	if cfg.Notify.DrainIntervalSeconds <= 0 {
		cfg.Notify.DrainIntervalSeconds = 5
	}
	if cfg.Notify.KeepaliveMinutes <= 0 {
		cfg.Notify.KeepaliveMinutes = 10
	}
	if cfg.Notify.DedupCap <= 0 {
		cfg.Notify.DedupCap = 1000
	}
	if cfg.Gate.FailMode == "" {
		cfg.Gate.FailMode = "open"
	}
	if cfg.CI.Mainline == "" {
		cfg.CI.Mainline = "main"
	}
	if cfg.CI.FreshnessHours <= 0 {
		cfg.CI.FreshnessHours = 24
	}
	if len(cfg.CI.CompleteFrom) == 0 {
		cfg.CI.CompleteFrom = []string{"in_progress"}
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Pipeline.Stages))
	for _, stage := range cfg.Pipeline.Stages {
		if stage == "" {
			return fmt.Errorf("pipeline.stages must not contain empty names")
		}
		if _, dup := seen[stage]; dup {
			return fmt.Errorf("pipeline.stages lists %q twice", stage)
		}
		seen[stage] = struct{}{}
	}
	if cfg.Gate.FailMode != "open" && cfg.Gate.FailMode != "closed" {
		return fmt.Errorf("gate.fail_mode must be \"open\" or \"closed\", got %q", cfg.Gate.FailMode)
	}
	if cfg.Liveness.ActiveSeconds >= cfg.Liveness.IdleSeconds {
		return fmt.Errorf("liveness.active_seconds (%d) must be below liveness.idle_seconds (%d)",
			cfg.Liveness.ActiveSeconds, cfg.Liveness.IdleSeconds)
	}
	for _, status := range cfg.CI.CompleteFrom {
		if !slices.Contains([]string{"in_progress", "validation", "integration"}, status) {
			return fmt.Errorf("ci.complete_from contains invalid status %q", status)
		}
	}
	return nil
}

// CIToken reads the CI API token from the configured environment variable.
func (c Config) CIToken() string {
	if c.CI.TokenEnv == "" {
		return os.Getenv("PRPFLOW_CI_TOKEN")
	}
	return os.Getenv(c.CI.TokenEnv)
}

// ClaimTimeout returns the claim timeout as a duration.
func (c Config) ClaimTimeout() time.Duration {
	return time.Duration(c.Pipeline.ClaimTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the tunables, used to detect live
// config changes worth reloading.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|store=%s|stages=%v|retries=%d|gate=%s|ci=%s|cron=%s",
		c.LogLevel, c.StorePath, c.Pipeline.Stages, c.Pipeline.MaxRetries,
		c.Gate.FailMode, c.CI.BaseURL, c.ProgressCron)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
