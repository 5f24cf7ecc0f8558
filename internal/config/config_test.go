package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func loadFrom(t *testing.T, yaml string) (Config, error) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("PRPFLOW_HOME", home)
	if yaml != "" {
		if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config.yaml: %v", err)
		}
	}
	return Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom(t, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	wantStages := []string{"new", "development", "validation", "integration"}
	if len(cfg.Pipeline.Stages) != len(wantStages) {
		t.Fatalf("Stages = %v", cfg.Pipeline.Stages)
	}
	for i, s := range wantStages {
		if cfg.Pipeline.Stages[i] != s {
			t.Fatalf("Stages = %v, want %v", cfg.Pipeline.Stages, wantStages)
		}
	}
	if cfg.Pipeline.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Gate.FailMode != "open" {
		t.Fatalf("FailMode = %q", cfg.Gate.FailMode)
	}
	if cfg.Liveness.ActiveSeconds != 60 || cfg.Liveness.IdleSeconds != 300 {
		t.Fatalf("liveness thresholds = %d/%d", cfg.Liveness.ActiveSeconds, cfg.Liveness.IdleSeconds)
	}
	if cfg.ProgressCron != "0 * * * *" {
		t.Fatalf("ProgressCron = %q", cfg.ProgressCron)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	cfg, err := loadFrom(t, `
log_level: debug
pipeline:
  stages: [new, dev]
  max_retries: 7
gate:
  fail_mode: closed
  sentinel_marker: "[sync-bot]"
ci:
  base_url: https://ci.internal/repos/acme/app
  required_checks: [tests, lint]
notify:
  telegram:
    enabled: true
    chat_id: 42
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if len(cfg.Pipeline.Stages) != 2 || cfg.Pipeline.Stages[1] != "dev" {
		t.Fatalf("Stages = %v", cfg.Pipeline.Stages)
	}
	if cfg.Pipeline.MaxRetries != 7 {
		t.Fatalf("MaxRetries = %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Gate.FailMode != "closed" || cfg.Gate.SentinelMarker != "[sync-bot]" {
		t.Fatalf("gate = %+v", cfg.Gate)
	}
	if len(cfg.CI.RequiredChecks) != 2 {
		t.Fatalf("RequiredChecks = %v", cfg.CI.RequiredChecks)
	}
	if !cfg.Notify.Telegram.Enabled || cfg.Notify.Telegram.ChatID != 42 {
		t.Fatalf("telegram = %+v", cfg.Notify.Telegram)
	}
}

func TestEnvOverridesBeatYAML(t *testing.T) {
	t.Setenv("PRPFLOW_LOG_LEVEL", "warn")
	t.Setenv("PRPFLOW_MAX_RETRIES", "9")
	t.Setenv("TELEGRAM_TOKEN", "tg-secret")
	cfg, err := loadFrom(t, "log_level: debug\n")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q, want env override", cfg.LogLevel)
	}
	if cfg.Pipeline.MaxRetries != 9 {
		t.Fatalf("MaxRetries = %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Notify.Telegram.Token != "tg-secret" {
		t.Fatalf("telegram token not taken from env")
	}
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"duplicate stage", "pipeline:\n  stages: [new, dev, new]\n", "twice"},
		{"empty stage", "pipeline:\n  stages: [new, \"\"]\n", "empty"},
		{"bad fail mode", "gate:\n  fail_mode: maybe\n", "fail_mode"},
		{"active above idle", "liveness:\n  active_seconds: 400\n  idle_seconds: 300\n", "active_seconds"},
		{"bad complete_from", "ci:\n  complete_from: [assigned]\n", "complete_from"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadFrom(t, tc.yaml)
			if err == nil {
				t.Fatalf("Load accepted %s", tc.name)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestCIToken(t *testing.T) {
	t.Setenv("PRPFLOW_CI_TOKEN", "default-token")
	t.Setenv("CUSTOM_CI_TOKEN", "custom-token")

	var cfg Config
	if got := cfg.CIToken(); got != "default-token" {
		t.Fatalf("CIToken default = %q", got)
	}
	cfg.CI.TokenEnv = "CUSTOM_CI_TOKEN"
	if got := cfg.CIToken(); got != "custom-token" {
		t.Fatalf("CIToken custom = %q", got)
	}
}

func TestFingerprintTracksTunables(t *testing.T) {
	a, err := loadFrom(t, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs fingerprint differently")
	}
	b.Pipeline.MaxRetries = 99
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("retry change not reflected in fingerprint")
	}
}

func TestHomeDirHonorsOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PRPFLOW_HOME", dir)
	if got := HomeDir(); got != dir {
		t.Fatalf("HomeDir = %q, want %q", got, dir)
	}
	if got := ConfigPath(dir); got != filepath.Join(dir, "config.yaml") {
		t.Fatalf("ConfigPath = %q", got)
	}
}
