package config

import (
	"testing"
	"time"

	"github.com/hearthhq/hearth/pkg/observability"
	"github.com/hearthhq/hearth/pkg/version"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "custom")
	if got := getEnv("TEST_VAR", "default"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}
	if got := getEnv("TEST_VAR_NOT_SET", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"false", false},
		{"nonsense", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.value)
			if got := getEnvBool("TEST_BOOL", false); got != tt.want {
				t.Errorf("getEnvBool(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
	if !getEnvBool("TEST_BOOL_NOT_SET", true) {
		t.Error("getEnvBool() should return default when unset")
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := getEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	t.Setenv("TEST_INT_BAD", "not-a-number")
	if got := getEnvInt("TEST_INT_BAD", 7); got != 7 {
		t.Errorf("getEnvInt() = %v, want default 7", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	if got := getEnvDuration("TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
	t.Setenv("TEST_DUR_BAD", "soon")
	if got := getEnvDuration("TEST_DUR_BAD", time.Minute); got != time.Minute {
		t.Errorf("getEnvDuration() = %v, want default 1m", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("default port = %v, want 8080", cfg.Server.Port)
	}
	if cfg.Platform.Version != version.MustParse("2.3.0") {
		t.Errorf("default platform version = %v", cfg.Platform.Version)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("default workers = %v, want 4", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.MisfireThreshold != time.Minute {
		t.Errorf("default misfire threshold = %v, want 1m", cfg.Scheduler.MisfireThreshold)
	}
	if cfg.History.Backend != "memory" {
		t.Errorf("default history backend = %v, want memory", cfg.History.Backend)
	}
	if cfg.History.RetentionDays != 90 {
		t.Errorf("default retention = %v, want 90", cfg.History.RetentionDays)
	}
	if cfg.Observability.LogLevel != observability.InfoLevel {
		t.Errorf("default log level = %v, want info", cfg.Observability.LogLevel)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("HEARTH_PLATFORM_VERSION", "3.1.0")
	t.Setenv("HEARTH_MIN_SUPPORTED_VERSION", "3.0.0")
	t.Setenv("HEARTH_SCHEDULER_WORKERS", "16")
	t.Setenv("HEARTH_SCHEDULER_MISFIRE_THRESHOLD", "5m")
	t.Setenv("HEARTH_HISTORY_BACKEND", "sqlite")
	t.Setenv("HEARTH_HISTORY_SQLITE_PATH", "/tmp/history.db")
	t.Setenv("HEARTH_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Platform.Version != version.MustParse("3.1.0") {
		t.Errorf("platform version = %v, want 3.1.0", cfg.Platform.Version)
	}
	if cfg.Scheduler.Workers != 16 {
		t.Errorf("workers = %v, want 16", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.MisfireThreshold != 5*time.Minute {
		t.Errorf("misfire threshold = %v, want 5m", cfg.Scheduler.MisfireThreshold)
	}
	if cfg.History.Backend != "sqlite" {
		t.Errorf("history backend = %v, want sqlite", cfg.History.Backend)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("log level = %v, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad platform version", "HEARTH_PLATFORM_VERSION", "not-a-version"},
		{"floor above platform", "HEARTH_MIN_SUPPORTED_VERSION", "9.0.0"},
		{"unknown history backend", "HEARTH_HISTORY_BACKEND", "etcd"},
		{"postgres without url", "HEARTH_HISTORY_BACKEND", "postgres"},
		{"same ports", "HEARTH_HEALTH_PORT", "8080"},
		{"zero retention", "HEARTH_HISTORY_RETENTION_DAYS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfig(); err == nil {
				t.Error("LoadConfig() should have failed")
			}
		})
	}
}
