package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hearthhq/hearth/pkg/observability"
	"github.com/hearthhq/hearth/pkg/version"
)

// Config holds all host configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Platform version configuration
	Platform PlatformConfig

	// Plugin subsystem configuration
	Plugins PluginConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Execution history configuration
	History HistoryConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// PlatformConfig pins the host's version surface. These enter the
// registries as explicit values, never as package globals.
type PlatformConfig struct {
	// Version is the host platform version plugins are resolved against.
	Version version.Version

	// MinSupportedVersion is the oldest platform version a plugin may
	// still declare as its floor.
	MinSupportedVersion version.Version

	// APIVersion is the extension API version registrations are checked
	// against.
	APIVersion version.Version
}

// PluginConfig holds plugin subsystem configuration
type PluginConfig struct {
	// ManifestDir is the directory the scanner watches for plugin
	// manifests. Empty disables the scanner.
	ManifestDir string

	// RedisURL enables cluster lifecycle synchronization when set.
	RedisURL string
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Workers          int
	TickInterval     time.Duration
	MisfireThreshold time.Duration
}

// HistoryConfig holds execution history configuration
type HistoryConfig struct {
	// Backend is one of "memory", "sqlite", or "postgres".
	Backend string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string

	// PostgresURL is the DSN for the postgres backend.
	PostgresURL string

	// RetentionDays is how long finalized entries are kept.
	RetentionDays int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	platform, err := loadPlatformConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Platform:      platform,
		Plugins:       loadPluginConfig(),
		Scheduler:     loadSchedulerConfig(),
		History:       loadHistoryConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HEARTH_HOST", "0.0.0.0"),
		Port:            getEnv("HEARTH_PORT", "8080"),
		ReadTimeout:     getEnvDuration("HEARTH_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("HEARTH_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("HEARTH_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("HEARTH_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("HEARTH_HEALTH_PORT", "9090"),
	}
}

// loadPlatformConfig loads and parses the platform version triple
func loadPlatformConfig() (PlatformConfig, error) {
	platform, err := version.Parse(getEnv("HEARTH_PLATFORM_VERSION", "2.3.0"))
	if err != nil {
		return PlatformConfig{}, fmt.Errorf("HEARTH_PLATFORM_VERSION: %w", err)
	}
	minSupported, err := version.Parse(getEnv("HEARTH_MIN_SUPPORTED_VERSION", "2.0.0"))
	if err != nil {
		return PlatformConfig{}, fmt.Errorf("HEARTH_MIN_SUPPORTED_VERSION: %w", err)
	}
	api, err := version.Parse(getEnv("HEARTH_API_VERSION", "2.3.0"))
	if err != nil {
		return PlatformConfig{}, fmt.Errorf("HEARTH_API_VERSION: %w", err)
	}

	return PlatformConfig{
		Version:             platform,
		MinSupportedVersion: minSupported,
		APIVersion:          api,
	}, nil
}

// loadPluginConfig loads plugin subsystem configuration from environment
func loadPluginConfig() PluginConfig {
	return PluginConfig{
		ManifestDir: getEnv("HEARTH_PLUGIN_DIR", ""),
		RedisURL:    getEnv("HEARTH_REDIS_URL", ""),
	}
}

// loadSchedulerConfig loads scheduler configuration from environment
func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:          getEnvInt("HEARTH_SCHEDULER_WORKERS", 4),
		TickInterval:     getEnvDuration("HEARTH_SCHEDULER_TICK_INTERVAL", 500*time.Millisecond),
		MisfireThreshold: getEnvDuration("HEARTH_SCHEDULER_MISFIRE_THRESHOLD", time.Minute),
	}
}

// loadHistoryConfig loads execution history configuration from environment
func loadHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Backend:       getEnv("HEARTH_HISTORY_BACKEND", "memory"),
		SQLitePath:    getEnv("HEARTH_HISTORY_SQLITE_PATH", "hearth-history.db"),
		PostgresURL:   getEnv("HEARTH_HISTORY_POSTGRES_URL", ""),
		RetentionDays: getEnvInt("HEARTH_HISTORY_RETENTION_DAYS", 90),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("HEARTH_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("HEARTH_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("HEARTH_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("HEARTH_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("HEARTH_OTEL_SERVICE_NAME", "hearth"),
		OTelServiceVersion: getEnv("HEARTH_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("HEARTH_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate platform versions
	if version.Compare(c.Platform.MinSupportedVersion, c.Platform.Version) > 0 {
		return fmt.Errorf("minimum supported version %s exceeds platform version %s",
			c.Platform.MinSupportedVersion, c.Platform.Version)
	}

	// Validate scheduler config
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler workers must be positive")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick interval must be positive")
	}
	if c.Scheduler.MisfireThreshold <= 0 {
		return fmt.Errorf("scheduler misfire threshold must be positive")
	}

	// Validate history config based on backend
	switch c.History.Backend {
	case "memory":
	case "sqlite":
		if c.History.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite history backend")
		}
	case "postgres":
		if c.History.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres history backend")
		}
	default:
		return fmt.Errorf("invalid history backend: %s (must be memory, sqlite, or postgres)", c.History.Backend)
	}
	if c.History.RetentionDays <= 0 {
		return fmt.Errorf("history retention days must be positive")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
