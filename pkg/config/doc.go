// Package config provides host configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	HEARTH_HOST="0.0.0.0"
//	HEARTH_PORT="8080"
//	HEARTH_HEALTH_PORT="9090"
//	HEARTH_READ_TIMEOUT="15s"
//	HEARTH_WRITE_TIMEOUT="15s"
//
// Platform settings:
//
//	HEARTH_PLATFORM_VERSION="2.3.0"
//	HEARTH_MIN_SUPPORTED_VERSION="2.0.0"
//	HEARTH_API_VERSION="2.3.0"
//
// Plugin settings:
//
//	HEARTH_PLUGIN_DIR="/etc/hearth/plugins"
//	HEARTH_REDIS_URL="redis://localhost:6379"  # enables cluster sync
//
// Scheduler settings:
//
//	HEARTH_SCHEDULER_WORKERS="4"
//	HEARTH_SCHEDULER_TICK_INTERVAL="500ms"
//	HEARTH_SCHEDULER_MISFIRE_THRESHOLD="1m"
//
// History settings:
//
//	HEARTH_HISTORY_BACKEND="memory"  # memory, sqlite, postgres
//	HEARTH_HISTORY_SQLITE_PATH="hearth-history.db"
//	HEARTH_HISTORY_POSTGRES_URL="postgres://localhost/hearth"
//	HEARTH_HISTORY_RETENTION_DAYS="90"
//
// Observability settings:
//
//	HEARTH_LOG_LEVEL="info"  # debug, info, warn, error
//	HEARTH_METRICS_ENABLED="true"
//	HEARTH_OTEL_ENABLED="true"
//	HEARTH_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Platform: %s\n", cfg.Platform.Version)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/plugin: Uses platform and plugin configuration
//   - pkg/observability: Uses observability configuration
package config
