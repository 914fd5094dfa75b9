// Package config provides configuration management for advlock.
// It handles loading and validating configuration from YAML/JSON files and environment variables.
package config

import "time"

// AppConfig represents the complete application configuration
type AppConfig struct {
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Database DatabaseConfig `koanf:"database"`
	Lock     LockConfig     `koanf:"lock"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	ListenAddr      string  `koanf:"listen_addr"`       // Empty disables the metrics listener
	HealthRateLimit float64 `koanf:"health_rate_limit"` // Health probes per second, 0 disables the limit
}

// DatabaseConfig holds the connection pool that backs the locks
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"` // "postgres", "pgx", "mysql" or "memory"
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"` // Bounds the number of locks held at once
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
}

// LockConfig holds lock naming and behaviour
type LockConfig struct {
	Namespace     string        `koanf:"namespace"`
	Mode          string        `koanf:"mode"` // "session" or "transaction"
	RetryInterval time.Duration `koanf:"retry_interval"`
}
