package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/ebogdum/advlock/locks"
)

// EnvPrefix is the prefix of environment variables read by the loader.
const EnvPrefix = "ADVLOCK_"

// LoadConfig loads configuration from multiple sources with strict priority:
// 1. Environment variables (highest priority)
// 2. Config file (advlock.yaml, advlock.yml or advlock.json)
// 3. Defaults (lowest priority)
func LoadConfig() (AppConfig, error) {
	return LoadConfigFromFile("")
}

// LoadConfigFromFile loads configuration from multiple sources with a specific config file:
// 1. Environment variables (highest priority)
// 2. Specified config file or default config files
// 3. Defaults (lowest priority)
func LoadConfigFromFile(configFilePath string) (AppConfig, error) {
	k := koanf.New(".")

	// Load default configuration first
	if err := k.Load(structs.Provider(DefaultAppConfig(), "koanf"), nil); err != nil {
		return AppConfig{}, fmt.Errorf("failed to load default config: %w", err)
	}

	// Load from config file
	if configFilePath != "" {
		if _, err := os.Stat(configFilePath); err != nil {
			return AppConfig{}, fmt.Errorf("specified config file %s not found: %w", configFilePath, err)
		}
		if err := loadFile(k, configFilePath); err != nil {
			return AppConfig{}, err
		}
	} else {
		// Load from default config files if they exist
		for _, configFile := range []string{"advlock.yaml", "advlock.yml", "advlock.json"} {
			if _, err := os.Stat(configFile); err == nil {
				if err := loadFile(k, configFile); err != nil {
					return AppConfig{}, err
				}
				break
			}
		}
	}

	// Load environment variables with ADVLOCK_ prefix. Section and key are
	// split on the first underscore: ADVLOCK_DATABASE_MAX_OPEN_CONNS sets
	// database.max_open_conns.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return AppConfig{}, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal into config struct
	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if err := validateConfig(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch {
	case strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml"):
		parser = yaml.Parser()
	case strings.HasSuffix(path, ".json"):
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// validateConfig validates that required configuration fields are set
func validateConfig(cfg *AppConfig) error {
	switch cfg.Database.Driver {
	case "postgres", "pgx", "mysql", "memory":
	default:
		return fmt.Errorf("database.driver must be one of postgres, pgx, mysql, memory; got %q", cfg.Database.Driver)
	}

	if cfg.Database.DSN == "" && cfg.Database.Driver != "memory" {
		return fmt.Errorf("database.dsn is required")
	}

	if cfg.Metrics.HealthRateLimit < 0 {
		return fmt.Errorf("metrics.health_rate_limit must not be negative")
	}

	if cfg.Database.MaxOpenConns < 0 {
		return fmt.Errorf("database.max_open_conns must not be negative")
	}

	if cfg.Lock.Namespace == "" {
		return fmt.Errorf("lock.namespace is required")
	}

	mode, err := locks.ParseMode(cfg.Lock.Mode)
	if err != nil {
		return fmt.Errorf("lock.mode: %w", err)
	}

	if cfg.Database.Driver == "mysql" && !locks.MySQLDialect.Supports(mode) {
		return fmt.Errorf("lock.mode %s is not supported by mysql", mode)
	}

	if cfg.Lock.RetryInterval <= 0 {
		return fmt.Errorf("lock.retry_interval must be positive")
	}

	return nil
}
