package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentdock.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTDOCK_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTDOCK_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTDOCK_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTDOCK_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTDOCK_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTDOCK_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTDOCK_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "AGENTDOCK_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTDOCK_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTDOCK_LOG_ASYNC")
	setInt(&cfg.Engine.MaxConcurrent, "AGENTDOCK_ENGINE_MAX_CONCURRENT")
	setDuration(&cfg.Engine.DefaultMaxDuration, "AGENTDOCK_ENGINE_DEFAULT_MAX_DURATION")
	setDuration(&cfg.Engine.SweepInterval, "AGENTDOCK_ENGINE_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.GracePeriod, "AGENTDOCK_ENGINE_GRACE_PERIOD")
	setString(&cfg.Engine.AgentCommand, "AGENTDOCK_AGENT_COMMAND")
	setString(&cfg.Engine.WorkDir, "AGENTDOCK_WORK_DIR")
	setInt64(&cfg.Cache.MaxSizeMB, "AGENTDOCK_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.StatsTTL, "AGENTDOCK_CACHE_STATS_TTL")
	setString(&cfg.Git.Provider, "AGENTDOCK_GIT_PROVIDER")
	setInt(&cfg.Git.MaxConcurrent, "AGENTDOCK_GIT_MAX_CONCURRENT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Engine.MaxConcurrent < 1 {
		return errors.New("engine.max_concurrent must be >= 1")
	}
	if cfg.Engine.GracePeriod <= 0 {
		return errors.New("engine.grace_period must be positive")
	}
	if cfg.Engine.AgentCommand == "" {
		return errors.New("engine.agent_command is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
