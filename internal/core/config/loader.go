package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "badger"
	}
	if cfg.Storage.Badger.Path == "" {
		cfg.Storage.Badger.Path = "data/outpost"
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 800 * time.Millisecond
	}
	if cfg.Connectivity.Interval == 0 {
		cfg.Connectivity.Interval = 30 * time.Second
	}
	if cfg.Connectivity.ProbeURL == "" {
		cfg.Connectivity.ProbeURL = cfg.Upstream.BaseURL
	}
}

func validate(cfg *AppConfig) error {
	switch cfg.Storage.Driver {
	case "badger", "memory":
	case "postgres":
		if cfg.Storage.Database.URL == "" {
			return fmt.Errorf("storage driver postgres requires database.url")
		}
	case "redis":
		if cfg.Storage.Redis.URL == "" {
			return fmt.Errorf("storage driver redis requires redis.url")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	return nil
}
