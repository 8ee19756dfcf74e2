package config

import (
	"time"

	badgerstore "github.com/vietddude/outpost/internal/infra/storage/badger"
	"github.com/vietddude/outpost/internal/infra/storage/postgres"
	redisstore "github.com/vietddude/outpost/internal/infra/storage/redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Queue        QueueConfig        `yaml:"queue"`
	Retry        RetryConfig        `yaml:"retry"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// StorageConfig selects and configures the durable queue store.
type StorageConfig struct {
	Driver   string             `yaml:"driver"` // badger, postgres, redis, memory
	Badger   badgerstore.Config `yaml:"badger"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisstore.Config  `yaml:"redis"`
}

// UpstreamConfig points at the backend operations are replayed to.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// QueueConfig bounds the offline queue.
type QueueConfig struct {
	MaxItems       int `yaml:"max_items"`
	MaxDeadLetters int `yaml:"max_dead_letters"`
}

// RetryConfig tunes the per-call retry loop.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
}

// ConnectivityConfig tunes the reachability probe loop. ProbeURL
// defaults to the upstream base URL.
type ConnectivityConfig struct {
	ProbeURL          string        `yaml:"probe_url"`
	Interval          time.Duration `yaml:"interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	DegradedThreshold int           `yaml:"degraded_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
