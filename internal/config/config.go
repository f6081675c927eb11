// Package config loads engine configuration from a YAML file with
// environment-variable overrides for secrets and connection URLs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for both the intake server and the
// batch workers.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Engine   EngineConfig   `yaml:"engine"`
}

type HTTPConfig struct {
	Port string `yaml:"port"`
}

func (c *HTTPConfig) Setup() error {
	if p := os.Getenv("PORT"); p != "" {
		c.Port = p
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	return nil
}

type PostgresConfig struct {
	URL          string `yaml:"url"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

func (c *PostgresConfig) Setup() error {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		c.URL = u
	}
	return nil
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

func (c *RedisConfig) Setup() error {
	if u := os.Getenv("REDIS_URL"); u != "" {
		c.URL = u
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	return nil
}

type QueueConfig struct {
	Stream            string        `yaml:"stream"`
	Group             string        `yaml:"group"`
	WindowSize        int64         `yaml:"window_size"`        // orders consumed per batch
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"` // idle time before redelivery
	PollInterval      time.Duration `yaml:"poll_interval"`      // pause between empty polls
}

func (c *QueueConfig) Setup() error {
	if c.Stream == "" {
		c.Stream = "orders"
	}
	if c.Group == "" {
		c.Group = "order-workers"
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return nil
}

type EngineConfig struct {
	Atomic  bool `yaml:"atomic"`  // all-or-nothing batch mode
	Workers int  `yaml:"workers"` // concurrent batch workers
}

func (c *EngineConfig) Setup() error {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	return nil
}

// Load reads the YAML file at path (skipped when path is empty), then
// applies env overrides and defaults. A missing file is not an error when
// everything can come from the environment.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for _, section := range []interface{ Setup() error }{
		&cfg.HTTP, &cfg.Postgres, &cfg.Redis, &cfg.Queue, &cfg.Engine,
	} {
		if err := section.Setup(); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
