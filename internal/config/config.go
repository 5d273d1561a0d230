// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads engine configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/ratchet/pkg/errors"
)

// Config is the top-level configuration for the engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds admin API server settings.
type ServerConfig struct {
	// ListenAddr is the address the admin API binds to.
	ListenAddr string `yaml:"listen_addr"`

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds durable store settings.
type DatabaseConfig struct {
	// Driver selects the backend: "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// URL is the connection string: a file path for sqlite, a
	// postgres:// URL for postgres.
	URL string `yaml:"url"`

	// MaxOpenConns limits the connection pool (postgres only).
	MaxOpenConns int `yaml:"max_open_conns"`
}

// RedisConfig holds queue transport settings.
type RedisConfig struct {
	// URL is the Redis connection URL.
	URL string `yaml:"url"`
}

// QueueConfig holds task queue behavior settings.
type QueueConfig struct {
	// Name prefixes every Redis key the queue owns.
	Name string `yaml:"name"`

	// ProcessingTimeout is the visibility timeout for dequeued messages.
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`

	// MaxAttempts caps message delivery attempts before DLQ routing.
	MaxAttempts int `yaml:"max_attempts"`
}

// WorkerConfig holds worker process settings.
type WorkerConfig struct {
	// Concurrency is the number of concurrent dequeue loops per process.
	Concurrency int `yaml:"concurrency"`

	// RetryBaseDelay is the base for per-step exponential backoff.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps per-step backoff sleeps.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`

	// DequeueTimeout is the blocking timeout for a single dequeue.
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`

	// RecoveryInterval is how often the stale-message sweep runs.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			URL:          "ratchet.db",
			MaxOpenConns: 10,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Queue: QueueConfig{
			Name:              "workflow_tasks",
			ProcessingTimeout: 30 * time.Second,
			MaxAttempts:       3,
		},
		Worker: WorkerConfig{
			Concurrency:      4,
			RetryBaseDelay:   1 * time.Second,
			RetryMaxDelay:    300 * time.Second,
			DequeueTimeout:   5 * time.Second,
			RecoveryInterval: 60 * time.Second,
		},
	}
}

// Load reads configuration from the given YAML file (if path is non-empty
// and the file exists) and then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, &errors.ConfigError{Key: "file", Reason: "cannot read config file", Cause: err}
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: "invalid YAML", Cause: err}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables. Variable names match
// the deployment documentation; durations expressed in seconds.
func (c *Config) applyEnv() {
	setString(&c.Server.ListenAddr, "LISTEN_ADDR")
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Queue.Name, "QUEUE_NAME")
	setSeconds(&c.Queue.ProcessingTimeout, "QUEUE_PROCESSING_TIMEOUT")
	setInt(&c.Queue.MaxAttempts, "MAX_RETRIES")
	setInt(&c.Worker.Concurrency, "WORKER_CONCURRENCY")
	setSecondsFloat(&c.Worker.RetryBaseDelay, "RETRY_BASE_DELAY")
	setSecondsFloat(&c.Worker.RetryMaxDelay, "RETRY_MAX_DELAY")
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return &errors.ConfigError{Key: "database.driver", Reason: "must be sqlite or postgres"}
	}
	if c.Database.URL == "" {
		return &errors.ConfigError{Key: "database.url", Reason: "must not be empty"}
	}
	if c.Queue.Name == "" {
		return &errors.ConfigError{Key: "queue.name", Reason: "must not be empty"}
	}
	if c.Queue.ProcessingTimeout <= 0 {
		return &errors.ConfigError{Key: "queue.processing_timeout", Reason: "must be positive"}
	}
	if c.Queue.MaxAttempts < 1 {
		return &errors.ConfigError{Key: "queue.max_attempts", Reason: "must be at least 1"}
	}
	if c.Worker.Concurrency < 1 {
		return &errors.ConfigError{Key: "worker.concurrency", Reason: "must be at least 1"}
	}
	if c.Worker.RetryBaseDelay <= 0 || c.Worker.RetryMaxDelay < c.Worker.RetryBaseDelay {
		return &errors.ConfigError{Key: "worker.retry_base_delay", Reason: "base delay must be positive and not exceed max delay"}
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

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func setSecondsFloat(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}
