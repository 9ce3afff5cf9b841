// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Deployment modes.
const (
	ModeProduction = "production"
	ModePreprod    = "preprod"
	ModeTesting    = "testing"
	ModePreview    = "preview"
)

// DefaultQueuePrefix prefixes a tenant id to form its status queue name.
const DefaultQueuePrefix = "mob.subscriptions.status."

// Config holds all configuration for the consumer worker.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Log       LogConfig       `yaml:"log"`
	Health    HealthConfig    `yaml:"health"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BrokerConfig holds the AMQP connection settings.
type BrokerConfig struct {
	URL            string        `yaml:"url" env:"BUS_URL"` // Overrides address and credentials
	Address        string        `yaml:"address" env:"BUS_ADDRESS"`
	Username       string        `yaml:"username" env:"BUS_USERNAME"`
	Password       string        `yaml:"password" env:"BUS_PASSWORD"`
	Vhost          string        `yaml:"vhost" env:"BUS_VHOST"`
	ConnectionName string        `yaml:"connection_name" env:"BUS_CONNECTION_NAME"`
	DialTimeout    time.Duration `yaml:"dial_timeout" env:"BUS_DIAL_TIMEOUT"`
	Heartbeat      time.Duration `yaml:"heartbeat" env:"BUS_HEARTBEAT"`
	PrefetchCount  int           `yaml:"prefetch_count" env:"BUS_PREFETCH_COUNT"`
	PrefetchSize   int           `yaml:"prefetch_size" env:"BUS_PREFETCH_SIZE"`
}

// ConsumerConfig holds the consumer manager settings.
type ConsumerConfig struct {
	// Mode is the deployment mode. Connection retries are disabled in preview.
	Mode            string        `yaml:"mode" env:"LANDSCAPE"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"CONSUMER_RETRY_DELAY"`
	QueuePrefix     string        `yaml:"queue_prefix" env:"CONSUMER_QUEUE_PREFIX"`
	QueueCheckRate  float64       `yaml:"queue_check_rate" env:"CONSUMER_QUEUE_CHECK_RATE"`
	QueueCheckBurst int           `yaml:"queue_check_burst" env:"CONSUMER_QUEUE_CHECK_BURST"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-tenant queue check circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" env:"CONSUMER_BREAKER_THRESHOLD"` // 0 disables the breaker
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"CONSUMER_BREAKER_RESET_TIMEOUT"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"LOG_FORMAT"` // text, json
}

// HealthConfig holds the health server settings.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled" env:"HEALTH_ENABLED"`
	Addr            string        `yaml:"addr" env:"HEALTH_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled         bool          `yaml:"enabled" env:"OTEL_ENABLED"`
	Endpoint        string        `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName     string        `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	ServiceVersion  string        `yaml:"service_version"`
	Insecure        bool          `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ExportInterval  time.Duration `yaml:"export_interval" env:"OTEL_METRIC_EXPORT_INTERVAL"`
	TracesEnabled   bool          `yaml:"traces_enabled" env:"OTEL_TRACES_ENABLED"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Address:        "localhost:5672",
			Username:       "guest",
			Password:       "guest",
			Vhost:          "/",
			ConnectionName: "mob-subscription-consumer",
			DialTimeout:    10 * time.Second,
			Heartbeat:      60 * time.Second,
		},
		Consumer: ConsumerConfig{
			Mode:            ModeProduction,
			RetryDelay:      10 * time.Second,
			QueuePrefix:     DefaultQueuePrefix,
			QueueCheckRate:  50,
			QueueCheckBurst: 10,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled:         false,
			Addr:            ":8081",
			ShutdownTimeout: 5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "mob-subscription-consumer",
			ServiceVersion:  "1.0.0",
			Insecure:        true,
			ExportInterval:  10 * time.Second,
			TraceSampleRate: 0.1,
		},
	}
}

// Load reads the configuration from a YAML file, then applies environment
// overrides. Variables in envFile, when given, are loaded into the environment
// first without replacing variables that are already set.
func Load(filename, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Broker.URL == "" && c.Broker.Address == "" {
		return fmt.Errorf("broker.address or broker.url is required")
	}
	if c.Broker.DialTimeout < 0 {
		return fmt.Errorf("broker.dial_timeout cannot be negative")
	}
	if c.Broker.PrefetchCount < 0 || c.Broker.PrefetchSize < 0 {
		return fmt.Errorf("broker prefetch limits cannot be negative")
	}

	switch c.Consumer.Mode {
	case ModeProduction, ModePreprod, ModeTesting, ModePreview:
	default:
		return fmt.Errorf("consumer.mode must be one of production, preprod, testing, preview; got %q", c.Consumer.Mode)
	}
	if c.Consumer.RetryDelay <= 0 {
		return fmt.Errorf("consumer.retry_delay must be positive")
	}
	if c.Consumer.QueueCheckRate < 0 {
		return fmt.Errorf("consumer.queue_check_rate cannot be negative")
	}
	if c.Consumer.QueueCheckBurst < 0 {
		return fmt.Errorf("consumer.queue_check_burst cannot be negative")
	}
	if c.Consumer.Breaker.FailureThreshold > 0 && c.Consumer.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("consumer.breaker.reset_timeout must be positive when the breaker is enabled")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json; got %q", c.Log.Format)
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health is enabled")
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.ExportInterval <= 0 {
		return fmt.Errorf("telemetry.export_interval must be positive when telemetry is enabled")
	}
	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}

	return nil
}

// RetryEnabled reports whether lost connections are retried in the configured mode.
func (c ConsumerConfig) RetryEnabled() bool {
	return c.Mode != ModePreview
}

// QueueName returns the status queue of a tenant.
func (c ConsumerConfig) QueueName(tenant string) string {
	return c.QueuePrefix + tenant
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
