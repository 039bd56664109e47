// Package config loads the coordinator's declarative YAML configuration
// (SPEC_FULL.md §2A/§6.3), applying defaults in code so a zero-value
// document still produces a runnable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the coordinator's top-level configuration document.
type Config struct {
	ServiceName string `yaml:"serviceName"`

	LeaseSeconds          int  `yaml:"leaseSeconds"`
	DrainTimeoutSeconds   int  `yaml:"drainTimeoutSeconds"`
	BatchSize             int  `yaml:"batchSize"`
	PartitionCount        int  `yaml:"partitionCount"`
	StaleCutoffSeconds    int  `yaml:"staleCutoffSeconds"`
	MaxAttempts           int  `yaml:"maxAttempts"`
	DebugMode             bool `yaml:"debugMode"`
	LocalOnlySystemEvents bool `yaml:"localOnlySystemEvents"`

	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DatabaseConfig is the production Postgres connection.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Schema   string `yaml:"schema"`
	PoolSize int    `yaml:"poolSize"`
}

// LogConfig mirrors pkg/log.Config's options.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the /metrics HTTP listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DrainTimeout is DrainTimeoutSeconds as a time.Duration, for callers
// building a shutdown-deadline context.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// StaleCutoff is StaleCutoffSeconds as a time.Duration.
func (c Config) StaleCutoff() time.Duration {
	return time.Duration(c.StaleCutoffSeconds) * time.Second
}

// Default returns the built-in configuration with no file applied, for
// callers that run without a config path.
func Default() Config {
	return defaults()
}

func defaults() Config {
	return Config{
		ServiceName:           "workcoord",
		LeaseSeconds:          300,
		DrainTimeoutSeconds:   30,
		BatchSize:             100,
		PartitionCount:        10000,
		StaleCutoffSeconds:    60,
		MaxAttempts:           10,
		DebugMode:             false,
		LocalOnlySystemEvents: false,
		Database: DatabaseConfig{
			Schema:   "public",
			PoolSize: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads path, unmarshals it over the default configuration (so a
// YAML document can override only the fields it sets), and returns the
// merged result. A missing file is an error; an empty file is not.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
