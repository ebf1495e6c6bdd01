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

// Package config loads runbookd configuration from a YAML file and the
// environment. Environment variables take precedence over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/runbook/pkg/errors"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "72h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete runbookd configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Catalog CatalogConfig `yaml:"catalog"`
	Engine  EngineConfig  `yaml:"engine"`
	Process ProcessConfig `yaml:"process"`
	Scanner ScannerConfig `yaml:"scanner"`
	Auth    AuthConfig    `yaml:"auth"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	// Environment: RUNBOOKD_ADDR
	Addr string `yaml:"addr,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	// Environment: RUNBOOKD_LOG_LEVEL
	Level string `yaml:"level,omitempty"`

	// Format is the log format (text, json).
	// Environment: RUNBOOKD_LOG_FORMAT
	Format string `yaml:"format,omitempty"`
}

// StoreConfig configures the storage backend.
type StoreConfig struct {
	// Backend is the storage type: "sqlite" or "memory".
	Backend string `yaml:"backend,omitempty"`

	// Path is the SQLite database path (backend=sqlite).
	// Environment: RUNBOOKD_DB_PATH
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging for SQLite.
	WAL bool `yaml:"wal"`
}

// CatalogConfig configures the verb catalog.
type CatalogConfig struct {
	// Dir is the directory holding verb definition files.
	// Environment: RUNBOOKD_CATALOG_DIR
	Dir string `yaml:"dir,omitempty"`

	// Pattern selects definition files within Dir.
	Pattern string `yaml:"pattern,omitempty"`

	// Watch enables hot reload on file changes.
	Watch bool `yaml:"watch"`
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	// WorkerID identifies this instance on step leases. Defaults to the
	// hostname.
	WorkerID string `yaml:"worker_id,omitempty"`

	// MaxParallel bounds concurrent step execution per advance pass.
	MaxParallel int `yaml:"max_parallel,omitempty"`

	// SyncTimeout bounds each sync handler attempt.
	SyncTimeout Duration `yaml:"sync_timeout,omitempty"`

	// RetryAttempts is the number of retries for retryable sync failures.
	RetryAttempts int `yaml:"retry_attempts,omitempty"`

	// RetryBackoff is the initial retry delay, doubled per attempt.
	RetryBackoff Duration `yaml:"retry_backoff,omitempty"`

	// DurableTimeout bounds durable waits with no explicit timeout.
	DurableTimeout Duration `yaml:"durable_timeout,omitempty"`

	// DispatchRate throttles process starts per second. Zero disables
	// throttling.
	DispatchRate float64 `yaml:"dispatch_rate,omitempty"`

	// DispatchBurst is the dispatch limiter burst size.
	DispatchBurst int `yaml:"dispatch_burst,omitempty"`
}

// ProcessConfig configures the external process engine client.
type ProcessConfig struct {
	// BaseURL is the process engine API root.
	// Environment: RUNBOOKD_PROCESS_URL
	BaseURL string `yaml:"base_url,omitempty"`

	// Token authenticates toward the process engine.
	// Environment: RUNBOOKD_PROCESS_TOKEN
	Token string `yaml:"token,omitempty"`

	// Timeout bounds each request.
	Timeout Duration `yaml:"timeout,omitempty"`

	// RetryAttempts is the per-request retry budget.
	RetryAttempts int `yaml:"retry_attempts,omitempty"`

	// RetryBackoff is the initial retry delay.
	RetryBackoff Duration `yaml:"retry_backoff,omitempty"`
}

// ScannerConfig configures the timeout scanner.
type ScannerConfig struct {
	// Interval is how often expired invocations are swept.
	// Environment: RUNBOOKD_SCANNER_INTERVAL
	Interval Duration `yaml:"interval,omitempty"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// JWTSecret is the HS256 signing key. Empty disables auth.
	// Environment: RUNBOOKD_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// Issuer is the expected issuer claim.
	Issuer string `yaml:"issuer,omitempty"`

	// Audience is the expected audience claim.
	Audience string `yaml:"audience,omitempty"`

	// ClockSkew is the allowed clock skew validating time claims.
	ClockSkew Duration `yaml:"clock_skew,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled activates span export.
	// Environment: RUNBOOKD_TRACING_ENABLED
	Enabled bool `yaml:"enabled"`

	// Exporter is the span destination: "otlp", "otlp-http", "console",
	// or "none".
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP receiver address.
	// Environment: RUNBOOKD_OTLP_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables transport security toward the receiver.
	Insecure bool `yaml:"insecure"`

	// SampleRate is the fraction of traces to record (0.0 - 1.0).
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "runbook.db",
			WAL:     true,
		},
		Catalog: CatalogConfig{
			Dir:     "verbs",
			Pattern: "**/*.{yaml,yml}",
			Watch:   true,
		},
		Engine: EngineConfig{
			MaxParallel:    8,
			SyncTimeout:    Duration(60 * time.Second),
			RetryAttempts:  2,
			RetryBackoff:   Duration(250 * time.Millisecond),
			DurableTimeout: Duration(72 * time.Hour),
		},
		Process: ProcessConfig{
			Timeout:       Duration(30 * time.Second),
			RetryAttempts: 3,
			RetryBackoff:  Duration(500 * time.Millisecond),
		},
		Scanner: ScannerConfig{
			Interval: Duration(30 * time.Second),
		},
		Tracing: TracingConfig{
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}

// Load loads configuration from a YAML file and the environment.
// Environment variables take precedence. An empty path uses defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values so minimal config files work.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}
	if c.Catalog.Dir == "" {
		c.Catalog.Dir = defaults.Catalog.Dir
	}
	if c.Catalog.Pattern == "" {
		c.Catalog.Pattern = defaults.Catalog.Pattern
	}
	if c.Engine.MaxParallel == 0 {
		c.Engine.MaxParallel = defaults.Engine.MaxParallel
	}
	if c.Engine.SyncTimeout == 0 {
		c.Engine.SyncTimeout = defaults.Engine.SyncTimeout
	}
	if c.Engine.RetryAttempts == 0 {
		c.Engine.RetryAttempts = defaults.Engine.RetryAttempts
	}
	if c.Engine.RetryBackoff == 0 {
		c.Engine.RetryBackoff = defaults.Engine.RetryBackoff
	}
	if c.Engine.DurableTimeout == 0 {
		c.Engine.DurableTimeout = defaults.Engine.DurableTimeout
	}
	if c.Engine.WorkerID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Engine.WorkerID = host
		} else {
			c.Engine.WorkerID = "runbookd"
		}
	}
	if c.Process.Timeout == 0 {
		c.Process.Timeout = defaults.Process.Timeout
	}
	if c.Process.RetryAttempts == 0 {
		c.Process.RetryAttempts = defaults.Process.RetryAttempts
	}
	if c.Process.RetryBackoff == 0 {
		c.Process.RetryBackoff = defaults.Process.RetryBackoff
	}
	if c.Scanner.Interval == 0 {
		c.Scanner.Interval = defaults.Scanner.Interval
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = defaults.Tracing.SampleRate
	}
}

// loadFromEnv overrides configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("RUNBOOKD_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("RUNBOOKD_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("RUNBOOKD_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("RUNBOOKD_DB_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("RUNBOOKD_CATALOG_DIR"); val != "" {
		c.Catalog.Dir = val
	}
	if val := os.Getenv("RUNBOOKD_WORKER_ID"); val != "" {
		c.Engine.WorkerID = val
	}
	if val := os.Getenv("RUNBOOKD_PROCESS_URL"); val != "" {
		c.Process.BaseURL = val
	}
	if val := os.Getenv("RUNBOOKD_PROCESS_TOKEN"); val != "" {
		c.Process.Token = val
	}
	if val := os.Getenv("RUNBOOKD_JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}
	if val := os.Getenv("RUNBOOKD_SCANNER_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Scanner.Interval = Duration(d)
		}
	}
	if val := os.Getenv("RUNBOOKD_TRACING_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Tracing.Enabled = b
		}
	}
	if val := os.Getenv("RUNBOOKD_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return &errors.ConfigError{Key: "store.path", Reason: "required for sqlite backend"}
		}
	case "memory":
	default:
		return &errors.ConfigError{Key: "store.backend", Reason: fmt.Sprintf("unknown backend %q", c.Store.Backend)}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &errors.ConfigError{Key: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return &errors.ConfigError{Key: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return &errors.ConfigError{Key: "tracing.sample_rate", Reason: "must be between 0.0 and 1.0"}
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "otlp-http", "otlp_http", "console", "none":
		default:
			return &errors.ConfigError{Key: "tracing.exporter", Reason: fmt.Sprintf("unknown exporter %q", c.Tracing.Exporter)}
		}
	}

	return nil
}
