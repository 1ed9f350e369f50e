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

// Package config loads the host configuration from defaults, an optional
// YAML file and MODHOST_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/modhost/internal/log"
	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

// Config is the complete host configuration.
type Config struct {
	Log           log.Config          `yaml:"log"`
	Paths         PathsConfig         `yaml:"paths"`
	Executor      ExecutorConfig      `yaml:"executor"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Store         StoreConfig         `yaml:"store"`
	Listen        ListenConfig        `yaml:"listen"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Observability ObservabilityConfig `yaml:"observability"`

	// PIDFile is written while the host runs. Empty disables it.
	PIDFile string `yaml:"pid_file,omitempty"`

	// ShutdownTimeout bounds unloading every module on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// PathsConfig locates module and data directories.
type PathsConfig struct {
	// DataDir is the root under which each module gets a data directory.
	DataDir string `yaml:"data_dir,omitempty"`

	// ModulesDir holds one directory per installed module.
	ModulesDir string `yaml:"modules_dir,omitempty"`

	// BaseDir holds the host's own module.json. Optional.
	BaseDir string `yaml:"base_dir,omitempty"`
}

// ExecutorConfig selects how workers run.
type ExecutorConfig struct {
	// Type is the default executor: process or thread.
	Type string `yaml:"type,omitempty"`

	// Uniform forces every module onto Type, ignoring module.json.
	Uniform bool `yaml:"uniform"`

	// WorkerBinary overrides the executable started for process workers.
	WorkerBinary string `yaml:"worker_binary,omitempty"`
}

// OrchestratorConfig holds load and unload timing.
type OrchestratorConfig struct {
	LoadTimeout   time.Duration `yaml:"load_timeout,omitempty"`
	UnloadTimeout time.Duration `yaml:"unload_timeout,omitempty"`
	RetryDelay    time.Duration `yaml:"retry_delay,omitempty"`
}

// StoreConfig selects the registry backend.
type StoreConfig struct {
	// Type is memory or sqlite.
	Type string `yaml:"type,omitempty"`

	// Path is the sqlite database file. Default: <data_dir>/modhost.db.
	Path string `yaml:"path,omitempty"`
}

// ListenConfig configures the control API listener.
type ListenConfig struct {
	// SocketPath is the Unix socket path (default).
	SocketPath string `yaml:"socket_path,omitempty"`

	// TCPAddr is an optional TCP address to listen on (e.g., ":9000").
	TCPAddr string `yaml:"tcp_addr,omitempty"`

	// AllowRemote must be true to bind to non-localhost TCP addresses.
	AllowRemote bool `yaml:"allow_remote"`
}

// DiscoveryConfig configures watching the modules directory.
type DiscoveryConfig struct {
	Watch     bool          `yaml:"watch"`
	Debounce  time.Duration `yaml:"debounce,omitempty"`
	Ignore    []string      `yaml:"ignore,omitempty"`
	RateLimit int           `yaml:"rate_limit,omitempty"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics exposes /metrics on the control API.
	Metrics bool `yaml:"metrics"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is stdout or otlp.
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP/HTTP collector address for the otlp exporter.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for the otlp exporter.
	Insecure bool `yaml:"insecure"`

	ServiceName string `yaml:"service_name,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Log: log.Config{
			Level:  "info",
			Format: log.FormatText,
		},
		Paths: PathsConfig{
			DataDir:    dataDir,
			ModulesDir: filepath.Join(dataDir, "modules"),
		},
		Executor: ExecutorConfig{
			Type: "process",
		},
		Orchestrator: OrchestratorConfig{
			LoadTimeout:   120 * time.Second,
			UnloadTimeout: 120 * time.Second,
			RetryDelay:    2 * time.Second,
		},
		Store: StoreConfig{
			Type: "sqlite",
		},
		Listen: ListenConfig{
			SocketPath: defaultSocketPath(),
		},
		Discovery: DiscoveryConfig{
			Watch:     true,
			Debounce:  500 * time.Millisecond,
			RateLimit: 60,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Exporter:    "stdout",
				ServiceName: "modhost",
			},
			Metrics: true,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds the configuration. If configPath is empty, only defaults and
// environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &modhosterrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &modhosterrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Paths.DataDir == "" {
		c.Paths.DataDir = defaults.Paths.DataDir
	}
	if c.Paths.ModulesDir == "" {
		c.Paths.ModulesDir = filepath.Join(c.Paths.DataDir, "modules")
	}

	if c.Executor.Type == "" {
		c.Executor.Type = defaults.Executor.Type
	}

	if c.Orchestrator.LoadTimeout == 0 {
		c.Orchestrator.LoadTimeout = defaults.Orchestrator.LoadTimeout
	}
	if c.Orchestrator.UnloadTimeout == 0 {
		c.Orchestrator.UnloadTimeout = defaults.Orchestrator.UnloadTimeout
	}
	if c.Orchestrator.RetryDelay == 0 {
		c.Orchestrator.RetryDelay = defaults.Orchestrator.RetryDelay
	}

	if c.Store.Type == "" {
		c.Store.Type = defaults.Store.Type
	}
	if c.Store.Type == "sqlite" && c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Paths.DataDir, "modhost.db")
	}

	if c.Listen.SocketPath == "" && c.Listen.TCPAddr == "" {
		c.Listen.SocketPath = defaults.Listen.SocketPath
	}

	if c.Discovery.Debounce == 0 {
		c.Discovery.Debounce = defaults.Discovery.Debounce
	}

	if c.Observability.Tracing.Exporter == "" {
		c.Observability.Tracing.Exporter = defaults.Observability.Tracing.Exporter
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = defaults.Observability.Tracing.ServiceName
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}
}

func (c *Config) loadFromFile(path string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
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

// loadFromEnv overlays MODHOST_* variables. Unparseable values are ignored.
func (c *Config) loadFromEnv() {
	c.Log.ApplyEnv()

	if val := os.Getenv("MODHOST_DATA_DIR"); val != "" {
		c.Paths.DataDir = val
	}
	if val := os.Getenv("MODHOST_MODULES_DIR"); val != "" {
		c.Paths.ModulesDir = val
	}
	if val := os.Getenv("MODHOST_BASE_DIR"); val != "" {
		c.Paths.BaseDir = val
	}

	if val := os.Getenv("MODHOST_EXECUTOR"); val != "" {
		c.Executor.Type = strings.ToLower(val)
	}
	if val, ok := envBool("MODHOST_EXECUTOR_UNIFORM"); ok {
		c.Executor.Uniform = val
	}

	if val, ok := envDuration("MODHOST_LOAD_TIMEOUT"); ok {
		c.Orchestrator.LoadTimeout = val
	}
	if val, ok := envDuration("MODHOST_UNLOAD_TIMEOUT"); ok {
		c.Orchestrator.UnloadTimeout = val
	}
	if val, ok := envDuration("MODHOST_RETRY_DELAY"); ok {
		c.Orchestrator.RetryDelay = val
	}

	if val := os.Getenv("MODHOST_STORE"); val != "" {
		c.Store.Type = strings.ToLower(val)
	}
	if val := os.Getenv("MODHOST_STORE_PATH"); val != "" {
		c.Store.Path = val
	}

	if val := os.Getenv("MODHOST_SOCKET"); val != "" {
		c.Listen.SocketPath = val
	}
	if val := os.Getenv("MODHOST_TCP_ADDR"); val != "" {
		c.Listen.TCPAddr = val
	}
	if val, ok := envBool("MODHOST_ALLOW_REMOTE"); ok {
		c.Listen.AllowRemote = val
	}
	if val := os.Getenv("MODHOST_PID_FILE"); val != "" {
		c.PIDFile = val
	}

	if val, ok := envBool("MODHOST_WATCH"); ok {
		c.Discovery.Watch = val
	}

	if val, ok := envBool("MODHOST_TRACING"); ok {
		c.Observability.Tracing.Enabled = val
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Observability.Tracing.Exporter = "otlp"
		c.Observability.Tracing.Endpoint = val
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, false
	}
	return b, true
}

func envDuration(key string) (time.Duration, bool) {
	val := os.Getenv(key)
	if val == "" {
		return 0, false
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, false
	}
	return d, true
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
