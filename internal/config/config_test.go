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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MODHOST_DEBUG", "MODHOST_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE",
		"MODHOST_DATA_DIR", "MODHOST_MODULES_DIR", "MODHOST_EXECUTOR", "MODHOST_STORE",
		"MODHOST_LOAD_TIMEOUT", "MODHOST_TCP_ADDR", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "process", cfg.Executor.Type)
	assert.Equal(t, 120*time.Second, cfg.Orchestrator.LoadTimeout)
	assert.Equal(t, 120*time.Second, cfg.Orchestrator.UnloadTimeout)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.RetryDelay)
	assert.Equal(t, filepath.Join(cfg.Paths.DataDir, "modules"), cfg.Paths.ModulesDir)
	assert.True(t, cfg.Discovery.Watch)
}

func TestLoad_NoFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Paths.DataDir, "modhost.db"), cfg.Store.Path)
}

func TestLoad_FileAndEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
paths:
  data_dir: `+dir+`
executor:
  type: thread
  uniform: true
orchestrator:
  load_timeout: 5s
store:
  type: memory
discovery:
  watch: false
`), 0o600))

	t.Setenv("MODHOST_LOAD_TIMEOUT", "9s")
	t.Setenv("MODHOST_RETRY_DELAY", "not-a-duration")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "thread", cfg.Executor.Type)
	assert.True(t, cfg.Executor.Uniform)
	assert.Equal(t, 9*time.Second, cfg.Orchestrator.LoadTimeout, "env wins over file")
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.RetryDelay, "bad env value is ignored")
	assert.Equal(t, filepath.Join(dir, "modules"), cfg.Paths.ModulesDir)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.False(t, cfg.Discovery.Watch)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	var cfgErr *modhosterrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "config_file", cfgErr.Key)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("executor:\n  type: vm\n"), 0o600))
	_, err = Load(bad)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "validation", cfgErr.Key)
	assert.Contains(t, err.Error(), "executor.type")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		errText string
	}{
		{name: "defaults", modify: func(*Config) {}},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "loud" },
			errText: "log.level",
		},
		{
			name:    "non-positive load timeout",
			modify:  func(c *Config) { c.Orchestrator.LoadTimeout = 0 },
			errText: "orchestrator.load_timeout",
		},
		{
			name:    "unknown store",
			modify:  func(c *Config) { c.Store.Type = "redis" },
			errText: "store.type",
		},
		{
			name:    "remote tcp without allow_remote",
			modify:  func(c *Config) { c.Listen.TCPAddr = "0.0.0.0:9000" },
			errText: "not a loopback address",
		},
		{
			name: "remote tcp allowed",
			modify: func(c *Config) {
				c.Listen.TCPAddr = "0.0.0.0:9000"
				c.Listen.AllowRemote = true
			},
		},
		{
			name:   "loopback tcp",
			modify: func(c *Config) { c.Listen.TCPAddr = "127.0.0.1:9000" },
		},
		{
			name: "otlp without endpoint",
			modify: func(c *Config) {
				c.Observability.Tracing.Enabled = true
				c.Observability.Tracing.Exporter = "otlp"
			},
			errText: "observability.tracing.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Store.Path = "/tmp/modhost.db"
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.errText == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestConfigDir(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)

	path, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "modhost", "config.yaml"), path)
	assert.DirExists(t, filepath.Join(base, "modhost"))
}
