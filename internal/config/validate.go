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
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tombee/modhost/internal/log"
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	if !log.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != log.FormatJSON && c.Log.Format != log.FormatText {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Paths.DataDir == "" {
		errs = append(errs, "paths.data_dir is required")
	}
	if c.Paths.ModulesDir == "" {
		errs = append(errs, "paths.modules_dir is required")
	}

	switch c.Executor.Type {
	case "process", "thread":
	default:
		errs = append(errs, fmt.Sprintf("executor.type must be one of [process, thread], got %q", c.Executor.Type))
	}

	if c.Orchestrator.LoadTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.load_timeout must be positive, got %v", c.Orchestrator.LoadTimeout))
	}
	if c.Orchestrator.UnloadTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.unload_timeout must be positive, got %v", c.Orchestrator.UnloadTimeout))
	}
	if c.Orchestrator.RetryDelay < 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.retry_delay must not be negative, got %v", c.Orchestrator.RetryDelay))
	}

	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite store")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.type must be one of [memory, sqlite], got %q", c.Store.Type))
	}

	if c.Listen.SocketPath == "" && c.Listen.TCPAddr == "" {
		errs = append(errs, "listen requires socket_path or tcp_addr")
	}
	if c.Listen.TCPAddr != "" {
		if err := validateTCPAddr(c.Listen.TCPAddr, c.Listen.AllowRemote); err != nil {
			errs = append(errs, fmt.Sprintf("listen.tcp_addr: %v", err))
		}
	}

	if c.Discovery.Debounce < 0 {
		errs = append(errs, fmt.Sprintf("discovery.debounce must not be negative, got %v", c.Discovery.Debounce))
	}
	if c.Discovery.RateLimit < 0 {
		errs = append(errs, fmt.Sprintf("discovery.rate_limit must not be negative, got %d", c.Discovery.RateLimit))
	}

	if t := c.Observability.Tracing; t.Enabled {
		switch t.Exporter {
		case "stdout":
		case "otlp":
			if t.Endpoint == "" {
				errs = append(errs, "observability.tracing.endpoint is required for the otlp exporter")
			}
		default:
			errs = append(errs, fmt.Sprintf("observability.tracing.exporter must be one of [stdout, otlp], got %q", t.Exporter))
		}
	}

	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("shutdown_timeout must be positive, got %v", c.ShutdownTimeout))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateTCPAddr refuses non-loopback hosts unless remote access is allowed.
func validateTCPAddr(addr string, allowRemote bool) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if allowRemote {
		return nil
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%q is not a loopback address; set allow_remote to bind it", addr)
}
