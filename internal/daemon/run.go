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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/modhost/internal/config"
	"github.com/tombee/modhost/internal/log"
)

// RunOptions configures a foreground host run.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	ConfigPath string

	// Overrides applied after the config is loaded.
	ModulesDir  string
	DataDir     string
	SocketPath  string
	TCPAddr     string
	AllowRemote bool
	Executor    string
	NoWatch     bool
}

// Run loads the config, starts the host and blocks until SIGINT or SIGTERM.
func Run(opts RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := log.New(&cfg.Log)
	slog.SetDefault(logger)
	if cfg.Listen.AllowRemote {
		logger.Warn("allow_remote is enabled. The control API accepts connections from any network address.")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := New(ctx, cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to create daemon", log.Error(err))
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	runErr := d.Start(ctx)
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "\nshutting down...")
	}

	if err := d.Shutdown(context.Background()); err != nil {
		logger.Error("Error during shutdown", log.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("shutdown error: %w", err)
		}
	}
	return runErr
}

func applyOverrides(cfg *config.Config, opts RunOptions) {
	if opts.DataDir != "" {
		cfg.Paths.DataDir = opts.DataDir
	}
	if opts.ModulesDir != "" {
		cfg.Paths.ModulesDir = opts.ModulesDir
	}
	if opts.SocketPath != "" {
		cfg.Listen.SocketPath = opts.SocketPath
	}
	if opts.TCPAddr != "" {
		cfg.Listen.TCPAddr = opts.TCPAddr
	}
	if opts.AllowRemote {
		cfg.Listen.AllowRemote = true
	}
	if opts.Executor != "" {
		cfg.Executor.Type = opts.Executor
	}
	if opts.NoWatch {
		cfg.Discovery.Watch = false
	}
}
