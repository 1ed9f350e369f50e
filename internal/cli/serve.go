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

package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/modhost/internal/daemon"
	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/worker"
)

func newServeCommand(a *app) *cobra.Command {
	var opts daemon.RunOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the module host in the foreground",
		Long: `Run the module host in the foreground until interrupted.

The host registers every module found in the modules directory, loads them
in dependency order and serves the control API on a Unix socket (or a
loopback TCP address with --tcp-addr). New module directories are picked
up automatically unless --no-watch is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Version = a.info.Version
			opts.Commit = a.info.Commit
			opts.BuildDate = a.info.BuildDate
			opts.ConfigPath = a.configPath
			return daemon.Run(opts)
		},
	}

	addServeFlags(cmd.Flags(), &opts)
	return cmd
}

func addServeFlags(f *pflag.FlagSet, opts *daemon.RunOptions) {
	f.StringVar(&opts.ModulesDir, "modules-dir", "", "Directory holding installed modules")
	f.StringVar(&opts.DataDir, "data-dir", "", "Directory for host state and module data")
	f.StringVar(&opts.SocketPath, "socket", "", "Unix socket path for the control API")
	f.StringVar(&opts.TCPAddr, "tcp-addr", "", "Serve the control API on this TCP address instead of a socket")
	f.BoolVar(&opts.AllowRemote, "allow-remote", false, "Allow a non-loopback --tcp-addr")
	f.StringVar(&opts.Executor, "executor", "", "Default executor: process or thread")
	f.BoolVar(&opts.NoWatch, "no-watch", false, "Do not watch the modules directory for new modules")
	f.SortFlags = false
}

// newWorkerCommand is the entry point the process executor re-executes.
// Stdout carries the worker protocol, so logs go to stderr.
func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run a single module (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := log.FromEnv()
			cfg.Output = os.Stderr
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return worker.Main(ctx, log.New(cfg))
		},
	}
}
