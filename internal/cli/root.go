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

// Package cli implements the modhost command line: the host itself
// (serve), the hidden worker entry point and commands that manage a
// running host over its control API.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tombee/modhost/internal/cli/prompt"
	"github.com/tombee/modhost/internal/client"
	"github.com/tombee/modhost/internal/config"
	"github.com/tombee/modhost/internal/log"
)

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// app holds state shared by every command of one invocation.
type app struct {
	info BuildInfo

	configPath string
	host       string
	json       bool
	quiet      bool
	verbose    bool

	confirm prompt.Confirmer
}

// NewRootCommand creates the modhost root command.
func NewRootCommand(info BuildInfo) *cobra.Command {
	return newRoot(&app{info: info, confirm: prompt.HuhConfirmer{}})
}

func newRoot(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modhost",
		Short: "modhost - pluggable module host",
		Long: `modhost loads, supervises and unloads pluggable modules. Each module runs
in its own worker, in dependency order, with per-module restart policies.

Run 'modhost serve' to start the host, then manage it with 'modhost modules'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if a.verbose {
				cfg := log.DefaultConfig()
				cfg.Level = "debug"
				cfg.Output = cmd.ErrOrStderr()
				slog.SetDefault(log.New(cfg))
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to config file (default: ~/.config/modhost/config.yaml)")
	flags.StringVar(&a.host, "host", "", "Host address, unix:///path or tcp://host:port (env: "+client.HostEnv+")")
	flags.BoolVar(&a.json, "json", false, "Output in JSON format")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "Suppress non-error output")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Log requests to the host on stderr")

	cmd.AddCommand(
		newServeCommand(a),
		newWorkerCommand(),
		newModulesCommand(a),
		newStatusCommand(a),
		newVersionCommand(a),
	)
	return cmd
}

// client dials --host when given, then MODHOST_HOST, then the address the
// config file says the host listens on.
func (a *app) client() (*client.Client, error) {
	if a.host != "" {
		t, err := client.ParseHost(a.host)
		if err != nil {
			return nil, err
		}
		return client.New(client.WithTransport(t), client.WithUserAgent(a.userAgent()))
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return client.FromEnvironment(cfg.Listen, client.WithUserAgent(a.userAgent()))
}

func (a *app) userAgent() string {
	return client.DefaultUserAgent + "/" + a.info.Version
}

func (a *app) painter(w io.Writer) painter {
	return painter{color: isTTY(w)}
}

func (a *app) emitJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// say writes a status line unless --quiet is set.
func (a *app) say(w io.Writer, line string) {
	if !a.quiet {
		fmt.Fprintln(w, line)
	}
}
