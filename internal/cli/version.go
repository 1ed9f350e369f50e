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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/modhost/internal/client"
)

type versionOutput struct {
	Version   string                  `json:"version"`
	Commit    string                  `json:"commit"`
	BuildDate string                  `json:"build_date"`
	Host      *client.VersionResponse `json:"host,omitempty"`
}

func newVersionCommand(a *app) *cobra.Command {
	var withHost bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := versionOutput{Version: a.info.Version, Commit: a.info.Commit, BuildDate: a.info.BuildDate}
			if withHost {
				c, err := a.client()
				if err != nil {
					return err
				}
				if out.Host, err = c.Version(cmd.Context()); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if a.json {
				return a.emitJSON(w, out)
			}
			fmt.Fprintf(w, "modhost %s (commit %s, built %s)\n", out.Version, out.Commit, out.BuildDate)
			if out.Host != nil {
				fmt.Fprintf(w, "host    %s (commit %s, built %s)\n", out.Host.Version, out.Host.Commit, out.Host.BuildDate)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withHost, "host-version", false, "Also query the running host")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show host health and load status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if a.json {
				return a.emitJSON(w, h)
			}
			p := a.painter(w)
			line := fmt.Sprintf("%s, %d/%d modules loaded, up %s", h.Load, h.Loaded, h.Modules, h.Uptime)
			if h.Status == "ok" {
				fmt.Fprintln(w, p.ok(line))
			} else {
				fmt.Fprintln(w, p.warn(h.Status+": "+line))
			}
			fmt.Fprintln(w, p.muted("version "+h.Version))
			return nil
		},
	}
}
