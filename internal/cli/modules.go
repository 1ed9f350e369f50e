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
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/modhost/internal/cli/prompt"
	"github.com/tombee/modhost/internal/cli/timeline"
	"github.com/tombee/modhost/internal/module"
)

func newModulesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "modules",
		Aliases: []string{"module", "mod"},
		Short:   "Manage modules on a running host",
	}
	cmd.AddCommand(
		newModulesListCommand(a),
		newModulesGetCommand(a),
		newModulesLoadCommand(a),
		newModulesUnloadCommand(a),
		newModulesUninstallCommand(a),
		newModulesInstallCommand(a),
		newModulesEventsCommand(a),
		newModulesDisplayNameCommand(a),
		newModulesDataDirCommand(a),
	)
	return cmd
}

func newModulesListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered modules",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			mods, err := c.Modules(cmd.Context())
			if err != nil {
				return err
			}
			return a.printModules(cmd.OutOrStdout(), mods)
		},
	}
}

func newModulesGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Show one module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			d, err := c.Module(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if a.json {
				return a.emitJSON(w, d)
			}
			p := a.painter(w)
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "%s\t%s\n", p.muted("Name:"), d.Name)
			fmt.Fprintf(tw, "%s\t%s\n", p.muted("Display name:"), d.Label())
			fmt.Fprintf(tw, "%s\t%s\n", p.muted("Version:"), orDash(d.Version))
			fmt.Fprintf(tw, "%s\t%s\n", p.muted("Status:"), moduleState(d))
			fmt.Fprintf(tw, "%s\t%s\n", p.muted("Restart policy:"), d.Policy())
			fmt.Fprintf(tw, "%s\t%s\n", p.muted("Dependencies:"), orDash(formatDeps(d)))
			fmt.Fprintf(tw, "%s\t%s\n", p.muted("Scopes:"), orDash(strings.Join(d.Scopes, ", ")))
			fmt.Fprintf(tw, "%s\t%s\n", p.muted("Installed in:"), orDash(d.InstalledDir))
			if d.LoadError != nil {
				fmt.Fprintf(tw, "%s\t%s\n", p.muted("Load error:"), p.error(fmt.Sprintf("%s: %s", d.LoadError.Code, d.LoadError.Message)))
			}
			return tw.Flush()
		},
	}
}

func newModulesLoadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load every registered module that is not loaded",
		Long: `Run a load over all registered modules in dependency order. Modules that
are already loaded are left alone. A run already in progress is joined.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			mods, err := c.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			return a.printModules(cmd.OutOrStdout(), mods)
		},
	}
}

func newModulesUnloadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unload <name>",
		Short: "Unload a module and everything that depends on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Unload(cmd.Context(), args[0], false); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			a.say(w, a.painter(w).ok("Unloaded "+args[0]))
			return nil
		},
	}
}

func newModulesUninstallCommand(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Unload a module and delete its files",
		Long: `Unload a module, together with every module that depends on it, then
remove its install directory and forget it. Asks for confirmation unless
--yes is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			err := prompt.Require(cmd.Context(), a.confirm, yes,
				fmt.Sprintf("Uninstall module %q?", name),
				"Its dependents are unloaded and its install directory is deleted.")
			if err != nil {
				return err
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Unload(cmd.Context(), name, true); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			a.say(w, a.painter(w).ok("Uninstalled "+name))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newModulesInstallCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "install <dir>",
		Short: "Install an unpacked module directory and load it",
		Long: `Move an unpacked module directory (one containing module.json) into the
host's modules directory, register it and load it. A module with the same
name is unloaded and replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(filepath.Join(dir, module.ManifestFile)); err != nil {
				return &ExitError{Code: ExitUsage, Message: fmt.Sprintf("%s is not a module directory", dir), Cause: err}
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			d, err := c.Install(cmd.Context(), dir)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if a.json {
				return a.emitJSON(w, d)
			}
			p := a.painter(w)
			switch {
			case d.LoadError != nil:
				a.say(w, p.warn(fmt.Sprintf("Installed %s but it failed to load: %s", d.Name, d.LoadError.Message)))
			default:
				a.say(w, p.ok(fmt.Sprintf("Installed %s (%s)", d.Name, moduleState(d))))
			}
			return nil
		},
	}
}

func newModulesEventsCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <name>",
		Short: "Show a module's lifecycle history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			events, err := c.Events(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if a.json {
				return a.emitJSON(w, events)
			}
			if len(events) == 0 {
				fmt.Fprintf(w, "No events recorded for %s.\n", args[0])
				return nil
			}
			r := &timeline.Renderer{Width: timeline.DefaultWidth}
			if f, ok := w.(*os.File); ok {
				r = timeline.NewRenderer(int(f.Fd()))
			}
			out, err := r.Render(args[0], events)
			if err != nil {
				return err
			}
			_, err = io.WriteString(w, out)
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events")
	return cmd
}

func newModulesDisplayNameCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "display-name <name>",
		Short: "Print a module's display name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			name, err := c.DisplayName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.json {
				return a.emitJSON(cmd.OutOrStdout(), map[string]string{"displayName": name})
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}

func newModulesDataDirCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "data-dir [name]",
		Short: "Print, creating it if needed, a module's data directory",
		Long: `Print a module's data directory, creating it if needed. Without a name
the data root is printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			path, err := c.DataDirectory(cmd.Context(), name)
			if err != nil {
				return err
			}
			if a.json {
				return a.emitJSON(cmd.OutOrStdout(), map[string]string{"path": path})
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func (a *app) printModules(w io.Writer, mods []*module.Descriptor) error {
	if a.json {
		if mods == nil {
			mods = []*module.Descriptor{}
		}
		return a.emitJSON(w, mods)
	}
	if len(mods) == 0 {
		fmt.Fprintln(w, "No modules registered.")
		return nil
	}

	p := a.painter(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, p.head("NAME")+"\t"+p.head("VERSION")+"\t"+p.head("STATUS")+"\t"+p.head("DEPENDENCIES"))
	for _, d := range mods {
		state := moduleState(d)
		switch {
		case d.LoadError != nil:
			state = p.render(styleError, state)
		case d.IsLoaded:
			state = p.render(styleOK, state)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, orDash(d.Version), state, orDash(formatDeps(d)))
	}
	return tw.Flush()
}

// moduleState summarises a descriptor's runtime fields.
func moduleState(d *module.Descriptor) string {
	switch {
	case d.IsBase:
		return "base"
	case d.IsLoaded:
		return "loaded"
	case d.ShotFired:
		return "completed"
	case d.LoadError != nil:
		return "failed (" + string(d.LoadError.Code) + ")"
	default:
		return "unloaded"
	}
}

func formatDeps(d *module.Descriptor) string {
	names := d.DependencyNames()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "@" + d.Dependencies[n]
	}
	return strings.Join(parts, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
