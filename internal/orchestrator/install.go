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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/registry"
	"github.com/tombee/modhost/internal/store"
	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

// reservedNames may not be used as module data directory names.
var reservedNames = map[string]bool{
	"base":      true,
	"bin":       true,
	"bin32":     true,
	"binarm":    true,
	"db":        true,
	"decrypted": true,
	"encrypted": true,
}

// RegisterBase registers the host's own descriptor from dir. It is marked
// loaded and never spawned.
func (o *Orchestrator) RegisterBase(ctx context.Context, dir string) (*module.Descriptor, error) {
	d, err := module.ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	d.IsBase = true
	d.IsLoaded = true
	return o.reg.Create(ctx, d)
}

// AddModule registers the module installed in dir without loading it.
func (o *Orchestrator) AddModule(ctx context.Context, dir string) (*module.Descriptor, error) {
	d, err := module.ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	created, err := o.reg.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("picked up module", slog.String(log.ModuleKey, created.Name), slog.String("dir", dir))
	if created.MaxRetries() < 0 && created.Policy() == module.RestartOnFailure {
		o.logger.Warn("module retries failed loads without bound", slog.String(log.ModuleKey, created.Name))
	}
	return created, nil
}

// Scan registers every module directory under ModulesDir that is not
// registered yet and returns how many were added. Unreadable modules are
// logged and skipped.
func (o *Orchestrator) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(o.cfg.ModulesDir)
	if err != nil {
		return 0, fmt.Errorf("reading modules directory: %w", err)
	}
	added := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(o.cfg.ModulesDir, e.Name())
		if _, err := o.AddModule(ctx, dir); err != nil {
			if errors.Is(err, registry.ErrDuplicateName) {
				continue
			}
			o.logger.Warn("error picking up module", slog.String("dir", dir), log.Error(err))
			continue
		}
		added++
	}
	return added, nil
}

// Install moves the unpacked module in dir into the modules directory,
// registers it and runs a load. A module already registered under the same
// name is unloaded and uninstalled first.
func (o *Orchestrator) Install(ctx context.Context, dir string) (*module.Descriptor, error) {
	d, err := module.ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	if _, ok := o.reg.GetByName(d.Name); ok {
		if err := o.Unload(ctx, d.Name, UnloadOptions{Uninstall: true}); err != nil {
			o.logger.Warn("error unloading module to be replaced, continuing anyway",
				slog.String(log.ModuleKey, d.Name), log.Error(err))
		}
	}

	target := filepath.Join(o.cfg.ModulesDir, d.Name)
	if filepath.Clean(dir) != target {
		if err := os.MkdirAll(o.cfg.ModulesDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating modules directory: %w", err)
		}
		if err := os.Rename(dir, target); err != nil {
			return nil, fmt.Errorf("moving module into place: %w", err)
		}
	}
	d.InstalledDir = target

	created, err := o.reg.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	o.reg.RecordEvent(ctx, store.Event{Module: created.Name, Type: store.EventInstalled, Message: created.Version})
	o.runInstallCommand(ctx, created)

	if err := o.LoadAll(ctx); err != nil {
		return nil, err
	}
	o.logger.Info("module finished installing", slog.String(log.ModuleKey, created.Name))

	out, _ := o.reg.Get(created.ID)
	return out, nil
}

// runInstallCommand runs install.command from the module's directory.
// Failures are logged and do not fail the install.
func (o *Orchestrator) runInstallCommand(ctx context.Context, d *module.Descriptor) {
	argv := d.Install.Command
	if len(argv) == 0 {
		return
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = d.InstalledDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		o.logger.Warn("module install command failed, ignoring",
			slog.String(log.ModuleKey, d.Name),
			slog.String("command", strings.Join(argv, " ")),
			slog.String("output", strings.TrimSpace(string(out))),
			log.Error(err))
	}
}

// GetDisplayName returns the module's display name, or its name when it
// has none.
func (o *Orchestrator) GetDisplayName(name string) (string, error) {
	d, ok := o.reg.GetByName(name)
	if !ok {
		return "", &modhosterrors.NotFoundError{Resource: "module", ID: name}
	}
	return d.Label(), nil
}

// GetDataDirectory returns, creating it if needed, the data directory for
// the named module. An empty name returns the data root.
func (o *Orchestrator) GetDataDirectory(name string) (string, error) {
	if name == "" {
		return o.cfg.DataDir, nil
	}
	if reservedNames[strings.ToLower(name)] {
		return "", module.Errorf(module.CodeReservedName, name, "%s is a reserved name", name)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", &modhosterrors.ValidationError{Field: "name", Message: fmt.Sprintf("%q is not a valid directory name", name)}
	}

	dir := filepath.Join(o.cfg.DataDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	return dir, nil
}
