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

// Package module defines the module descriptor, its module.json manifest and
// the structured errors recorded when a module fails to load.
package module

import (
	"maps"
	"slices"
)

// RestartPolicy controls whether a failed load is retried.
type RestartPolicy string

const (
	// RestartNever disables retries.
	RestartNever RestartPolicy = "never"
	// RestartOnFailure retries failed loads up to the retry bound.
	RestartOnFailure RestartPolicy = "on-failure"
	// RestartOneshot runs the module once and tears it down after it reports completion.
	RestartOneshot RestartPolicy = "oneshot"
)

// Valid reports whether p is a known policy. The empty policy means never.
func (p RestartPolicy) Valid() bool {
	switch p {
	case "", RestartNever, RestartOnFailure, RestartOneshot:
		return true
	}
	return false
}

// DefaultRetries is used when module.json omits load.retries.
const DefaultRetries = 1

// LoadOptions is the "load" section of module.json.
type LoadOptions struct {
	RestartPolicy RestartPolicy `json:"restartPolicy,omitempty"`

	// Retries bounds retry attempts. Negative means unbounded. Nil means DefaultRetries.
	Retries *int `json:"retries,omitempty"`

	// Command is run from the install directory by the built-in "command"
	// module when no compiled-in implementation is registered under the
	// module's name.
	Command []string `json:"command,omitempty"`
}

// ExecutorOptions is the "executor" section of module.json.
type ExecutorOptions struct {
	// Type requests a specific executor ("process" or "thread").
	Type string `json:"type,omitempty"`
}

// InstallOptions is the "install" section of module.json.
type InstallOptions struct {
	// Command runs once from the install directory after the module is moved into place.
	Command []string `json:"command,omitempty"`
}

// Descriptor describes one loadable module.
type Descriptor struct {
	ID           int               `json:"id"`
	Name         string            `json:"name"`
	DisplayName  string            `json:"displayName,omitempty"`
	Version      string            `json:"version,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Load         LoadOptions       `json:"load,omitempty"`
	Executor     ExecutorOptions   `json:"executor,omitempty"`
	Install      InstallOptions    `json:"install,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`

	IsLoaded     bool       `json:"isLoaded"`
	LoadError    *LoadError `json:"loadError,omitempty"`
	ShotFired    bool       `json:"shotFired,omitempty"`
	InstalledDir string     `json:"installedDir,omitempty"`

	// IsBase marks the host's own descriptor. It is never spawned.
	IsBase bool `json:"isBase,omitempty"`
}

// Policy returns the effective restart policy.
func (d *Descriptor) Policy() RestartPolicy {
	if d.Load.RestartPolicy == "" {
		return RestartNever
	}
	return d.Load.RestartPolicy
}

// IsOneshot reports whether the module runs once per load.
func (d *Descriptor) IsOneshot() bool {
	return d.Policy() == RestartOneshot
}

// MaxRetries returns the effective retry bound. Negative means unbounded.
func (d *Descriptor) MaxRetries() int {
	if d.Load.Retries == nil {
		return DefaultRetries
	}
	return *d.Load.Retries
}

// Label returns the display name, falling back to the module name.
func (d *Descriptor) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

// DependencyNames returns the declared dependency names in sorted order.
func (d *Descriptor) DependencyNames() []string {
	return slices.Sorted(maps.Keys(d.Dependencies))
}

// DependsOn reports whether d declares a dependency on name.
func (d *Descriptor) DependsOn(name string) bool {
	_, ok := d.Dependencies[name]
	return ok
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Dependencies = maps.Clone(d.Dependencies)
	c.Scopes = slices.Clone(d.Scopes)
	c.Load.Command = slices.Clone(d.Load.Command)
	c.Install.Command = slices.Clone(d.Install.Command)
	if d.Load.Retries != nil {
		r := *d.Load.Retries
		c.Load.Retries = &r
	}
	if d.LoadError != nil {
		le := *d.LoadError
		c.LoadError = &le
	}
	return &c
}

// ShouldRetry reports whether another load attempt is allowed after
// attempts retries have already been made.
func ShouldRetry(policy RestartPolicy, attempts, maxRetries int) bool {
	if policy == RestartNever || policy == "" {
		return false
	}
	return maxRetries < 0 || attempts < maxRetries
}
