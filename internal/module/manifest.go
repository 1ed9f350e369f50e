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

package module

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/modhost/internal/module/version"
	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

// ManifestFile is the descriptor file read from every module directory.
const ManifestFile = "module.json"

// ReadManifest reads and validates dir/module.json. The returned descriptor
// has InstalledDir set to dir and is not loaded.
func ReadManifest(dir string) (*Descriptor, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	d, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.InstalledDir = dir
	return d, nil
}

// ParseManifest decodes and validates module.json contents. Runtime fields
// present in the input are reset.
func ParseManifest(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &modhosterrors.ValidationError{
			Message:    fmt.Sprintf("invalid json: %v", err),
			Suggestion: "check module.json syntax",
		}
	}

	d.ID = 0
	d.IsLoaded = false
	d.LoadError = nil
	d.ShotFired = false
	d.IsBase = false

	if err := Validate(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the user-supplied fields of a descriptor.
func Validate(d *Descriptor) error {
	if d == nil {
		return &modhosterrors.ValidationError{Message: "module info must not be null"}
	}
	if strings.TrimSpace(d.Name) == "" {
		return &modhosterrors.ValidationError{Field: "name", Message: "name must be a non-empty string"}
	}
	if strings.ContainsAny(d.Name, `/\`) || d.Name == "." || d.Name == ".." {
		return &modhosterrors.ValidationError{Field: "name", Message: fmt.Sprintf("%q is not a valid directory name", d.Name)}
	}
	if d.Version != "" && !version.Valid(d.Version) {
		return &modhosterrors.ValidationError{
			Field:      "version",
			Message:    "module must have a valid semver version",
			Suggestion: "use major.minor.patch, e.g. 1.0.0",
		}
	}
	for dep, rng := range d.Dependencies {
		if dep == "" {
			return &modhosterrors.ValidationError{Field: "dependencies", Message: "dependency name must not be empty"}
		}
		if _, err := version.ParseRange(rng); err != nil {
			return &modhosterrors.ValidationError{
				Field:   "dependencies." + dep,
				Message: err.Error(),
			}
		}
	}
	if !d.Load.RestartPolicy.Valid() {
		return &modhosterrors.ValidationError{
			Field:      "load.restartPolicy",
			Message:    fmt.Sprintf("unknown restart policy %q", d.Load.RestartPolicy),
			Suggestion: "use never, on-failure or oneshot",
		}
	}
	switch d.Executor.Type {
	case "", "process", "thread":
	default:
		return &modhosterrors.ValidationError{
			Field:   "executor.type",
			Message: fmt.Sprintf("unknown executor %q", d.Executor.Type),
		}
	}
	return nil
}
