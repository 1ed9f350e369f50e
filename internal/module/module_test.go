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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

func intPtr(i int) *int { return &i }

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		policy     RestartPolicy
		attempts   int
		maxRetries int
		want       bool
	}{
		{"never", RestartNever, 0, 5, false},
		{"empty policy is never", "", 0, 5, false},
		{"on-failure within bound", RestartOnFailure, 0, 1, true},
		{"on-failure exhausted", RestartOnFailure, 1, 1, false},
		{"on-failure zero retries", RestartOnFailure, 0, 0, false},
		{"negative is unbounded", RestartOnFailure, 1000, -1, true},
		{"oneshot follows bound", RestartOneshot, 0, 1, true},
		{"oneshot exhausted", RestartOneshot, 2, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.policy, tt.attempts, tt.maxRetries))
		})
	}
}

func TestDescriptorDefaults(t *testing.T) {
	d := &Descriptor{Name: "alpha"}
	assert.Equal(t, RestartNever, d.Policy())
	assert.Equal(t, DefaultRetries, d.MaxRetries())
	assert.False(t, d.IsOneshot())
	assert.Equal(t, "alpha", d.Label())

	d.DisplayName = "Alpha"
	d.Load = LoadOptions{RestartPolicy: RestartOneshot, Retries: intPtr(-1)}
	assert.True(t, d.IsOneshot())
	assert.Equal(t, -1, d.MaxRetries())
	assert.Equal(t, "Alpha", d.Label())
}

func TestDescriptorClone(t *testing.T) {
	d := &Descriptor{
		Name:         "alpha",
		Dependencies: map[string]string{"beta": "^1.0.0"},
		Scopes:       []string{"public"},
		Load:         LoadOptions{Retries: intPtr(3)},
		LoadError:    &LoadError{Message: "x"},
	}
	c := d.Clone()

	c.Dependencies["gamma"] = "*"
	c.Scopes[0] = "private"
	*c.Load.Retries = 9
	c.LoadError.Message = "y"

	assert.Len(t, d.Dependencies, 1)
	assert.Equal(t, "public", d.Scopes[0])
	assert.Equal(t, 3, *d.Load.Retries)
	assert.Equal(t, "x", d.LoadError.Message)
	assert.Equal(t, []string{"beta", "gamma"}, c.DependencyNames())
	assert.True(t, c.DependsOn("beta"))
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name      string
		json      string
		wantField string
	}{
		{name: "minimal", json: `{"name":"alpha"}`},
		{name: "full", json: `{"name":"alpha","version":"1.2.3","dependencies":{"beta":"^1.0.0"},"load":{"restartPolicy":"on-failure","retries":2},"scopes":["public"]}`},
		{name: "missing name", json: `{"version":"1.0.0"}`, wantField: "name"},
		{name: "path in name", json: `{"name":"../etc"}`, wantField: "name"},
		{name: "bad version", json: `{"name":"alpha","version":"one"}`, wantField: "version"},
		{name: "bad range", json: `{"name":"alpha","dependencies":{"beta":"^nope"}}`, wantField: "dependencies.beta"},
		{name: "bad policy", json: `{"name":"alpha","load":{"restartPolicy":"always"}}`, wantField: "load.restartPolicy"},
		{name: "bad executor", json: `{"name":"alpha","executor":{"type":"vm"}}`, wantField: "executor.type"},
		{name: "malformed", json: `{"name":`, wantField: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseManifest([]byte(tt.json))
			if tt.name == "malformed" {
				var ve *modhosterrors.ValidationError
				require.ErrorAs(t, err, &ve)
				return
			}
			if tt.wantField != "" {
				var ve *modhosterrors.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tt.wantField, ve.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alpha", d.Name)
		})
	}
}

func TestParseManifest_ResetsRuntimeFields(t *testing.T) {
	d, err := ParseManifest([]byte(`{"id":9,"name":"alpha","isLoaded":true,"shotFired":true,"loadError":{"message":"old"}}`))
	require.NoError(t, err)
	assert.Zero(t, d.ID)
	assert.False(t, d.IsLoaded)
	assert.False(t, d.ShotFired)
	assert.Nil(t, d.LoadError)
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"name":"alpha","version":"0.1.0"}`), 0o644))

	d, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, d.InstalledDir)
	assert.Equal(t, "0.1.0", d.Version)

	_, err = ReadManifest(t.TempDir())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestErrors(t *testing.T) {
	err := Errorf(CodeLoadTimeout, "alpha", "Module Load Timeout")
	assert.Equal(t, "Module Load Timeout", err.Error())
	assert.True(t, modhosterrors.IsRetryable(err))
	assert.Equal(t, "module.load_timeout", modhosterrors.Classify(err))
	assert.Contains(t, modhosterrors.UserMessage(err), "orchestrator.load_timeout")

	cause := errors.New("exec: not found")
	spawn := Errorf(CodeSpawnFailed, "alpha", "spawning worker").WithCause(cause)
	assert.ErrorIs(t, spawn, cause)
	assert.Equal(t, "spawning worker: exec: not found", spawn.Error())

	assert.Equal(t, &LoadError{Code: CodeSpawnFailed, Message: "spawning worker: exec: not found"}, ToLoadError(spawn))
	assert.Equal(t, &LoadError{Code: CodeLoadFailed, Message: "plain"}, ToLoadError(errors.New("plain")))
	assert.Nil(t, ToLoadError(nil))
	assert.Equal(t, CodeSpawnFailed, CodeOf(spawn))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

func TestSynthesizedMessages(t *testing.T) {
	assert.Equal(t, "Missing Dependency: 'C'", MissingDependencyMessage("C"))
	assert.Equal(t,
		"Missing one or more of the following dependencies: 'a', 'b'",
		UnresolvedDependenciesMessage([]string{"a", "b"}))
}
