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

// Package storetest holds conformance tests shared by store implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/store"
)

// Run exercises s against the store.Store contract.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("modules", func(t *testing.T) {
		alpha := &module.Descriptor{ID: 1, Name: "alpha", Version: "1.0.0"}
		beta := &module.Descriptor{
			ID:           2,
			Name:         "beta",
			Version:      "2.1.0",
			Dependencies: map[string]string{"alpha": "^1.0.0"},
			LoadError:    &module.LoadError{Code: module.CodeLoadFailed, Message: "boom"},
		}
		require.NoError(t, s.SaveModule(ctx, beta))
		require.NoError(t, s.SaveModule(ctx, alpha))

		alpha.IsLoaded = true
		require.NoError(t, s.SaveModule(ctx, alpha))

		got, err := s.ListModules(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "alpha", got[0].Name)
		assert.True(t, got[0].IsLoaded)
		assert.Equal(t, "^1.0.0", got[1].Dependencies["alpha"])
		require.NotNil(t, got[1].LoadError)
		assert.Equal(t, "boom", got[1].LoadError.Message)

		require.NoError(t, s.DeleteModule(ctx, "beta"))
		require.NoError(t, s.DeleteModule(ctx, "missing"))
		got, err = s.ListModules(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
	})

	t.Run("events", func(t *testing.T) {
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, typ := range []store.EventType{store.EventLoadFailed, store.EventRetry, store.EventLoaded} {
			require.NoError(t, s.RecordEvent(ctx, store.Event{
				Module:  "gamma",
				Type:    typ,
				Attempt: i,
				At:      base.Add(time.Duration(i) * time.Second),
			}))
		}
		require.NoError(t, s.RecordEvent(ctx, store.Event{Module: "other", Type: store.EventCrashed}))

		all, err := s.ListEvents(ctx, "gamma", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, store.EventLoaded, all[0].Type)
		assert.Equal(t, 2, all[0].Attempt)
		assert.True(t, all[0].At.Equal(base.Add(2*time.Second)))

		latest, err := s.ListEvents(ctx, "gamma", 1)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, store.EventLoaded, latest[0].Type)

		none, err := s.ListEvents(ctx, "nobody", 5)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
