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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/store/storetest"
)

func createTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "modhost.db")
	s, err := New(Config{Path: path, WAL: true})
	require.NoError(t, err)
	return s, path
}

func TestStore(t *testing.T) {
	s, _ := createTestStore(t)
	defer s.Close()

	storetest.Run(t, s)
}

func TestStore_Persistence(t *testing.T) {
	s, path := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveModule(ctx, &module.Descriptor{ID: 3, Name: "alpha", Version: "1.2.3"}))
	require.NoError(t, s.Close())

	reopened, err := New(Config{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1.2.3", got[0].Version)
	assert.Equal(t, 3, got[0].ID)
}
