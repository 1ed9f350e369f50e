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

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/store"
	"github.com/tombee/modhost/internal/store/memory"
)

func TestCreateAssignsStableIDs(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)

	a, err := r.Create(ctx, &module.Descriptor{Name: "alpha", ID: 99})
	require.NoError(t, err)
	b, err := r.Create(ctx, &module.Descriptor{Name: "beta"})
	require.NoError(t, err)
	assert.Equal(t, 1, a.ID)
	assert.Equal(t, 2, b.ID)

	_, err = r.Create(ctx, &module.Descriptor{Name: "alpha"})
	assert.ErrorIs(t, err, ErrDuplicateName)

	require.NoError(t, r.Delete(ctx, a.ID))
	c, err := r.Create(ctx, &module.Descriptor{Name: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 3, c.ID, "ids are not reused")

	names := []string{}
	for _, d := range r.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"beta", "alpha"}, names)
}

func TestUpdateKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	a, err := r.Create(ctx, &module.Descriptor{Name: "alpha"})
	require.NoError(t, err)

	got, err := r.Update(ctx, a.ID, func(d *module.Descriptor) {
		d.Name = "renamed"
		d.ID = 42
		d.IsLoaded = true
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
	assert.Equal(t, a.ID, got.ID)
	assert.True(t, got.IsLoaded)

	_, err = r.Update(ctx, 1000, func(*module.Descriptor) {})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, 1000), ErrNotFound)
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	a, err := r.Create(ctx, &module.Descriptor{Name: "alpha", Dependencies: map[string]string{"x": "*"}})
	require.NoError(t, err)

	got, ok := r.Get(a.ID)
	require.True(t, ok)
	got.IsLoaded = true
	got.Dependencies["y"] = "*"

	again, ok := r.GetByName("alpha")
	require.True(t, ok)
	assert.False(t, again.IsLoaded)
	assert.Len(t, again.Dependencies, 1)
}

func TestView(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	_, err := r.Create(ctx, &module.Descriptor{Name: "alpha"})
	require.NoError(t, err)

	v := r.View()
	_, err = v.Create(ctx, &module.Descriptor{Name: "beta"})
	assert.ErrorIs(t, err, ErrOperationNotSupported)
	_, err = v.Update(ctx, 1, func(*module.Descriptor) {})
	assert.ErrorIs(t, err, ErrOperationNotSupported)
	assert.ErrorIs(t, v.Delete(ctx, 1), ErrOperationNotSupported)

	_, ok := v.GetByName("alpha")
	assert.True(t, ok)
	assert.Len(t, v.List(), 1)
}

func TestPersistenceAndRestore(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	r := New(st, nil)
	a, err := r.Create(ctx, &module.Descriptor{Name: "alpha", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = r.Update(ctx, a.ID, func(d *module.Descriptor) {
		d.IsLoaded = true
		d.LoadError = &module.LoadError{Message: "old"}
	})
	require.NoError(t, err)
	_, err = r.Create(ctx, &module.Descriptor{Name: "base", IsBase: true})
	require.NoError(t, err)
	r.RecordEvent(ctx, store.Event{Module: "alpha", Type: store.EventLoaded})

	restored := New(st, nil)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "base descriptor is not persisted")

	d, ok := restored.GetByName("alpha")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", d.Version)
	assert.False(t, d.IsLoaded)
	assert.Nil(t, d.LoadError)

	events, err := restored.History(ctx, "alpha", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, restored.Delete(ctx, d.ID))
	left, err := st.ListModules(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

// gatedStore holds SaveModule for descriptors named by the gate's display
// name until release is closed.
type gatedStore struct {
	store.Store
	gate    string
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) SaveModule(ctx context.Context, d *module.Descriptor) error {
	if d.DisplayName == s.gate {
		close(s.entered)
		<-s.release
	}
	return s.Store.SaveModule(ctx, d)
}

func TestConcurrentUpdatesPersistInOrder(t *testing.T) {
	ctx := context.Background()
	st := &gatedStore{
		Store:   memory.New(),
		gate:    "first",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := New(st, nil)
	a, err := r.Create(ctx, &module.Descriptor{Name: "alpha"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	update := func(name string) {
		defer wg.Done()
		_, err := r.Update(ctx, a.ID, func(d *module.Descriptor) { d.DisplayName = name })
		assert.NoError(t, err)
	}
	wg.Add(2)
	go update("first")
	<-st.entered
	go update("second")

	// The second update applies while the first save is still in flight.
	require.Eventually(t, func() bool {
		d, _ := r.Get(a.ID)
		return d.DisplayName == "second"
	}, time.Second, 5*time.Millisecond)
	close(st.release)
	wg.Wait()

	saved, err := st.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "second", saved[0].DisplayName)
}
