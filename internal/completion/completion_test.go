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

package completion

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettle(t *testing.T) {
	c := New(nil)

	ch, release, err := c.Register(1)
	require.NoError(t, err)
	defer release()
	assert.True(t, c.Pending(1))

	assert.True(t, c.Settle(Completion{ModuleID: 1, Result: "ok"}))
	assert.False(t, c.Pending(1))

	got := <-ch
	assert.Equal(t, "ok", got.Result)
	assert.NoError(t, got.Err())
}

func TestSettleAtMostOnce(t *testing.T) {
	c := New(nil)
	ch, release, err := c.Register(7)
	require.NoError(t, err)
	defer release()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Settle(Completion{ModuleID: 7, Error: "boom"}) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got := <-ch
	assert.EqualError(t, got.Err(), "boom")
}

func TestSettleUnknown(t *testing.T) {
	c := New(nil)
	assert.False(t, c.Settle(Completion{ModuleID: 99}))
}

func TestRegisterTwice(t *testing.T) {
	c := New(nil)
	_, release, err := c.Register(3)
	require.NoError(t, err)

	_, _, err = c.Register(3)
	assert.ErrorIs(t, err, ErrAlreadyPending)

	release()
	assert.False(t, c.Pending(3))

	_, release2, err := c.Register(3)
	require.NoError(t, err)
	release()
	assert.True(t, c.Pending(3), "stale release must not remove a newer entry")
	release2()
	assert.False(t, c.Pending(3))
}
