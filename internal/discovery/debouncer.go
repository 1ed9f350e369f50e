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

package discovery

import (
	"sync"
	"time"
)

// debouncer delays a key until no new events for it have arrived for the
// window, then calls flush once with that key.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timers  map[string]*time.Timer
	flush   func(key string)
	stopped bool
}

func newDebouncer(window time.Duration, flush func(key string)) *debouncer {
	return &debouncer{
		window: window,
		timers: make(map[string]*time.Timer),
		flush:  flush,
	}
}

// add starts or restarts the timer for key.
func (d *debouncer) add(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d.window, func() { d.fire(key, t) })
	d.timers[key] = t
}

// fire flushes key if t is still its current timer.
func (d *debouncer) fire(key string, t *time.Timer) {
	d.mu.Lock()
	if cur, ok := d.timers[key]; !ok || cur != t || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.timers, key)
	d.mu.Unlock()

	d.flush(key)
}

// pending returns the number of keys waiting to fire.
func (d *debouncer) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// stop cancels every pending key without flushing.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}
