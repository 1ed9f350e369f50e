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

// Package completion correlates worker load-completion messages with the
// load attempt waiting for them.
package completion

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/tombee/modhost/internal/log"
)

// ErrAlreadyPending is returned by Register when id already has an entry.
var ErrAlreadyPending = errors.New("load completion already pending")

// Completion is the message a worker sends once its load logic finishes.
type Completion struct {
	ModuleID int    `json:"moduleId"`
	Error    string `json:"error,omitempty"`
	Result   any    `json:"result,omitempty"`
}

// Err returns the reported error, or nil on success.
func (c Completion) Err() error {
	if c.Error == "" {
		return nil
	}
	return errors.New(c.Error)
}

// Channel maps module ids to the single pending continuation for each.
type Channel struct {
	mu      sync.Mutex
	pending map[int]*entry
	logger  *slog.Logger
}

type entry struct {
	ch chan Completion
}

// New creates an empty Channel.
func New(logger *slog.Logger) *Channel {
	return &Channel{
		pending: make(map[int]*entry),
		logger:  log.WithComponent(logger, "completion"),
	}
}

// Register creates the pending entry for id. The returned channel receives
// at most one Completion. release removes the entry if it is still pending
// and must always be called.
func (c *Channel) Register(id int) (<-chan Completion, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; ok {
		return nil, nil, ErrAlreadyPending
	}
	e := &entry{ch: make(chan Completion, 1)}
	c.pending[id] = e

	release := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pending[id] == e {
			delete(c.pending, id)
		}
	}
	return e.ch, release, nil
}

// Settle delivers msg to the entry registered for msg.ModuleID and discards
// the entry. It returns false when no entry was pending.
func (c *Channel) Settle(msg Completion) bool {
	c.mu.Lock()
	e, ok := c.pending[msg.ModuleID]
	if ok {
		delete(c.pending, msg.ModuleID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("dropping load completion with no pending load", slog.Int(log.ModuleIDKey, msg.ModuleID))
		return false
	}
	e.ch <- msg
	return true
}

// Pending reports whether id has an unsettled entry.
func (c *Channel) Pending(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}
