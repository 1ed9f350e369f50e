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

package daemon

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/tombee/modhost/internal/log"
	"github.com/tombee/modhost/internal/orchestrator"
)

// activityLimit bounds the activities kept in memory.
const activityLimit = 100

// activityLog logs activities and keeps the most recent ones.
type activityLog struct {
	mu     sync.Mutex
	recent []orchestrator.Activity
	logger *slog.Logger
}

func newActivityLog(logger *slog.Logger) *activityLog {
	return &activityLog{logger: log.WithComponent(logger, "activity")}
}

// Report implements orchestrator.ActivityReporter.
func (a *activityLog) Report(_ context.Context, act orchestrator.Activity) error {
	a.logger.Warn(act.Title,
		slog.String(log.ModuleKey, act.Module),
		slog.String("project", act.Project),
		slog.String("icon", act.Icon))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.recent = append(a.recent, act)
	if len(a.recent) > activityLimit {
		a.recent = slices.Delete(a.recent, 0, len(a.recent)-activityLimit)
	}
	return nil
}

// Recent returns the kept activities, oldest first.
func (a *activityLog) Recent() []orchestrator.Activity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.recent)
}

// scopeSet records permission scopes requested by modules.
type scopeSet struct {
	mu     sync.Mutex
	scopes map[string]struct{}
	logger *slog.Logger
}

func newScopeSet(logger *slog.Logger) *scopeSet {
	return &scopeSet{scopes: make(map[string]struct{}), logger: log.WithComponent(logger, "scopes")}
}

// Create implements orchestrator.ScopeAssigner. Creating an existing scope
// is a no-op.
func (s *scopeSet) Create(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scopes[scope]; ok {
		return nil
	}
	s.scopes[scope] = struct{}{}
	s.logger.Debug("scope created", slog.String("scope", scope))
	return nil
}

// List returns the known scopes in sorted order.
func (s *scopeSet) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.scopes))
	for scope := range s.scopes {
		out = append(out, scope)
	}
	slices.Sort(out)
	return out
}
