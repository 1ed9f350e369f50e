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

package log

import (
	"context"
	"log/slog"
	"time"
)

// Request describes one message-bus request for logging purposes.
type Request struct {
	// Name is the request name (e.g., "modules.load").
	Name string

	// ID correlates the request with its response.
	ID string

	// Source names the sender (a module name or "api").
	Source string
}

// LogRequest logs an incoming bus request at debug level.
func LogRequest(logger *slog.Logger, req Request) {
	OrDefault(logger).Debug("bus request received",
		EventKey, "bus_request",
		"request", req.Name,
		"request_id", req.ID,
		"source", req.Source,
	)
}

// LogResponse logs the outcome of a bus request. Failures log at warn.
func LogResponse(logger *slog.Logger, req Request, elapsed time.Duration, err error) {
	attrs := []any{
		EventKey, "bus_response",
		"request", req.Name,
		"request_id", req.ID,
		"source", req.Source,
		DurationKey, elapsed.Milliseconds(),
	}

	level := slog.LevelDebug
	msg := "bus request completed"
	if err != nil {
		level = slog.LevelWarn
		msg = "bus request failed"
		attrs = append(attrs, "error", err.Error())
	}

	OrDefault(logger).Log(context.Background(), level, msg, attrs...)
}

// Handle logs req, runs fn and logs its result.
func Handle[T any](logger *slog.Logger, req Request, fn func() (T, error)) (T, error) {
	start := time.Now()
	LogRequest(logger, req)
	out, err := fn()
	LogResponse(logger, req, time.Since(start), err)
	return out, err
}
