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

package client

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"syscall"
	"time"
)

// RetryConfig controls retries of idempotent requests. Requests that
// change host state are never retried: a load or unload that reached the
// host must not run twice.
type RetryConfig struct {
	// Attempts is the number of retries after the first try. Zero disables retries.
	Attempts int
	// Backoff is the delay before the first retry. It doubles per attempt.
	Backoff time.Duration
	// MaxBackoff caps the delay.
	MaxBackoff time.Duration
}

// DefaultRetryConfig retries reads while a restarting host comes back up.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Backoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

type retryTransport struct {
	base http.RoundTripper
	cfg  RetryConfig
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !idempotent(req.Method) || t.cfg.Attempts <= 0 {
		return t.base.RoundTrip(req)
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = t.base.RoundTrip(req)
		if attempt >= t.cfg.Attempts || !retryable(resp, err) {
			return resp, err
		}
		if resp != nil {
			resp.Body.Close()
		}

		delay := t.backoff(attempt)
		slog.Debug("retrying host request",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
}

// backoff returns the exponential delay for attempt with up to 20% jitter.
func (t *retryTransport) backoff(attempt int) time.Duration {
	d := t.cfg.Backoff << attempt
	if d <= 0 || (t.cfg.MaxBackoff > 0 && d > t.cfg.MaxBackoff) {
		d = t.cfg.MaxBackoff
	}
	return d + time.Duration(rand.Float64()*0.2*float64(d))
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// retryable reports whether the failure looks like a host that is
// starting, stopping or briefly overloaded.
func retryable(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
			return true
		}
		var netErr net.Error
		return errors.As(err, &netErr) && netErr.Timeout()
	}
	switch resp.StatusCode {
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusTooManyRequests:
		return true
	}
	return false
}
