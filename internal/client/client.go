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

// Package client talks to a running host over its control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tombee/modhost/internal/daemon/api"
	"github.com/tombee/modhost/internal/daemon/httputil"
	"github.com/tombee/modhost/internal/module"
	"github.com/tombee/modhost/internal/store"
)

// ErrUnreachable is returned when the host cannot be dialed.
var ErrUnreachable = errors.New("host unreachable")

// DefaultUserAgent is sent when WithUserAgent is not used.
const DefaultUserAgent = "modhost-cli"

// Client is a client for the host control API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	retry      RetryConfig
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithTransport sets a custom transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Transport: transport}
		return nil
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// WithRetry replaces the retry policy for idempotent requests.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) error {
		if cfg.Attempts < 0 {
			return fmt.Errorf("retry attempts must be >= 0, got %d", cfg.Attempts)
		}
		c.retry = cfg
		return nil
	}
}

// WithBaseURL sets the URL prefix. Unix socket clients keep the default.
func WithBaseURL(u string) Option {
	return func(c *Client) error {
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("invalid base URL: %w", err)
		}
		c.baseURL = u
		return nil
	}
}

// New creates a client. Without a transport option it uses
// http.DefaultTransport. The transport is wrapped to retry idempotent
// requests and to stamp request headers.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:   "http://modhost",
		userAgent: DefaultUserAgent,
		retry:     DefaultRetryConfig(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}

	base := c.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped := *c.httpClient
	wrapped.Transport = &retryTransport{
		base: &headerTransport{base: base, userAgent: c.userAgent},
		cfg:  c.retry,
	}
	c.httpClient = &wrapped
	return c, nil
}

// APIError is an error response from the host.
type APIError struct {
	StatusCode int
	httputil.ErrorBody
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.ErrorBody.Error, e.Code)
	}
	return e.ErrorBody.Error
}

// IsNotFound reports whether err is a 404 from the host.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// VersionResponse is the response from /v1/version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Health returns the host health status.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	return &out, c.do(ctx, http.MethodGet, "/v1/health", nil, &out)
}

// Version returns the host build information.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var out VersionResponse
	return &out, c.do(ctx, http.MethodGet, "/v1/version", nil, &out)
}

// Modules lists every registered module.
func (c *Client) Modules(ctx context.Context) ([]*module.Descriptor, error) {
	var out []*module.Descriptor
	return out, c.do(ctx, http.MethodGet, "/v1/modules", nil, &out)
}

// Module returns one module by name.
func (c *Client) Module(ctx context.Context, name string) (*module.Descriptor, error) {
	var out module.Descriptor
	return &out, c.do(ctx, http.MethodGet, "/v1/modules/"+url.PathEscape(name), nil, &out)
}

// LoadAll runs a load over every registered module and returns the
// resulting descriptors.
func (c *Client) LoadAll(ctx context.Context) ([]*module.Descriptor, error) {
	var out []*module.Descriptor
	return out, c.do(ctx, http.MethodPost, "/v1/modules/load", nil, &out)
}

// Unload unloads name and its dependents. With uninstall the module's
// files are removed as well.
func (c *Client) Unload(ctx context.Context, name string, uninstall bool) error {
	path := "/v1/modules/" + url.PathEscape(name) + "/unload"
	if uninstall {
		path += "?uninstall=true"
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Install moves the module in dir into the modules directory and loads it.
func (c *Client) Install(ctx context.Context, dir string) (*module.Descriptor, error) {
	var out module.Descriptor
	return &out, c.do(ctx, http.MethodPost, "/v1/modules/install", map[string]string{"dir": dir}, &out)
}

// DisplayName returns the module's display name.
func (c *Client) DisplayName(ctx context.Context, name string) (string, error) {
	var out struct {
		DisplayName string `json:"displayName"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/modules/"+url.PathEscape(name)+"/display-name", nil, &out)
	return out.DisplayName, err
}

// DataDirectory returns, creating it if needed, the module's data directory.
// An empty name returns the data root.
func (c *Client) DataDirectory(ctx context.Context, name string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	path := "/v1/data-dir"
	if name != "" {
		path = "/v1/modules/" + url.PathEscape(name) + "/data-dir"
	}
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out.Path, err
}

// Events returns up to limit history records for name, newest first.
func (c *Client) Events(ctx context.Context, name string, limit int) ([]store.Event, error) {
	path := "/v1/modules/" + url.PathEscape(name) + "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []store.Event
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// do sends a request and decodes a JSON reply into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, &apiErr.ErrorBody); err != nil || apiErr.ErrorBody.Error == "" {
			apiErr.ErrorBody.Error = fmt.Sprintf("host returned error %d: %s", resp.StatusCode, bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
