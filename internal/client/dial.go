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
	"fmt"
	"os"
	"strings"

	"github.com/tombee/modhost/internal/config"
)

// HostEnv overrides the address the CLI dials.
const HostEnv = "MODHOST_HOST"

// ParseHost parses a MODHOST_HOST value. Supported forms are
// unix:///path/to/socket and tcp://host:port.
func ParseHost(host string) (*Transport, error) {
	switch {
	case strings.HasPrefix(host, "unix://"):
		return NewUnixTransport(strings.TrimPrefix(host, "unix://")), nil
	case strings.HasPrefix(host, "tcp://"):
		return NewTCPTransport(strings.TrimPrefix(host, "tcp://")), nil
	default:
		return nil, fmt.Errorf("invalid %s format: %s (must start with unix:// or tcp://)", HostEnv, host)
	}
}

// ForConfig returns a transport for the address cfg listens on.
func ForConfig(cfg config.ListenConfig) *Transport {
	if cfg.TCPAddr != "" {
		return NewTCPTransport(cfg.TCPAddr)
	}
	return NewUnixTransport(cfg.SocketPath)
}

// FromEnvironment dials MODHOST_HOST when set and the configured listen
// address otherwise. opts are applied after the transport.
func FromEnvironment(cfg config.ListenConfig, opts ...Option) (*Client, error) {
	t := ForConfig(cfg)
	if host := os.Getenv(HostEnv); host != "" {
		var err error
		if t, err = ParseHost(host); err != nil {
			return nil, err
		}
	}
	return New(append([]Option{WithTransport(t)}, opts...)...)
}
