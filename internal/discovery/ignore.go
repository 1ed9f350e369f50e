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
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Ignore matches paths that discovery should not treat as modules.
// Patterns use doublestar syntax and are tried against the whole path and
// against each of its elements.
type Ignore struct {
	patterns []string
}

// NewIgnore validates patterns and returns a matcher for them.
func NewIgnore(patterns []string) (*Ignore, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}
	return &Ignore{patterns: patterns}, nil
}

// Match reports whether path is ignored.
func (i *Ignore) Match(path string) bool {
	if i == nil {
		return false
	}
	path = filepath.ToSlash(path)
	elems := strings.Split(path, "/")
	for _, p := range i.patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
		for _, e := range elems {
			if e == "" {
				continue
			}
			if ok, _ := doublestar.Match(p, e); ok {
				return true
			}
		}
	}
	return false
}

// DefaultIgnorePatterns covers editor droppings and in-progress uploads.
func DefaultIgnorePatterns() []string {
	return []string{
		".*",
		"*~",
		"#*#",
		"*.swp",
		"*.tmp",
		"*.partial",
		"**/node_modules/**",
	}
}
