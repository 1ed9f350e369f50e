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

package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// comparator is a single bound such as ">=1.2.0".
type comparator struct {
	op string
	v  Version
}

func (c comparator) match(v *Version) bool {
	cmp := v.Compare(&c.v)
	switch c.op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	default:
		return cmp == 0
	}
}

func (c comparator) String() string {
	if c.op == "=" {
		return c.v.String()
	}
	return c.op + c.v.String()
}

// comparatorSet is an AND of comparators. An empty set matches anything.
type comparatorSet struct {
	comparators []comparator
	never       bool
}

func (s comparatorSet) match(v *Version) bool {
	if s.never {
		return false
	}
	for _, c := range s.comparators {
		if !c.match(v) {
			return false
		}
	}
	return true
}

// Range is a parsed dependency range: an OR of comparator sets.
//
// Supported syntax follows npm:
//   - "1.2.3", "=1.2.3" exact
//   - ">1.2.3", ">=1.2", "<2", "<=1.2.3" comparisons, partial versions allowed
//   - "^1.2.3" compatible within the left-most non-zero component
//   - "~1.2.3" patch-level changes
//   - "1.x", "1.2.*", "*", "" and "latest" wildcards
//   - "1.2.3 - 2.3.4" inclusive hyphen ranges
//   - space-separated comparators are ANDed, "||" ORs sets
type Range struct {
	sets []comparatorSet
	raw  string
}

var (
	partialRegex = regexp.MustCompile(`^v?(\d+|[xX*])(?:\.(\d+|[xX*]))?(?:\.(\d+|[xX*]))?(?:-([0-9A-Za-z.-]+))?(?:\+[0-9A-Za-z.-]+)?$`)
	hyphenRegex  = regexp.MustCompile(`^\s*(\S+)\s+-\s+(\S+)\s*$`)
	opSpaceRegex = regexp.MustCompile(`(<=|>=|<|>|=|\^|~)\s+`)
	opRegex      = regexp.MustCompile(`^(<=|>=|<|>|=|\^|~)?(.*)$`)
)

// partial is a possibly incomplete version; parts counts the concrete
// leading components (0 for "*", 3 for a full version).
type partial struct {
	major, minor, patch int
	parts               int
	pre                 string
}

func parsePartial(s string) (partial, error) {
	m := partialRegex.FindStringSubmatch(s)
	if m == nil {
		return partial{}, fmt.Errorf("invalid version in range: %q", s)
	}
	var p partial
	for i, field := range []*int{&p.major, &p.minor, &p.patch} {
		raw := m[i+1]
		if raw == "" || raw == "x" || raw == "X" || raw == "*" {
			break
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return partial{}, fmt.Errorf("invalid version in range: %q", s)
		}
		*field = n
		p.parts++
	}
	if p.parts == 3 {
		p.pre = m[4]
	}
	return p, nil
}

func (p partial) floor() Version {
	return Version{Major: p.major, Minor: p.minor, Patch: p.patch, Prerelease: p.pre}
}

// next returns the smallest version above every version p covers.
func (p partial) next() Version {
	switch p.parts {
	case 1:
		return Version{Major: p.major + 1}
	case 2:
		return Version{Major: p.major, Minor: p.minor + 1}
	}
	return Version{Major: p.major, Minor: p.minor, Patch: p.patch + 1}
}

// ParseRange parses an npm-style version range.
func ParseRange(s string) (*Range, error) {
	r := &Range{raw: s}
	for _, part := range strings.Split(s, "||") {
		set, err := parseSet(part)
		if err != nil {
			return nil, err
		}
		r.sets = append(r.sets, set)
	}
	return r, nil
}

func parseSet(s string) (comparatorSet, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" || strings.EqualFold(s, "latest") {
		return comparatorSet{}, nil
	}

	if m := hyphenRegex.FindStringSubmatch(s); m != nil {
		return hyphenSet(m[1], m[2])
	}

	var set comparatorSet
	for _, tok := range strings.Fields(opSpaceRegex.ReplaceAllString(s, "$1")) {
		m := opRegex.FindStringSubmatch(tok)
		p, err := parsePartial(m[2])
		if err != nil {
			return comparatorSet{}, err
		}
		cs, never := expand(m[1], p)
		if never {
			set.never = true
		}
		set.comparators = append(set.comparators, cs...)
	}
	return set, nil
}

func hyphenSet(lo, hi string) (comparatorSet, error) {
	from, err := parsePartial(lo)
	if err != nil {
		return comparatorSet{}, err
	}
	to, err := parsePartial(hi)
	if err != nil {
		return comparatorSet{}, err
	}

	var set comparatorSet
	if from.parts > 0 {
		set.comparators = append(set.comparators, comparator{op: ">=", v: from.floor()})
	}
	switch {
	case to.parts == 3:
		set.comparators = append(set.comparators, comparator{op: "<=", v: to.floor()})
	case to.parts > 0:
		set.comparators = append(set.comparators, comparator{op: "<", v: to.next()})
	}
	return set, nil
}

// expand turns one operator and partial version into comparators. The
// second result is true when the token can never match (">*", "<*").
func expand(op string, p partial) ([]comparator, bool) {
	if p.parts == 0 {
		return nil, op == ">" || op == "<"
	}

	between := func(lo, hi Version) []comparator {
		return []comparator{{op: ">=", v: lo}, {op: "<", v: hi}}
	}

	switch op {
	case "", "=":
		if p.parts == 3 {
			return []comparator{{op: "=", v: p.floor()}}, false
		}
		return between(p.floor(), p.next()), false

	case "^":
		var hi Version
		switch {
		case p.major > 0 || p.parts == 1:
			hi = Version{Major: p.major + 1}
		case p.minor > 0 || p.parts == 2:
			hi = Version{Minor: p.minor + 1}
		default:
			hi = Version{Patch: p.patch + 1}
		}
		return between(p.floor(), hi), false

	case "~":
		if p.parts == 1 {
			return between(p.floor(), Version{Major: p.major + 1}), false
		}
		return between(p.floor(), Version{Major: p.major, Minor: p.minor + 1}), false

	case ">":
		if p.parts == 3 {
			return []comparator{{op: ">", v: p.floor()}}, false
		}
		return []comparator{{op: ">=", v: p.next()}}, false

	case ">=":
		return []comparator{{op: ">=", v: p.floor()}}, false

	case "<":
		return []comparator{{op: "<", v: p.floor()}}, false

	case "<=":
		if p.parts == 3 {
			return []comparator{{op: "<=", v: p.floor()}}, false
		}
		return []comparator{{op: "<", v: p.next()}}, false
	}
	return nil, true
}

// Match reports whether v satisfies the range.
func (r *Range) Match(v *Version) bool {
	for _, s := range r.sets {
		if s.match(v) {
			return true
		}
	}
	return false
}

// String returns the range as written.
func (r *Range) String() string {
	return r.raw
}

// Satisfies reports whether version satisfies rng. Prerelease and build
// metadata on version are ignored, so "2.0.0-beta.1" satisfies "^2.0.0".
func Satisfies(version, rng string) (bool, error) {
	v, err := Parse(version)
	if err != nil {
		return false, err
	}
	r, err := ParseRange(rng)
	if err != nil {
		return false, err
	}
	return r.Match(v.Release()), nil
}
