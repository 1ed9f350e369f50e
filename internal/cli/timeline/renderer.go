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

// Package timeline renders a module's lifecycle history as a boxed
// terminal timeline.
package timeline

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/tombee/modhost/internal/store"
)

const (
	// MinWidth is the narrowest supported terminal.
	MinWidth = 60
	// DefaultWidth is used when the terminal size is unknown.
	DefaultWidth = 100

	IconOK    = "✓"
	IconError = "✗"
	IconWarn  = "⚠"
	IconInfo  = "•"
)

// ErrNoEvents is returned when there is nothing to render.
var ErrNoEvents = errors.New("no events to render")

// Renderer renders event timelines.
type Renderer struct {
	Width int
}

// NewRenderer sizes the renderer to the terminal on fd.
func NewRenderer(fd int) *Renderer {
	width, _, err := term.GetSize(fd)
	if err != nil || width <= 0 {
		width = DefaultWidth
	}
	if width < MinWidth {
		width = MinWidth
	}
	return &Renderer{Width: width}
}

// Render draws events oldest first, with each row's offset from the first.
func (r *Renderer) Render(title string, events []store.Event) (string, error) {
	if len(events) == 0 {
		return "", ErrNoEvents
	}
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b store.Event) int { return a.At.Compare(b.At) })

	start := sorted[0].At
	total := sorted[len(sorted)-1].At.Sub(start)
	inner := r.Width - 4

	var sb strings.Builder
	border := strings.Repeat("─", r.Width-2)
	sb.WriteString("┌" + border + "┐\n")
	head := fmt.Sprintf("%s  (%s, span %s)", title, start.Format(time.RFC3339), FormatDuration(total))
	sb.WriteString(row(head, inner))
	sb.WriteString("├" + border + "┤\n")
	for _, ev := range sorted {
		sb.WriteString(row(r.line(ev, ev.At.Sub(start)), inner))
	}
	sb.WriteString("└" + border + "┘\n")
	return sb.String(), nil
}

func (r *Renderer) line(ev store.Event, offset time.Duration) string {
	text := fmt.Sprintf("+%-7s %s %-11s", FormatDuration(offset), Icon(ev.Type), ev.Type)
	if ev.Attempt > 0 {
		text += fmt.Sprintf(" #%d", ev.Attempt)
	}
	if ev.Message != "" {
		text += "  " + ev.Message
	}
	return text
}

func row(text string, width int) string {
	return fmt.Sprintf("│ %-*s │\n", width, Truncate(text, width))
}

// Icon returns the status symbol for an event type.
func Icon(t store.EventType) string {
	switch t {
	case store.EventLoaded, store.EventInstalled:
		return IconOK
	case store.EventLoadFailed, store.EventCrashed:
		return IconError
	case store.EventRetry:
		return IconWarn
	default:
		return IconInfo
	}
}

// Truncate shortens s to max runes with an ellipsis.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// FormatDuration formats d at a precision suited to its size.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
}
