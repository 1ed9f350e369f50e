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

// Package prompt asks the user to confirm destructive commands.
package prompt

import (
	"context"
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// ErrAborted is returned when the user cancels a prompt.
var ErrAborted = errors.New("aborted by user")

// ErrNonInteractive is returned when confirmation is required but no
// terminal is attached.
var ErrNonInteractive = errors.New("confirmation required but stdin is not a terminal (use --yes)")

// Confirmer asks a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, title, description string) (bool, error)
	IsInteractive() bool
}

// HuhConfirmer prompts on the terminal.
type HuhConfirmer struct{}

// Confirm runs a huh confirm field. It defaults to no.
func (HuhConfirmer) Confirm(ctx context.Context, title, description string) (bool, error) {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, ErrAborted
		}
		return false, err
	}
	return ok, nil
}

// IsInteractive reports whether stdin is a terminal and no CI marker is set.
func (HuhConfirmer) IsInteractive() bool {
	if os.Getenv("MODHOST_NON_INTERACTIVE") == "true" || os.Getenv("CI") == "true" {
		return false
	}
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Static answers every question with the same value. Tests use it.
type Static struct {
	Answer      bool
	Interactive bool
	Asked       []string
}

func (s *Static) Confirm(_ context.Context, title, _ string) (bool, error) {
	s.Asked = append(s.Asked, title)
	return s.Answer, nil
}

func (s *Static) IsInteractive() bool { return s.Interactive }

// Require asks c unless skip is set. It fails with ErrNonInteractive when
// confirmation is needed and c cannot prompt.
func Require(ctx context.Context, c Confirmer, skip bool, title, description string) error {
	if skip {
		return nil
	}
	if !c.IsInteractive() {
		return ErrNonInteractive
	}
	ok, err := c.Confirm(ctx, title, description)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAborted
	}
	return nil
}
