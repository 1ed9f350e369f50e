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

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/tombee/modhost/internal/cli/prompt"
	"github.com/tombee/modhost/internal/client"
	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

// Process exit codes.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitNotFound    = 3
	ExitUnavailable = 69 // EX_UNAVAILABLE
	ExitAborted     = 130
)

// ExitError carries a process exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, prompt.ErrAborted) {
		return ExitAborted
	}
	if errors.Is(err, client.ErrUnreachable) {
		return ExitUnavailable
	}
	if client.IsNotFound(err) {
		return ExitNotFound
	}
	var validation *modhosterrors.ValidationError
	if errors.As(err, &validation) || errors.Is(err, prompt.ErrNonInteractive) {
		return ExitUsage
	}
	return ExitFailure
}

// PrintError writes err and any user-facing suggestion to w.
func PrintError(w io.Writer, err error) {
	if err == nil {
		return
	}
	p := painter{color: isTTY(w)}
	fmt.Fprintln(w, p.error(err.Error()))

	if s := suggestion(err); s != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", s)
	}
}

func suggestion(err error) string {
	var validation *modhosterrors.ValidationError
	if errors.As(err, &validation) {
		return validation.Suggestion
	}
	var uv modhosterrors.UserVisibleError
	if errors.As(err, &uv) && uv.IsUserVisible() {
		return uv.Suggestion()
	}
	return ""
}
