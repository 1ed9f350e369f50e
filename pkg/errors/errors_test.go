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

package errors_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "validation with field",
			err:  &modhosterrors.ValidationError{Field: "name", Message: "must not be empty"},
			want: "validation failed on name: must not be empty",
		},
		{
			name: "validation without field",
			err:  &modhosterrors.ValidationError{Message: "invalid json"},
			want: "validation failed: invalid json",
		},
		{
			name: "not found",
			err:  &modhosterrors.NotFoundError{Resource: "module", ID: "alpha"},
			want: "module not found: alpha",
		},
		{
			name: "config with key",
			err:  &modhosterrors.ConfigError{Key: "executor.type", Reason: "unknown executor"},
			want: "config error at executor.type: unknown executor",
		},
		{
			name: "config without key",
			err:  &modhosterrors.ConfigError{Reason: "unreadable"},
			want: "config error: unreadable",
		},
		{
			name: "timeout",
			err:  &modhosterrors.TimeoutError{Operation: "module load", Duration: 2 * time.Second},
			want: "module load operation timed out after 2s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, modhosterrors.Wrap(nil, "ctx"))
	assert.Nil(t, modhosterrors.Wrapf(nil, "ctx %d", 1))

	base := errors.New("boom")
	wrapped := modhosterrors.Wrapf(base, "loading %s", "alpha")
	assert.Equal(t, "loading alpha: boom", wrapped.Error())
	assert.True(t, modhosterrors.Is(wrapped, base))
}

func TestClassify(t *testing.T) {
	cause := errors.New("io")
	timeout := fmt.Errorf("outer: %w", &modhosterrors.TimeoutError{Operation: "x", Cause: cause})

	assert.Equal(t, "timeout", modhosterrors.Classify(timeout))
	assert.True(t, modhosterrors.IsRetryable(timeout))
	assert.ErrorIs(t, timeout, cause)

	assert.Equal(t, "not_found", modhosterrors.Classify(&modhosterrors.NotFoundError{}))
	assert.False(t, modhosterrors.IsRetryable(&modhosterrors.ValidationError{}))
	assert.Equal(t, "internal", modhosterrors.Classify(errors.New("plain")))
}

type visible struct{}

func (visible) Error() string       { return "raw" }
func (visible) IsUserVisible() bool { return true }
func (visible) UserMessage() string { return "friendly" }
func (visible) Suggestion() string  { return "try again" }

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "", modhosterrors.UserMessage(nil))
	assert.Equal(t, "plain", modhosterrors.UserMessage(errors.New("plain")))
	assert.Equal(t, "friendly (try again)", modhosterrors.UserMessage(fmt.Errorf("w: %w", visible{})))
}
