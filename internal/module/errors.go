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

package module

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes module failures.
type ErrorCode string

const (
	// CodeMissingDependency indicates a declared dependency is not in the registry.
	CodeMissingDependency ErrorCode = "MISSING_DEPENDENCY"
	// CodeVersionMismatch indicates a dependency's version does not satisfy the declared range.
	CodeVersionMismatch ErrorCode = "VERSION_MISMATCH"
	// CodeDependencyNotLoaded indicates a dependency exists but is not loaded.
	CodeDependencyNotLoaded ErrorCode = "DEPENDENCY_NOT_LOADED"
	// CodeUnresolvedDependency is assigned after a load run to modules that never became ready.
	CodeUnresolvedDependency ErrorCode = "UNRESOLVED_DEPENDENCY"
	// CodeLoadTimeout indicates the worker never reported completion.
	CodeLoadTimeout ErrorCode = "LOAD_TIMEOUT"
	// CodeCrashDuringLoad indicates the worker exited before reporting completion.
	CodeCrashDuringLoad ErrorCode = "CRASH_DURING_LOAD"
	// CodeLoadFailed indicates the worker reported a load error.
	CodeLoadFailed ErrorCode = "LOAD_FAILED"
	// CodeCrashed indicates a loaded module's worker exited unexpectedly.
	CodeCrashed ErrorCode = "CRASHED"
	// CodeUnloadTimeout indicates the worker did not confirm termination in time.
	CodeUnloadTimeout ErrorCode = "UNLOAD_TIMEOUT"
	// CodeAlreadyRunning indicates a non-oneshot module was spawned twice.
	CodeAlreadyRunning ErrorCode = "ALREADY_RUNNING"
	// CodeReservedName indicates a data directory was requested for a reserved name.
	CodeReservedName ErrorCode = "RESERVED_NAME"
	// CodeSpawnFailed indicates the executor could not start the worker.
	CodeSpawnFailed ErrorCode = "SPAWN_FAILED"
)

// retryable lists the codes worth another load attempt under on-failure.
var retryable = map[ErrorCode]bool{
	CodeLoadTimeout:         true,
	CodeCrashDuringLoad:     true,
	CodeLoadFailed:          true,
	CodeSpawnFailed:         true,
	CodeDependencyNotLoaded: true,
}

// LoadError is the structured error recorded on a descriptor.
type LoadError struct {
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`
}

func (e *LoadError) Error() string {
	return e.Message
}

// Error is returned by orchestration operations that fail for a specific module.
type Error struct {
	// Code is the error category.
	Code ErrorCode
	// Module is the module name, if known.
	Module string
	// Message is the primary error message.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, module, format string, args ...any) *Error {
	return &Error{Code: code, Module: module, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause sets the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// ErrorType implements pkg/errors.ErrorClassifier.
func (e *Error) ErrorType() string {
	return "module." + strings.ToLower(string(e.Code))
}

// IsRetryable implements pkg/errors.ErrorClassifier.
func (e *Error) IsRetryable() bool {
	return retryable[e.Code]
}

// IsUserVisible implements pkg/errors.UserVisibleError.
func (e *Error) IsUserVisible() bool {
	return true
}

// UserMessage implements pkg/errors.UserVisibleError.
func (e *Error) UserMessage() string {
	return e.Message
}

// Suggestion implements pkg/errors.UserVisibleError.
func (e *Error) Suggestion() string {
	switch e.Code {
	case CodeMissingDependency, CodeUnresolvedDependency:
		return "install the missing module and run 'modhost modules load'"
	case CodeVersionMismatch:
		return "install a compatible version of the dependency"
	case CodeLoadTimeout:
		return "check the module's logs or raise orchestrator.load_timeout"
	case CodeReservedName:
		return "rename the module"
	}
	return ""
}

// ToLoadError converts err into the form stored on a descriptor.
func ToLoadError(err error) *LoadError {
	if err == nil {
		return nil
	}
	var le *LoadError
	if errors.As(err, &le) {
		return &LoadError{Code: le.Code, Message: le.Message}
	}
	var me *Error
	if errors.As(err, &me) {
		return &LoadError{Code: me.Code, Message: me.Error()}
	}
	return &LoadError{Code: CodeLoadFailed, Message: err.Error()}
}

// CodeOf returns the ErrorCode carried by err, or "" if none.
func CodeOf(err error) ErrorCode {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	var le *LoadError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// MissingDependencyMessage is the message assigned to a module that never
// became ready because of a single known-missing dependency.
func MissingDependencyMessage(name string) string {
	return fmt.Sprintf("Missing Dependency: '%s'", name)
}

// UnresolvedDependenciesMessage is the message assigned to a module that
// never became ready for reasons other than a missing dependency.
func UnresolvedDependenciesMessage(names []string) string {
	return fmt.Sprintf("Missing one or more of the following dependencies: '%s'", strings.Join(names, "', '"))
}
