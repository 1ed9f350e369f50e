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

package errors

// UserVisibleError is an error the CLI and control API can show as is.
// module.Error implements it so load failures render without worker
// internals.
type UserVisibleError interface {
	error
	IsUserVisible() bool
	UserMessage() string
	// Suggestion is a hint for fixing the failure, or "".
	Suggestion() string
}

// ErrorClassifier tags an error with a category such as "module.load_timeout"
// and says whether another load attempt could succeed.
type ErrorClassifier interface {
	error
	ErrorType() string
	IsRetryable() bool
}
