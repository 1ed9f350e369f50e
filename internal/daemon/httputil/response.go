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

// Package httputil writes JSON responses for the control API.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tombee/modhost/internal/module"
	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
	Code  string `json:"code,omitempty"`
}

// WriteJSON writes data as a JSON response. A json.RawMessage is written
// unchanged.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if raw, ok := data.(json.RawMessage); ok {
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		if _, err := w.Write(append(raw, '\n')); err != nil {
			slog.Error("Failed to write JSON response", slog.Any("error", err))
		}
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorBody{Error: message})
}

// WriteErr writes err with the status StatusFor picks.
func WriteErr(w http.ResponseWriter, err error) {
	WriteErrStatus(w, StatusFor(err), err)
}

// WriteErrStatus writes err with an explicit status.
func WriteErrStatus(w http.ResponseWriter, status int, err error) {
	body := ErrorBody{
		Error: modhosterrors.UserMessage(err),
		Type:  modhosterrors.Classify(err),
	}
	if code := module.CodeOf(err); code != "" {
		body.Code = string(code)
	}
	WriteJSON(w, status, body)
}

// StatusFor maps an error to an HTTP status.
func StatusFor(err error) int {
	var (
		notFound   *modhosterrors.NotFoundError
		validation *modhosterrors.ValidationError
		timeout    *modhosterrors.TimeoutError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	}

	switch module.CodeOf(err) {
	case module.CodeReservedName:
		return http.StatusBadRequest
	case module.CodeAlreadyRunning:
		return http.StatusConflict
	case module.CodeLoadTimeout, module.CodeUnloadTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
