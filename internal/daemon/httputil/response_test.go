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

package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/modhost/internal/module"
	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		data     any
		wantJSON string
	}{
		{name: "map", status: http.StatusOK, data: map[string]string{"message": "success"}, wantJSON: `{"message":"success"}`},
		{name: "struct", status: http.StatusCreated, data: struct{ ID int }{ID: 42}, wantJSON: `{"ID":42}`},
		{name: "raw message", status: http.StatusOK, data: json.RawMessage(`[1,2]`), wantJSON: `[1,2]`},
		{name: "empty raw message", status: http.StatusOK, data: json.RawMessage(nil), wantJSON: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.status, tt.data)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.wantJSON, w.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: &modhosterrors.NotFoundError{Resource: "module", ID: "x"}, want: http.StatusNotFound},
		{name: "validation", err: fmt.Errorf("w: %w", &modhosterrors.ValidationError{Message: "bad"}), want: http.StatusBadRequest},
		{name: "reserved", err: module.Errorf(module.CodeReservedName, "db", "db is a reserved name"), want: http.StatusBadRequest},
		{name: "already running", err: module.Errorf(module.CodeAlreadyRunning, "a", "Already running module a"), want: http.StatusConflict},
		{name: "load timeout", err: module.Errorf(module.CodeLoadTimeout, "a", "Module Load Timeout"), want: http.StatusGatewayTimeout},
		{name: "plain", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestWriteErr(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErr(w, module.Errorf(module.CodeReservedName, "db", "db is a reserved name"))

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RESERVED_NAME", body.Code)
	assert.Contains(t, body.Error, "reserved name")
}
