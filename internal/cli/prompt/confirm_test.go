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

package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequire(t *testing.T) {
	tests := []struct {
		name      string
		skip      bool
		confirmer *Static
		wantErr   error
		wantAsked int
	}{
		{name: "skip", skip: true, confirmer: &Static{}},
		{name: "non-interactive", confirmer: &Static{}, wantErr: ErrNonInteractive},
		{name: "declined", confirmer: &Static{Interactive: true}, wantErr: ErrAborted, wantAsked: 1},
		{name: "accepted", confirmer: &Static{Interactive: true, Answer: true}, wantAsked: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Require(context.Background(), tt.confirmer, tt.skip, "Uninstall alpha?", "")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Len(t, tt.confirmer.Asked, tt.wantAsked)
		})
	}
}
