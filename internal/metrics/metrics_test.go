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

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(loadAttempts.WithLabelValues("metrics-test", ResultFailed))
	RecordLoadAttempt("metrics-test", ResultFailed)
	RecordLoadAttempt("metrics-test", ResultFailed)
	assert.Equal(t, before+2, testutil.ToFloat64(loadAttempts.WithLabelValues("metrics-test", ResultFailed)))

	SetLoaded(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(loadedModules))

	WorkerStarted("thread")
	WorkerStarted("thread")
	WorkerStopped("thread")
	assert.Equal(t, float64(1), testutil.ToFloat64(workers.WithLabelValues("thread")))
	WorkerStopped("thread")

	ObserveLoad("metrics-test", 50*time.Millisecond)
	RecordCrash("metrics-test")
	RecordRetry("metrics-test")
	RecordUnload("metrics-test", "graceful")
	RecordLoadRun()
	RecordDiscovery("added")
}

func TestHandler(t *testing.T) {
	RecordCrash("handler-test")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `modhost_module_crashes_total{module="handler-test"} 1`))
}
