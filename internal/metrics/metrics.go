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

// Package metrics defines the Prometheus collectors exported by modhost.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// loadAttempts tracks individual module load attempts by outcome
	loadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modhost_module_load_attempts_total",
			Help: "Module load attempts by module and result",
		},
		[]string{"module", "result"},
	)

	// loadRetries tracks retries scheduled by the restart policy
	loadRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modhost_module_load_retries_total",
			Help: "Module load retries by module",
		},
		[]string{"module"},
	)

	// loadDuration tracks successful load latency
	loadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modhost_module_load_duration_seconds",
			Help:    "Time from worker spawn to load completion",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"module"},
	)

	// unloads tracks completed module unloads
	unloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modhost_module_unloads_total",
			Help: "Module unloads by module and how the worker stopped",
		},
		[]string{"module", "stop"},
	)

	// crashes tracks workers that exited while their module was loaded
	crashes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modhost_module_crashes_total",
			Help: "Module worker crashes by module",
		},
		[]string{"module"},
	)

	// loadRuns tracks full load runs
	loadRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modhost_load_runs_total",
			Help: "Completed load-all runs",
		},
	)

	// loadedModules tracks modules currently loaded
	loadedModules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modhost_modules_loaded",
			Help: "Number of modules currently loaded",
		},
	)

	// workers tracks live worker contexts by executor type
	workers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modhost_workers_active",
			Help: "Live module workers by executor type",
		},
		[]string{"executor"},
	)

	// discoveryEvents tracks modules-directory events seen by discovery
	discoveryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modhost_discovery_events_total",
			Help: "Modules directory events by outcome",
		},
		[]string{"outcome"},
	)
)

// Load attempt results.
const (
	ResultLoaded = "loaded"
	ResultFailed = "failed"
)

// RecordLoadAttempt counts one load attempt.
func RecordLoadAttempt(module, result string) {
	loadAttempts.WithLabelValues(module, result).Inc()
}

// RecordRetry counts a scheduled retry.
func RecordRetry(module string) {
	loadRetries.WithLabelValues(module).Inc()
}

// ObserveLoad records the duration of a successful load.
func ObserveLoad(module string, d time.Duration) {
	loadDuration.WithLabelValues(module).Observe(d.Seconds())
}

// RecordUnload counts an unload. stop is "graceful", "exited" or "timeout".
func RecordUnload(module, stop string) {
	unloads.WithLabelValues(module, stop).Inc()
}

// RecordCrash counts a crash of a loaded module.
func RecordCrash(module string) {
	crashes.WithLabelValues(module).Inc()
}

// RecordLoadRun counts a finished load-all run.
func RecordLoadRun() {
	loadRuns.Inc()
}

// SetLoaded sets the loaded-modules gauge.
func SetLoaded(n int) {
	loadedModules.Set(float64(n))
}

// WorkerStarted increments the live worker gauge.
func WorkerStarted(executor string) {
	workers.WithLabelValues(executor).Inc()
}

// WorkerStopped decrements the live worker gauge.
func WorkerStopped(executor string) {
	workers.WithLabelValues(executor).Dec()
}

// RecordDiscovery counts a discovery event outcome such as "added",
// "ignored" or "rate_limited".
func RecordDiscovery(outcome string) {
	discoveryEvents.WithLabelValues(outcome).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
