/*
Copyright 2025 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package defaults contains default constants set in various parts of
// the gateway codebase.
package defaults

import "time"

const (
	// HTTPListenPort is the default ingress port.
	HTTPListenPort = 51818

	// ActiveRequestTTL is how long an active-request record is trusted
	// before the TTL sweep reaps it. Records older than this belong to
	// instances that crashed without releasing them.
	ActiveRequestTTL = 10 * time.Minute

	// ActiveRequestSweepInterval is how often the background sweep
	// removes expired active-request records.
	ActiveRequestSweepInterval = time.Minute

	// MetricsWindow is the lookback window used by metrics-driven
	// backend selection strategies.
	MetricsWindow = 15 * time.Minute

	// MinErrorRateMinRequests is the minimum number of samples a backend
	// needs in the window before its error rate is trusted.
	MinErrorRateMinRequests = 20

	// CircuitBreakerThreshold is the error rate at or above which a
	// backend is excluded from min-error-rate selection.
	CircuitBreakerThreshold = 0.9

	// ErrorRateEpsilon keeps the effective-weight division defined for
	// backends with a zero error rate.
	ErrorRateEpsilon = 0.001

	// AffinityCacheSize bounds the in-process affinity LRU.
	AffinityCacheSize = 10000

	// ConfigReloadInterval is how often the durable configuration is
	// re-read to pick up changes made by other instances.
	ConfigReloadInterval = time.Minute

	// UpstreamTimeout caps a single upstream attempt end to end.
	UpstreamTimeout = 10 * time.Minute

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout = 30 * time.Second

	// MongoDatabase is the default database name.
	MongoDatabase = "llmgateway"

	// MetricsBufferSize is the queue depth of the asynchronous metrics
	// writer. Writes beyond this are dropped rather than blocking the
	// request path.
	MetricsBufferSize = 4096
)

// Collection names in the durable store.
const (
	CollectionModels           = "models"
	CollectionAPIKeys          = "api_keys"
	CollectionActiveRequests   = "active_requests"
	CollectionAffinityMappings = "affinity_mappings"
	CollectionMetrics          = "metrics_data_points"
	CollectionRecordedRequests = "recorded_requests"
)
