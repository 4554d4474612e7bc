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

// Package metrics implements the per-request outcome sink consumed by
// metrics-driven backend selection and the Prometheus exporter.
package metrics

import (
	"context"
	"time"

	"github.com/gravitational/llmgateway/lib/types"
)

// BackendStats summarizes a backend's recent request outcomes.
type BackendStats struct {
	// Total is the number of attempts in the window.
	Total int
	// Success is the number of successful attempts.
	Success int
	// Failure is the number of failed attempts.
	Failure int
	// SuccessRate is Success/Total, zero when Total is zero.
	SuccessRate float64
	// AvgStreamingTTFTMillis is the mean time to first token of
	// streaming attempts that observed one.
	AvgStreamingTTFTMillis float64
	// StreamingSamples counts streaming attempts with a TTFT.
	StreamingSamples int
	// AvgNonStreamingTTFTMillis is the mean time to first token of
	// non-streaming attempts.
	AvgNonStreamingTTFTMillis float64
	// NonStreamingSamples counts non-streaming attempts with a TTFT.
	NonStreamingSamples int
}

// ErrorRate is Failure/Total, zero when Total is zero.
func (s *BackendStats) ErrorRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failure) / float64(s.Total)
}

// Sink receives per-attempt outcomes and answers recent-stats queries.
// Writes are fire-and-forget: they never block the request path and
// their failures are logged, not surfaced.
type Sink interface {
	// RecordRequestComplete records one attempt outcome.
	RecordRequestComplete(point types.MetricsDataPoint)
	// GetRecentStats summarizes one backend over the window.
	GetRecentStats(ctx context.Context, backendID string, window time.Duration) (*BackendStats, error)
	// GetAllStats summarizes every backend seen in the window.
	GetAllStats(ctx context.Context, window time.Duration) (map[string]BackendStats, error)
	// Enabled reports whether the sink actually records anything.
	// Metrics-driven selection strategies require an enabled sink.
	Enabled() bool
	// Close flushes and releases sink resources.
	Close() error
}

// DisabledSink drops writes and returns zeroed stats.
type DisabledSink struct{}

// RecordRequestComplete drops the data point.
func (DisabledSink) RecordRequestComplete(types.MetricsDataPoint) {}

// GetRecentStats returns zeroed stats.
func (DisabledSink) GetRecentStats(context.Context, string, time.Duration) (*BackendStats, error) {
	return &BackendStats{}, nil
}

// GetAllStats returns no stats.
func (DisabledSink) GetAllStats(context.Context, time.Duration) (map[string]BackendStats, error) {
	return map[string]BackendStats{}, nil
}

// Enabled reports false.
func (DisabledSink) Enabled() bool { return false }

// Close is a no-op.
func (DisabledSink) Close() error { return nil }

var _ Sink = DisabledSink{}
