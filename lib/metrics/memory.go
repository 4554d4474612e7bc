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

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/llmgateway/lib/types"
)

// MemorySinkConfig configures the in-memory sink.
type MemorySinkConfig struct {
	// Retention bounds how long data points are kept. Points older than
	// this are pruned on write.
	Retention time.Duration
	// Clock is used to control time.
	Clock clockwork.Clock
}

// CheckAndSetDefaults applies defaults.
func (c *MemorySinkConfig) CheckAndSetDefaults() error {
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// MemorySink keeps data points in process memory. It backs the
// standalone mode where no durable metrics store is configured.
type MemorySink struct {
	cfg MemorySinkConfig

	mu     sync.Mutex
	points []types.MetricsDataPoint
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink(cfg MemorySinkConfig) (*MemorySink, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &MemorySink{cfg: cfg}, nil
}

// RecordRequestComplete records one attempt outcome and prunes points
// past retention.
func (s *MemorySink) RecordRequestComplete(point types.MetricsDataPoint) {
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.points[:0]
	for _, p := range s.points {
		if p.Timestamp.After(cutoff) {
			kept = append(kept, p)
		}
	}
	s.points = append(kept, point)
}

// GetRecentStats summarizes one backend over the window.
func (s *MemorySink) GetRecentStats(ctx context.Context, backendID string, window time.Duration) (*BackendStats, error) {
	all, err := s.GetAllStats(ctx, window)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stats := all[backendID]
	return &stats, nil
}

// GetAllStats summarizes every backend seen in the window.
func (s *MemorySink) GetAllStats(ctx context.Context, window time.Duration) (map[string]BackendStats, error) {
	cutoff := s.cfg.Clock.Now().Add(-window)
	type accum struct {
		stats            BackendStats
		streamingTTFT    float64
		nonStreamingTTFT float64
	}
	acc := make(map[string]*accum)

	s.mu.Lock()
	for _, p := range s.points {
		if !p.Timestamp.After(cutoff) {
			continue
		}
		a := acc[p.BackendID]
		if a == nil {
			a = &accum{}
			acc[p.BackendID] = a
		}
		a.stats.Total++
		if p.Status == types.StatusSuccess {
			a.stats.Success++
		} else {
			a.stats.Failure++
		}
		if p.TTFTMillis != nil {
			switch p.StreamType {
			case types.StreamTypeStreaming:
				a.stats.StreamingSamples++
				a.streamingTTFT += float64(*p.TTFTMillis)
			case types.StreamTypeNonStreaming:
				a.stats.NonStreamingSamples++
				a.nonStreamingTTFT += float64(*p.TTFTMillis)
			}
		}
	}
	s.mu.Unlock()

	out := make(map[string]BackendStats, len(acc))
	for backendID, a := range acc {
		if a.stats.Total > 0 {
			a.stats.SuccessRate = float64(a.stats.Success) / float64(a.stats.Total)
		}
		if a.stats.StreamingSamples > 0 {
			a.stats.AvgStreamingTTFTMillis = a.streamingTTFT / float64(a.stats.StreamingSamples)
		}
		if a.stats.NonStreamingSamples > 0 {
			a.stats.AvgNonStreamingTTFTMillis = a.nonStreamingTTFT / float64(a.stats.NonStreamingSamples)
		}
		out[backendID] = a.stats
	}
	return out, nil
}

// Enabled reports true.
func (s *MemorySink) Enabled() bool { return true }

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

var _ Sink = (*MemorySink)(nil)
