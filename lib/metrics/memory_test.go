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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/llmgateway/lib/types"
)

func point(clock clockwork.Clock, backendID string, status types.RequestStatus, st types.StreamType, ttft int64) types.MetricsDataPoint {
	p := types.MetricsDataPoint{
		InstanceID: "instance-1",
		BackendID:  backendID,
		Timestamp:  clock.Now(),
		RequestID:  "req",
		Status:     status,
		StreamType: st,
	}
	if ttft >= 0 {
		p.TTFTMillis = &ttft
	}
	return p
}

func TestMemorySinkStats(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s, err := NewMemorySink(MemorySinkConfig{Clock: clock})
	require.NoError(t, err)

	s.RecordRequestComplete(point(clock, "b1", types.StatusSuccess, types.StreamTypeStreaming, 100))
	s.RecordRequestComplete(point(clock, "b1", types.StatusSuccess, types.StreamTypeStreaming, 300))
	s.RecordRequestComplete(point(clock, "b1", types.StatusFailure, types.StreamTypeStreaming, -1))
	s.RecordRequestComplete(point(clock, "b1", types.StatusSuccess, types.StreamTypeNonStreaming, 50))
	s.RecordRequestComplete(point(clock, "b2", types.StatusFailure, types.StreamTypeNonStreaming, -1))

	stats, err := s.GetRecentStats(ctx, "b1", 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Total)
	require.Equal(t, 3, stats.Success)
	require.Equal(t, 1, stats.Failure)
	require.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
	require.InDelta(t, 0.25, stats.ErrorRate(), 1e-9)
	require.Equal(t, 2, stats.StreamingSamples)
	require.InDelta(t, 200, stats.AvgStreamingTTFTMillis, 1e-9)
	require.Equal(t, 1, stats.NonStreamingSamples)
	require.InDelta(t, 50, stats.AvgNonStreamingTTFTMillis, 1e-9)

	all, err := s.GetAllStats(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, 1, all["b2"].Failure)
}

func TestMemorySinkWindow(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s, err := NewMemorySink(MemorySinkConfig{Clock: clock})
	require.NoError(t, err)

	s.RecordRequestComplete(point(clock, "b1", types.StatusFailure, types.StreamTypeStreaming, -1))
	clock.Advance(20 * time.Minute)
	s.RecordRequestComplete(point(clock, "b1", types.StatusSuccess, types.StreamTypeStreaming, 100))

	// Only the point inside the window counts.
	stats, err := s.GetRecentStats(ctx, "b1", 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.Success)
	require.Zero(t, stats.Failure)
}

func TestMemorySinkRetentionPruning(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s, err := NewMemorySink(MemorySinkConfig{Retention: 10 * time.Minute, Clock: clock})
	require.NoError(t, err)

	s.RecordRequestComplete(point(clock, "b1", types.StatusSuccess, types.StreamTypeStreaming, 100))
	clock.Advance(11 * time.Minute)
	s.RecordRequestComplete(point(clock, "b1", types.StatusSuccess, types.StreamTypeStreaming, 100))

	// The first point fell out of retention, even a wide window cannot
	// see it.
	stats, err := s.GetRecentStats(ctx, "b1", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
}

func TestMemorySinkUnknownBackend(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemorySink(MemorySinkConfig{})
	require.NoError(t, err)

	stats, err := s.GetRecentStats(ctx, "missing", 15*time.Minute)
	require.NoError(t, err)
	require.Zero(t, stats.Total)
	require.Zero(t, stats.ErrorRate())
}

func TestDisabledSink(t *testing.T) {
	ctx := context.Background()
	var s Sink = DisabledSink{}
	require.False(t, s.Enabled())
	s.RecordRequestComplete(types.MetricsDataPoint{BackendID: "b1"})
	stats, err := s.GetRecentStats(ctx, "b1", 15*time.Minute)
	require.NoError(t, err)
	require.Zero(t, stats.Total)
}
