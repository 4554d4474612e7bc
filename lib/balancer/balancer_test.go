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

package balancer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/llmgateway/lib/affinity"
	"github.com/gravitational/llmgateway/lib/httplib"
	"github.com/gravitational/llmgateway/lib/metrics"
	"github.com/gravitational/llmgateway/lib/services"
	"github.com/gravitational/llmgateway/lib/types"
)

// stubSink serves canned per-backend stats.
type stubSink struct {
	stats map[string]metrics.BackendStats
}

func (s *stubSink) RecordRequestComplete(types.MetricsDataPoint) {}
func (s *stubSink) GetRecentStats(_ context.Context, backendID string, _ time.Duration) (*metrics.BackendStats, error) {
	stats := s.stats[backendID]
	return &stats, nil
}
func (s *stubSink) GetAllStats(context.Context, time.Duration) (map[string]metrics.BackendStats, error) {
	return s.stats, nil
}
func (s *stubSink) Enabled() bool { return true }
func (s *stubSink) Close() error  { return nil }

func backend(id string, weight int, enabled bool) types.Backend {
	return types.Backend{
		ID:       id,
		Provider: types.ProviderOpenAI,
		URL:      "https://" + id + ".example.com",
		Weight:   weight,
		Enabled:  enabled,
	}
}

func newTestBalancer(t *testing.T, model types.Model, sink metrics.Sink, cache *affinity.Cache) *Balancer {
	t.Helper()
	store := services.NewMemoryStore(services.MemoryStoreConfig{MetricsEnabled: true})
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.UpsertModel(context.Background(), model))
	if sink == nil {
		sink = &stubSink{}
	}
	b, err := New(Config{
		ConfigStore: store,
		Metrics:     sink,
		Affinity:    cache,
	})
	require.NoError(t, err)
	return b
}

func TestSelectWeightedDistribution(t *testing.T) {
	ctx := context.Background()
	b := newTestBalancer(t, types.Model{
		Name:     "gpt-4",
		Provider: types.ProviderOpenAI,
		Backends: []types.Backend{
			backend("heavy", 9, true),
			backend("light", 1, true),
		},
	}, nil, nil)

	const draws = 2000
	counts := map[string]int{}
	for range draws {
		picked, err := b.Select(ctx, SelectParams{Model: "gpt-4"})
		require.NoError(t, err)
		require.NotNil(t, picked)
		counts[picked.ID]++
	}
	// A 9:1 split should land near 90/10; allow a generous band.
	require.Greater(t, counts["heavy"], draws*80/100)
	require.Greater(t, counts["light"], 0)
	require.Less(t, counts["light"], draws*20/100)
}

func TestSelectSkipsUnselectableBackends(t *testing.T) {
	ctx := context.Background()
	b := newTestBalancer(t, types.Model{
		Name:     "gpt-4",
		Provider: types.ProviderOpenAI,
		Backends: []types.Backend{
			backend("disabled", 5, false),
			backend("zero-weight", 0, true),
			backend("only", 1, true),
		},
	}, nil, nil)

	for range 50 {
		picked, err := b.Select(ctx, SelectParams{Model: "gpt-4"})
		require.NoError(t, err)
		require.NotNil(t, picked)
		require.Equal(t, "only", picked.ID)
	}
}

func TestSelectNoSelectableBackends(t *testing.T) {
	ctx := context.Background()
	b := newTestBalancer(t, types.Model{
		Name:     "gpt-4",
		Provider: types.ProviderOpenAI,
		Backends: []types.Backend{backend("disabled", 1, false)},
	}, nil, nil)

	picked, err := b.Select(ctx, SelectParams{Model: "gpt-4"})
	require.NoError(t, err)
	require.Nil(t, picked)
}

func TestSelectExplicitOverride(t *testing.T) {
	ctx := context.Background()
	b := newTestBalancer(t, types.Model{
		Name:     "gpt-4",
		Provider: types.ProviderOpenAI,
		Backends: []types.Backend{
			backend("b1", 1, true),
			backend("disabled", 1, false),
			backend("zero-weight", 0, true),
		},
	}, nil, nil)

	// Override wins even over a zero-weight backend.
	picked, err := b.Select(ctx, SelectParams{Model: "gpt-4", ExplicitBackendID: "zero-weight"})
	require.NoError(t, err)
	require.Equal(t, "zero-weight", picked.ID)

	// Unknown backend is a 404 code.
	_, err = b.Select(ctx, SelectParams{Model: "gpt-4", ExplicitBackendID: "missing"})
	var apiErr *httplib.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, httplib.CodeBackendNotFound, apiErr.Code)

	// Disabled backend is rejected, not silently replaced.
	_, err = b.Select(ctx, SelectParams{Model: "gpt-4", ExplicitBackendID: "disabled"})
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, httplib.CodeBackendDisabled, apiErr.Code)
}

func TestSelectLowestTTFT(t *testing.T) {
	ctx := context.Background()
	sink := &stubSink{stats: map[string]metrics.BackendStats{
		"slow": {AvgStreamingTTFTMillis: 900, StreamingSamples: 10, AvgNonStreamingTTFTMillis: 100, NonStreamingSamples: 10},
		"fast": {AvgStreamingTTFTMillis: 100, StreamingSamples: 10, AvgNonStreamingTTFTMillis: 900, NonStreamingSamples: 10},
	}}
	b := newTestBalancer(t, types.Model{
		Name:     "gpt-4",
		Provider: types.ProviderOpenAI,
		Strategy: types.StrategyLowestTTFT,
		Backends: []types.Backend{
			backend("slow", 1, true),
			backend("fast", 1, true),
		},
	}, sink, nil)

	// The stream mode selects which average is compared.
	picked, err := b.Select(ctx, SelectParams{Model: "gpt-4", Stream: true})
	require.NoError(t, err)
	require.Equal(t, "fast", picked.ID)

	picked, err = b.Select(ctx, SelectParams{Model: "gpt-4", Stream: false})
	require.NoError(t, err)
	require.Equal(t, "slow", picked.ID)
}

func TestSelectLowestTTFTFallsBackToWeighted(t *testing.T) {
	ctx := context.Background()
	// No backend has samples, selection degrades to weighted.
	b := newTestBalancer(t, types.Model{
		Name:     "gpt-4",
		Provider: types.ProviderOpenAI,
		Strategy: types.StrategyLowestTTFT,
		Backends: []types.Backend{
			backend("b1", 1, true),
			backend("b2", 1, true),
		},
	}, &stubSink{}, nil)

	seen := map[string]bool{}
	for range 200 {
		picked, err := b.Select(ctx, SelectParams{Model: "gpt-4", Stream: true})
		require.NoError(t, err)
		seen[picked.ID] = true
	}
	require.True(t, seen["b1"])
	require.True(t, seen["b2"])
}

func TestSelectMinErrorRate(t *testing.T) {
	ctx := context.Background()
	sink := &stubSink{stats: map[string]metrics.BackendStats{
		"healthy": {Total: 100, Success: 100},
		"flaky":   {Total: 100, Success: 40, Failure: 60},
		"broken":  {Total: 100, Success: 5, Failure: 95},
	}}
	b := newTestBalancer(t, types.Model{
		Name:     "gpt-4",
		Provider: types.ProviderOpenAI,
		Strategy: types.StrategyMinErrorRate,
		Backends: []types.Backend{
			backend("healthy", 1, true),
			backend("flaky", 1, true),
			backend("broken", 1, true),
		},
	}, sink, nil)

	counts := map[string]int{}
	for range 500 {
		picked, err := b.Select(ctx, SelectParams{Model: "gpt-4"})
		require.NoError(t, err)
		counts[picked.ID]++
	}
	// The circuit-broken backend is never picked while healthy
	// candidates exist, and the healthy one dominates.
	require.Zero(t, counts["broken"])
	require.Greater(t, counts["healthy"], counts["flaky"])
}

func TestSelectMinErrorRateAllBroken(t *testing.T) {
	ctx := context.Background()
	sink := &stubSink{stats: map[string]metrics.BackendStats{
		"bad":   {Total: 100, Success: 2, Failure: 98},
		"worse": {Total: 100, Success: 0, Failure: 100},
	}}
	b := newTestBalancer(t, types.Model{
		Name:     "gpt-4",
		Provider: types.ProviderOpenAI,
		Strategy: types.StrategyMinErrorRate,
		Backends: []types.Backend{
			backend("bad", 1, true),
			backend("worse", 1, true),
		},
	}, sink, nil)

	// Everything is past the breaker threshold, the least broken wins.
	picked, err := b.Select(ctx, SelectParams{Model: "gpt-4"})
	require.NoError(t, err)
	require.Equal(t, "bad", picked.ID)
}

func TestSelectMinErrorRateBelowSampleThreshold(t *testing.T) {
	ctx := context.Background()
	// Too few samples to trust the error rate, even a 100% failure rate
	// keeps the configured weight.
	sink := &stubSink{stats: map[string]metrics.BackendStats{
		"young": {Total: 5, Failure: 5},
	}}
	b := newTestBalancer(t, types.Model{
		Name:     "gpt-4",
		Provider: types.ProviderOpenAI,
		Strategy: types.StrategyMinErrorRate,
		Backends: []types.Backend{backend("young", 1, true)},
	}, sink, nil)

	picked, err := b.Select(ctx, SelectParams{Model: "gpt-4"})
	require.NoError(t, err)
	require.Equal(t, "young", picked.ID)
}

func TestSelectAffinity(t *testing.T) {
	ctx := context.Background()
	cache, err := affinity.NewCache(affinity.CacheConfig{Store: affinity.NewMemoryStore()})
	require.NoError(t, err)
	b := newTestBalancer(t, types.Model{
		Name:           "gpt-4",
		Provider:       types.ProviderOpenAI,
		EnableAffinity: true,
		Backends: []types.Backend{
			backend("b1", 1, true),
			backend("b2", 1, true),
		},
	}, nil, cache)

	cache.Upsert("gpt-4", "session-1", "b2")
	for range 20 {
		picked, err := b.Select(ctx, SelectParams{Model: "gpt-4", SessionID: "session-1"})
		require.NoError(t, err)
		require.Equal(t, "b2", picked.ID)
	}

	// Without a session the strategy runs normally.
	seen := map[string]bool{}
	for range 200 {
		picked, err := b.Select(ctx, SelectParams{Model: "gpt-4"})
		require.NoError(t, err)
		seen[picked.ID] = true
	}
	require.True(t, seen["b1"])
	require.True(t, seen["b2"])
}

func TestSelectAffinityStalePin(t *testing.T) {
	ctx := context.Background()
	store := affinity.NewMemoryStore()
	cache, err := affinity.NewCache(affinity.CacheConfig{Store: store})
	require.NoError(t, err)
	b := newTestBalancer(t, types.Model{
		Name:           "gpt-4",
		Provider:       types.ProviderOpenAI,
		EnableAffinity: true,
		Backends: []types.Backend{
			backend("gone", 1, false),
			backend("alive", 1, true),
		},
	}, nil, cache)

	// A pin to an unselectable backend is invalidated and selection
	// moves on.
	cache.Upsert("gpt-4", "session-1", "gone")
	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "gpt-4", "session-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	picked, err := b.Select(ctx, SelectParams{Model: "gpt-4", SessionID: "session-1"})
	require.NoError(t, err)
	require.Equal(t, "alive", picked.ID)

	_, ok := cache.Get(ctx, "gpt-4", "session-1")
	require.False(t, ok)
}
