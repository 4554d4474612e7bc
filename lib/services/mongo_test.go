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

package services

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/llmgateway/lib/types"
)

// newSanitizeStore builds a MongoStore with just the pieces the reload
// validation touches; no database round trips happen.
func newSanitizeStore(metricsEnabled bool) *MongoStore {
	return &MongoStore{
		MemoryStore: NewMemoryStore(MemoryStoreConfig{MetricsEnabled: metricsEnabled}),
		cfg: MongoStoreConfig{
			MetricsEnabled: metricsEnabled,
			Log:            slog.Default(),
		},
	}
}

func sanitizeTestModel(name string, strategy types.Strategy) types.Model {
	return types.Model{
		Name:     name,
		Provider: types.ProviderOpenAI,
		Strategy: strategy,
		Backends: []types.Backend{{
			ID:       "b1",
			Provider: types.ProviderOpenAI,
			URL:      "https://api.example.com",
			Weight:   1,
			Enabled:  true,
		}},
	}
}

func TestMongoStoreSanitizeModels(t *testing.T) {
	ctx := context.Background()
	s := newSanitizeStore(false)

	loaded := map[string]types.Model{
		"fast":  sanitizeTestModel("fast", types.StrategyLowestTTFT),
		"gpt-4": sanitizeTestModel("gpt-4", ""),
	}

	// A metrics-driven strategy with metrics disabled fails the initial
	// load outright, same as the mutation path would.
	_, err := s.sanitizeModels(ctx, loaded, true)
	require.Error(t, err)

	// A periodic reload drops the invalid model and keeps the rest of
	// the snapshot converging.
	models, err := s.sanitizeModels(ctx, loaded, false)
	require.NoError(t, err)
	require.NotContains(t, models, "fast")
	m, ok := models["gpt-4"]
	require.True(t, ok)
	require.Equal(t, types.StrategyWeighted, m.Strategy)
}

func TestMongoStoreSanitizeAllowsMetricsStrategiesWhenEnabled(t *testing.T) {
	s := newSanitizeStore(true)

	models, err := s.sanitizeModels(context.Background(), map[string]types.Model{
		"fast": sanitizeTestModel("fast", types.StrategyLowestTTFT),
	}, true)
	require.NoError(t, err)
	require.Contains(t, models, "fast")
}

func TestMongoStoreSanitizeRejectsMalformedModels(t *testing.T) {
	ctx := context.Background()
	s := newSanitizeStore(true)

	broken := sanitizeTestModel("broken", "")
	broken.Backends[0].URL = ""

	_, err := s.sanitizeModels(ctx, map[string]types.Model{"broken": broken}, true)
	require.Error(t, err)

	models, err := s.sanitizeModels(ctx, map[string]types.Model{"broken": broken}, false)
	require.NoError(t, err)
	require.Empty(t, models)
}
