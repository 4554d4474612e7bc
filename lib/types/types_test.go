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

package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validOpenAIBackend(id string) Backend {
	return Backend{
		ID:       id,
		Provider: ProviderOpenAI,
		URL:      "https://api.example.com",
		APIKey:   "sk-test",
		Weight:   1,
		Enabled:  true,
	}
}

func TestBackendCheckAndSetDefaults(t *testing.T) {
	tests := []struct {
		name      string
		backend   Backend
		assertErr require.ErrorAssertionFunc
	}{
		{
			name:      "valid openai backend",
			backend:   validOpenAIBackend("b1"),
			assertErr: require.NoError,
		},
		{
			name: "valid bedrock backend",
			backend: Backend{
				ID:              "b1",
				Provider:        ProviderBedrock,
				Region:          "us-east-1",
				AccessKeyID:     "AKIA123",
				SecretAccessKey: "secret",
				Weight:          1,
				Enabled:         true,
			},
			assertErr: require.NoError,
		},
		{
			name:      "missing id",
			backend:   Backend{Provider: ProviderOpenAI, URL: "https://api.example.com"},
			assertErr: require.Error,
		},
		{
			name: "openai without url",
			backend: Backend{
				ID:       "b1",
				Provider: ProviderOpenAI,
				Weight:   1,
			},
			assertErr: require.Error,
		},
		{
			name: "bedrock without region",
			backend: Backend{
				ID:              "b1",
				Provider:        ProviderBedrock,
				AccessKeyID:     "AKIA123",
				SecretAccessKey: "secret",
			},
			assertErr: require.Error,
		},
		{
			name: "bedrock without credentials",
			backend: Backend{
				ID:       "b1",
				Provider: ProviderBedrock,
				Region:   "us-east-1",
			},
			assertErr: require.Error,
		},
		{
			name: "unsupported provider",
			backend: Backend{
				ID:       "b1",
				Provider: Provider("anthropic"),
			},
			assertErr: require.Error,
		},
		{
			name: "negative weight",
			backend: Backend{
				ID:       "b1",
				Provider: ProviderOpenAI,
				URL:      "https://api.example.com",
				Weight:   -1,
			},
			assertErr: require.Error,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.assertErr(t, tt.backend.CheckAndSetDefaults())
		})
	}
}

func TestBackendSelectable(t *testing.T) {
	b := validOpenAIBackend("b1")
	require.True(t, b.Selectable())

	b.Weight = 0
	require.False(t, b.Selectable())

	b.Weight = 1
	b.Enabled = false
	require.False(t, b.Selectable())
}

func TestModelCheckAndSetDefaults(t *testing.T) {
	t.Run("defaults to weighted strategy", func(t *testing.T) {
		m := Model{
			Name:     "gpt-4",
			Provider: ProviderOpenAI,
			Backends: []Backend{validOpenAIBackend("b1")},
		}
		require.NoError(t, m.CheckAndSetDefaults())
		require.Equal(t, StrategyWeighted, m.Strategy)
	})

	t.Run("rejects duplicate backend ids", func(t *testing.T) {
		m := Model{
			Name:     "gpt-4",
			Provider: ProviderOpenAI,
			Backends: []Backend{validOpenAIBackend("b1"), validOpenAIBackend("b1")},
		}
		require.Error(t, m.CheckAndSetDefaults())
	})

	t.Run("rejects provider mismatch", func(t *testing.T) {
		m := Model{
			Name:     "claude",
			Provider: ProviderBedrock,
			Backends: []Backend{validOpenAIBackend("b1")},
		}
		require.Error(t, m.CheckAndSetDefaults())
	})

	t.Run("rejects unknown strategy", func(t *testing.T) {
		m := Model{
			Name:     "gpt-4",
			Provider: ProviderOpenAI,
			Strategy: Strategy("round-robin"),
		}
		require.Error(t, m.CheckAndSetDefaults())
	})
}

func TestModelBackendFiltering(t *testing.T) {
	disabled := validOpenAIBackend("disabled")
	disabled.Enabled = false
	zeroWeight := validOpenAIBackend("zero-weight")
	zeroWeight.Weight = 0
	m := Model{
		Name:     "gpt-4",
		Provider: ProviderOpenAI,
		Backends: []Backend{validOpenAIBackend("b1"), disabled, zeroWeight, validOpenAIBackend("b2")},
	}
	require.NoError(t, m.CheckAndSetDefaults())

	enabled := m.EnabledBackends()
	require.Len(t, enabled, 3)
	require.Equal(t, "b1", enabled[0].ID)
	require.Equal(t, "zero-weight", enabled[1].ID)
	require.Equal(t, "b2", enabled[2].ID)

	selectable := m.SelectableBackends()
	require.Len(t, selectable, 2)
	require.Equal(t, "b1", selectable[0].ID)
	require.Equal(t, "b2", selectable[1].ID)

	b, ok := m.GetBackend("zero-weight")
	require.True(t, ok)
	require.Equal(t, "zero-weight", b.ID)
	_, ok = m.GetBackend("missing")
	require.False(t, ok)
}

func TestStrategyRequiresMetrics(t *testing.T) {
	require.False(t, StrategyWeighted.RequiresMetrics())
	require.True(t, StrategyLowestTTFT.RequiresMetrics())
	require.True(t, StrategyMinErrorRate.RequiresMetrics())
}

func TestAPIKeyAllowsModel(t *testing.T) {
	key := APIKey{Key: "sk-test", Models: []string{"gpt-4", "claude"}}
	require.True(t, key.AllowsModel("gpt-4"))
	require.False(t, key.AllowsModel("gpt-3.5"))

	require.NoError(t, key.CheckAndSetDefaults())
	empty := APIKey{}
	require.Error(t, empty.CheckAndSetDefaults())
}
