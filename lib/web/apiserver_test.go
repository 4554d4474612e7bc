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

package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/activerequests"
	"github.com/gravitational/llmgateway/lib/balancer"
	"github.com/gravitational/llmgateway/lib/dispatch"
	"github.com/gravitational/llmgateway/lib/metrics"
	"github.com/gravitational/llmgateway/lib/provider"
	"github.com/gravitational/llmgateway/lib/services"
	"github.com/gravitational/llmgateway/lib/types"
)

// newTestHandler wires a handler over in-memory components and one
// OpenAI model backed by upstreamURL.
func newTestHandler(t *testing.T, upstreamURL string, registry *prometheus.Registry) *Handler {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewRealClock()

	store := services.NewMemoryStore(services.MemoryStoreConfig{})
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.UpsertModel(ctx, types.Model{
		Name:     "gpt-4",
		Provider: types.ProviderOpenAI,
		Backends: []types.Backend{{
			ID:       "b1",
			Provider: types.ProviderOpenAI,
			URL:      upstreamURL,
			APIKey:   "backend-key",
			Weight:   1,
			Enabled:  true,
		}},
	}))
	require.NoError(t, store.UpsertAPIKey(ctx, types.APIKey{
		Key:    "sk-valid",
		Models: []string{"gpt-4"},
	}))
	require.NoError(t, store.UpsertAPIKey(ctx, types.APIKey{
		Key:    "sk-restricted",
		Models: []string{"other-model"},
	}))
	require.NoError(t, store.UpsertAPIKey(ctx, types.APIKey{
		Key:    "sk-wide",
		Models: []string{"gpt-4", "missing"},
	}))

	active, err := activerequests.NewMemoryStore(activerequests.MemoryStoreConfig{
		InstanceID: "instance-1",
		Clock:      clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { active.Close() })
	limiter, err := activerequests.NewLimiter(activerequests.LimiterConfig{Store: active})
	require.NoError(t, err)

	sink, err := metrics.NewMemorySink(metrics.MemorySinkConfig{Clock: clock})
	require.NoError(t, err)

	lb, err := balancer.New(balancer.Config{ConfigStore: store, Metrics: sink})
	require.NoError(t, err)

	dispatcher, err := dispatch.New(dispatch.Config{
		ConfigStore: store,
		Balancer:    lb,
		Limiter:     limiter,
		Metrics:     sink,
		Providers:   provider.NewRegistry(clock),
		InstanceID:  "instance-1",
		Clock:       clock,
	})
	require.NoError(t, err)

	h, err := NewHandler(Config{
		ConfigStore: store,
		Dispatcher:  dispatcher,
		Registry:    registry,
	})
	require.NoError(t, err)
	return h
}

func completionRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4","messages":[]}`))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func errorCode(t *testing.T, body string) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &envelope))
	return envelope.Error.Code
}

func TestChatCompletions(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"cmpl-1"}`)
	}))
	t.Cleanup(upstream.Close)
	h := newTestHandler(t, upstream.URL, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, completionRequest("sk-valid"))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"id":"cmpl-1"}`, w.Body.String())
}

func TestAuthRejectsMissingToken(t *testing.T) {
	h := newTestHandler(t, "https://unused.example.com", nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, completionRequest(""))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid_api_key", errorCode(t, w.Body.String()))
}

func TestAuthRejectsUnknownToken(t *testing.T) {
	h := newTestHandler(t, "https://unused.example.com", nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, completionRequest("sk-unknown"))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid_api_key", errorCode(t, w.Body.String()))
}

func TestModelNotAllowedEnvelope(t *testing.T) {
	h := newTestHandler(t, "https://unused.example.com", nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, completionRequest("sk-restricted"))
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "model_not_allowed", errorCode(t, w.Body.String()))
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestUnknownModelEnvelope(t *testing.T) {
	h := newTestHandler(t, "https://unused.example.com", nil)

	// The key allows "missing" but no such model is configured; the
	// client gets the service-unavailable envelope, not a backend error.
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"missing","messages":[]}`))
	req.Header.Set("Authorization", "Bearer sk-wide")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "no_backend", errorCode(t, w.Body.String()))

	// A key that does not allow the model fails the permission check
	// before any lookup.
	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"missing","messages":[]}`))
	req.Header.Set("Authorization", "Bearer sk-valid")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestExplicitBackendHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(upstream.Close)
	h := newTestHandler(t, upstream.URL, nil)

	req := completionRequest("sk-valid")
	req.Header.Set(HeaderBackendID, "no-such-backend")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "backend_not_found", errorCode(t, w.Body.String()))
}

func TestBedrockInvokeRoutes(t *testing.T) {
	h := newTestHandler(t, "https://unused.example.com", nil)

	// The model in the path is not configured, but the route and auth
	// plumbing run. The restricted key is rejected before any lookup.
	req := httptest.NewRequest(http.MethodPost, "/model/anthropic.claude-3/invoke",
		strings.NewReader(`{"messages":[]}`))
	req.Header.Set("Authorization", "Bearer sk-restricted")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/model/anthropic.claude-3/invoke-with-response-stream",
		strings.NewReader(`{"messages":[]}`))
	req.Header.Set("Authorization", "Bearer sk-restricted")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, "https://unused.example.com", nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, "ok", payload["status"])
	require.Equal(t, llmgateway.Version, payload["version"])
}

func TestMetricsRoute(t *testing.T) {
	h := newTestHandler(t, "https://unused.example.com", prometheus.NewRegistry())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Without a registry the route does not exist.
	h = newTestHandler(t, "https://unused.example.com", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}
