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

// Package web implements the gateway's HTTP ingress: the OpenAI-style
// and Bedrock-style completion endpoints, health, and the Prometheus
// scrape endpoint.
package web

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/dispatch"
	"github.com/gravitational/llmgateway/lib/httplib"
	"github.com/gravitational/llmgateway/lib/provider"
	"github.com/gravitational/llmgateway/lib/services"
	"github.com/gravitational/llmgateway/lib/types"
)

// Request headers steering dispatch.
const (
	// HeaderBackendID forces selection of one backend and disables
	// fallback.
	HeaderBackendID = "X-Backend-Id"
	// HeaderSessionID enables session affinity for models that allow it.
	HeaderSessionID = "X-Session-Id"
)

// maxRequestBodyBytes bounds the client body read.
const maxRequestBodyBytes = 32 << 20

// Config configures the API handler.
type Config struct {
	// ConfigStore resolves API keys.
	ConfigStore services.ConfigStore
	// Dispatcher runs the request pipeline.
	Dispatcher *dispatch.Dispatcher
	// Registry serves the Prometheus scrape endpoint when set.
	Registry *prometheus.Registry
	// Log is the handler's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults makes sure the configuration has the minimum
// required to function.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConfigStore == nil {
		return trace.BadParameter("missing config store")
	}
	if c.Dispatcher == nil {
		return trace.BadParameter("missing dispatcher")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(llmgateway.ComponentKey, llmgateway.ComponentWeb)
	return nil
}

// Handler is the gateway's HTTP API.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler creates the API handler and binds its routes.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	h.POST("/v1/chat/completions", h.withAuth(h.chatCompletions))
	h.POST("/model/:modelId/invoke", h.withAuth(h.bedrockInvoke(false)))
	h.POST("/model/:modelId/invoke-with-response-stream", h.withAuth(h.bedrockInvoke(true)))
	h.GET("/healthz", httplib.MakeHandler(h.health))
	if cfg.Registry != nil {
		h.Handler(http.MethodGet, "/metrics",
			promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}
	return h, nil
}

// authHandler is a handler that runs with an authenticated API key.
type authHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, key *types.APIKey) error

// withAuth authenticates the bearer token against the configured API
// keys before invoking the handler.
func (h *Handler) withAuth(fn authHandler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token, ok := httplib.BearerToken(r)
		if !ok {
			httplib.ReplyError(w, httplib.ErrInvalidAPIKey())
			return
		}
		key, err := h.cfg.ConfigStore.GetAPIKey(r.Context(), token)
		if err != nil {
			if !trace.IsNotFound(err) {
				h.cfg.Log.ErrorContext(r.Context(), "API key lookup failed.", "error", err)
			}
			httplib.ReplyError(w, httplib.ErrInvalidAPIKey())
			return
		}
		if err := fn(w, r, p, key); err != nil {
			httplib.ReplyError(w, err)
		}
	}
}

// chatCompletions serves the OpenAI-compatible completion endpoint. The
// model and stream mode come from the JSON body.
func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request, _ httprouter.Params, key *types.APIKey) error {
	body, err := readBody(r)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(h.cfg.Dispatcher.Dispatch(r.Context(), w, dispatch.Params{
		Key:               key,
		Ingress:           types.ProviderOpenAI,
		Body:              body,
		Headers:           r.Header,
		ExplicitBackendID: r.Header.Get(HeaderBackendID),
		SessionID:         r.Header.Get(HeaderSessionID),
	}))
}

// bedrockInvoke serves the Bedrock-compatible invoke endpoints. The
// model comes from the path and the stream mode from the route.
func (h *Handler) bedrockInvoke(stream bool) authHandler {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params, key *types.APIKey) error {
		body, err := readBody(r)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(h.cfg.Dispatcher.Dispatch(r.Context(), w, dispatch.Params{
			Key:     key,
			Ingress: types.ProviderBedrock,
			Path: provider.PathParams{
				Model:  p.ByName("modelId"),
				Stream: stream,
			},
			Body:              body,
			Headers:           r.Header,
			ExplicitBackendID: r.Header.Get(HeaderBackendID),
			SessionID:         r.Header.Get(HeaderSessionID),
		}))
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return map[string]string{
		"status":  "ok",
		"version": llmgateway.Version,
	}, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		return nil, httplib.ErrInvalidRequest("failed to read request body: %v", err)
	}
	return body, nil
}
