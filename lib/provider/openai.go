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

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/llmgateway/lib/httplib"
	"github.com/gravitational/llmgateway/lib/types"
)

// OpenAIProvider adapts OpenAI-compatible chat completion backends.
// Upstream calls go to {backend.url}/v1/chat/completions with the
// backend's bearer key; streams are text SSE.
type OpenAIProvider struct{}

type openAIRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Validate checks the raw client body.
func (p *OpenAIProvider) Validate(body []byte) error {
	var req openAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return httplib.ErrInvalidRequest("invalid JSON body: %v", err)
	}
	if req.Model == "" {
		return httplib.ErrModelRequired()
	}
	return nil
}

// Parse produces the standardized request.
func (p *OpenAIProvider) Parse(headers http.Header, body []byte, _ PathParams) (*types.StandardizedRequest, error) {
	var req openAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, httplib.ErrInvalidRequest("invalid JSON body: %v", err)
	}
	return &types.StandardizedRequest{
		Model:   req.Model,
		Stream:  req.Stream,
		Headers: headers,
		Body:    body,
	}, nil
}

// TargetURL builds the upstream chat completion URL.
func (p *OpenAIProvider) TargetURL(backend *types.Backend, _ *types.StandardizedRequest) (string, error) {
	if backend.URL == "" {
		return "", trace.BadParameter("backend %q has no url", backend.ID)
	}
	return strings.TrimSuffix(backend.URL, "/") + "/v1/chat/completions", nil
}

// PrepareHeaders strips client credentials and injects the backend's
// bearer key.
func (p *OpenAIProvider) PrepareHeaders(_ context.Context, backend *types.Backend, _ bool, _ string, incoming http.Header, _ []byte) (http.Header, error) {
	out := incoming.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, h := range dropHeaders {
		out.Del(h)
	}
	out.Set("Content-Type", "application/json")
	if backend.APIKey != "" {
		out.Set("Authorization", "Bearer "+backend.APIKey)
	}
	return out, nil
}

// PrepareBody applies the per-backend model override.
func (p *OpenAIProvider) PrepareBody(req *types.StandardizedRequest, backend *types.Backend) ([]byte, error) {
	if backend.Model == "" {
		return req.Body, nil
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, httplib.ErrInvalidRequest("invalid JSON body: %v", err)
	}
	override, err := json.Marshal(backend.Model)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	payload["model"] = override
	out, err := json.Marshal(payload)
	return out, trace.Wrap(err)
}

// UsesBinaryStream reports false, OpenAI streams are text SSE.
func (p *OpenAIProvider) UsesBinaryStream() bool { return false }

// ProcessChunk forwards chunks unchanged.
func (p *OpenAIProvider) ProcessChunk(chunk []byte) []byte { return chunk }

// ProcessBody forwards the body unchanged.
func (p *OpenAIProvider) ProcessBody(body []byte) ([]byte, error) { return body, nil }

// ProcessHeaders keeps Content-Type only.
func (p *OpenAIProvider) ProcessHeaders(upstream http.Header) http.Header {
	return forwardHeaders(upstream)
}

var _ Provider = (*OpenAIProvider)(nil)
