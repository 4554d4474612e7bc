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

// Package provider adapts the gateway to the upstream API dialects:
// request validation and parsing, target URLs, credential injection,
// and response chunk framing.
package provider

import (
	"context"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/llmgateway/lib/types"
)

// PathParams carry the model and stream mode encoded in the request
// path on Bedrock-style ingress.
type PathParams struct {
	// Model is the model name from the path, empty for OpenAI ingress.
	Model string
	// Stream is true for the streaming invoke endpoint.
	Stream bool
}

// Provider adapts one upstream API dialect.
type Provider interface {
	// Validate checks the raw client body before parsing.
	Validate(body []byte) error
	// Parse produces the standardized request carried through fallback
	// attempts.
	Parse(headers http.Header, body []byte, path PathParams) (*types.StandardizedRequest, error)
	// TargetURL builds the upstream URL for a backend.
	TargetURL(backend *types.Backend, req *types.StandardizedRequest) (string, error)
	// PrepareHeaders builds the upstream headers: client credentials
	// are stripped, backend credentials injected. Bedrock signs the
	// canonical request with SigV4, so it needs the final URL and body.
	PrepareHeaders(ctx context.Context, backend *types.Backend, stream bool, targetURL string, incoming http.Header, body []byte) (http.Header, error)
	// PrepareBody applies the per-backend model override and provider
	// body defaults.
	PrepareBody(req *types.StandardizedRequest, backend *types.Backend) ([]byte, error)
	// UsesBinaryStream is true when the stream is a binary event
	// stream rather than text SSE.
	UsesBinaryStream() bool
	// ProcessChunk transforms one stream chunk. Text-mode chunks are
	// whole UTF-8 sequences. The default is identity.
	ProcessChunk(chunk []byte) []byte
	// ProcessBody transforms a buffered non-streaming body. The
	// default is identity.
	ProcessBody(body []byte) ([]byte, error)
	// ProcessHeaders selects the upstream headers forwarded to the
	// client. The default keeps Content-Type only.
	ProcessHeaders(upstream http.Header) http.Header
}

// Registry maps provider discriminators to adapters.
type Registry struct {
	providers map[types.Provider]Provider
}

// NewRegistry creates a registry with the built-in adapters.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{providers: map[types.Provider]Provider{
		types.ProviderOpenAI:  &OpenAIProvider{},
		types.ProviderBedrock: NewBedrockProvider(clock),
	}}
}

// Get returns the adapter for a provider discriminator.
func (r *Registry) Get(p types.Provider) (Provider, error) {
	adapter, ok := r.providers[p]
	if !ok {
		return nil, trace.BadParameter("unsupported provider %q", p)
	}
	return adapter, nil
}

// forwardHeaders is the default ProcessHeaders behavior: only the
// upstream Content-Type reaches the client.
func forwardHeaders(upstream http.Header) http.Header {
	out := make(http.Header)
	if ct := upstream.Get("Content-Type"); ct != "" {
		out.Set("Content-Type", ct)
	}
	return out
}

// dropHeaders are client headers never forwarded upstream.
var dropHeaders = []string{
	"Authorization",
	"Content-Length",
	"Host",
	"Connection",
	"Accept-Encoding",
	"X-Backend-Id",
	"X-Session-Id",
}
