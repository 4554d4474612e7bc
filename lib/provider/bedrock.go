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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/llmgateway/lib/httplib"
	"github.com/gravitational/llmgateway/lib/types"
)

const (
	// bedrockService is the SigV4 signing service name.
	bedrockService = "bedrock"

	// bedrockEventStreamContentType is the binary response framing of
	// the streaming invoke endpoint.
	bedrockEventStreamContentType = "application/vnd.amazon.eventstream"

	// defaultAnthropicVersion is injected when the client body does not
	// carry one. Bedrock rejects Anthropic payloads without it.
	defaultAnthropicVersion = "bedrock-2023-05-31"
)

// BedrockProvider adapts AWS Bedrock runtime backends. Requests are
// signed with SigV4 and streamed responses arrive as a binary event
// stream that is forwarded verbatim.
type BedrockProvider struct {
	clock  clockwork.Clock
	signer *v4.Signer
}

// NewBedrockProvider creates a Bedrock adapter.
func NewBedrockProvider(clock clockwork.Clock) *BedrockProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BedrockProvider{
		clock:  clock,
		signer: v4.NewSigner(),
	}
}

// Validate checks the raw client body.
func (p *BedrockProvider) Validate(body []byte) error {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return httplib.ErrInvalidRequest("invalid JSON body: %v", err)
	}
	return nil
}

// Parse produces the standardized request. The model and stream mode
// come from the invoke path, not the body.
func (p *BedrockProvider) Parse(headers http.Header, body []byte, path PathParams) (*types.StandardizedRequest, error) {
	if path.Model == "" {
		return nil, httplib.ErrModelRequired()
	}
	return &types.StandardizedRequest{
		Model:   path.Model,
		Stream:  path.Stream,
		Headers: headers,
		Body:    body,
	}, nil
}

// TargetURL builds the regional runtime invoke URL, applying the
// per-backend model override to the path.
func (p *BedrockProvider) TargetURL(backend *types.Backend, req *types.StandardizedRequest) (string, error) {
	if backend.Region == "" {
		return "", trace.BadParameter("backend %q has no region", backend.ID)
	}
	model := req.Model
	if backend.Model != "" {
		model = backend.Model
	}
	endpoint := "invoke"
	if req.Stream {
		endpoint = "invoke-with-response-stream"
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/%s",
		backend.Region, url.PathEscape(model), endpoint), nil
}

// PrepareHeaders computes the SigV4 signature over the canonical
// request and returns the signed header set.
func (p *BedrockProvider) PrepareHeaders(ctx context.Context, backend *types.Backend, stream bool, targetURL string, _ http.Header, body []byte) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", bedrockEventStreamContentType)
	} else {
		req.Header.Set("Accept", "application/json")
	}

	sum := sha256.Sum256(body)
	creds := aws.Credentials{
		AccessKeyID:     backend.AccessKeyID,
		SecretAccessKey: backend.SecretAccessKey,
		SessionToken:    backend.SessionToken,
	}
	err = p.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]),
		bedrockService, backend.Region, p.clock.Now())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return req.Header, nil
}

// PrepareBody strips the routing fields the runtime API does not
// accept and injects the default anthropic_version when absent.
func (p *BedrockProvider) PrepareBody(req *types.StandardizedRequest, _ *types.Backend) ([]byte, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, httplib.ErrInvalidRequest("invalid JSON body: %v", err)
	}
	delete(payload, "model")
	delete(payload, "stream")
	if _, ok := payload["anthropic_version"]; !ok {
		version, err := json.Marshal(defaultAnthropicVersion)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		payload["anthropic_version"] = version
	}
	out, err := json.Marshal(payload)
	return out, trace.Wrap(err)
}

// UsesBinaryStream reports true, streamed responses are a binary event
// stream.
func (p *BedrockProvider) UsesBinaryStream() bool { return true }

// ProcessChunk forwards event-stream frames verbatim.
func (p *BedrockProvider) ProcessChunk(chunk []byte) []byte { return chunk }

// ProcessBody forwards the body unchanged.
func (p *BedrockProvider) ProcessBody(body []byte) ([]byte, error) { return body, nil }

// ProcessHeaders keeps Content-Type only.
func (p *BedrockProvider) ProcessHeaders(upstream http.Header) http.Header {
	return forwardHeaders(upstream)
}

var _ Provider = (*BedrockProvider)(nil)
