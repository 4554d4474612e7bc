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

// Package types defines the configuration and in-flight data model shared
// by the gateway components.
package types

import (
	"net/http"
	"slices"
	"time"

	"github.com/gravitational/trace"
)

// Provider discriminates the upstream API dialect of a backend.
type Provider string

const (
	// ProviderOpenAI is an OpenAI-compatible chat completion endpoint.
	ProviderOpenAI Provider = "openai"
	// ProviderBedrock is an AWS Bedrock runtime endpoint signed with SigV4.
	ProviderBedrock Provider = "bedrock"
)

// Strategy selects how a backend is picked among the selectable ones.
type Strategy string

const (
	// StrategyWeighted picks backends proportionally to their weights.
	StrategyWeighted Strategy = "weighted"
	// StrategyLowestTTFT picks the backend with the lowest recent
	// average time to first token. Requires metrics.
	StrategyLowestTTFT Strategy = "lowest-ttft"
	// StrategyMinErrorRate biases weighted selection against backends
	// with high recent error rates. Requires metrics.
	StrategyMinErrorRate Strategy = "min-error-rate"
)

// RequiresMetrics reports whether the strategy reads recent stats
// during selection.
func (s Strategy) RequiresMetrics() bool {
	return s == StrategyLowestTTFT || s == StrategyMinErrorRate
}

// Backend is one configured upstream endpoint behind a model.
type Backend struct {
	// ID is the stable backend identifier, unique within a model.
	ID string `json:"id" bson:"id"`
	// Provider is the upstream dialect. Must match the parent model.
	Provider Provider `json:"provider" bson:"provider"`
	// URL is the base URL of an OpenAI-style backend.
	URL string `json:"url,omitempty" bson:"url,omitempty"`
	// APIKey is the bearer credential of an OpenAI-style backend.
	APIKey string `json:"api_key,omitempty" bson:"api_key,omitempty"`
	// Region is the AWS region of a Bedrock backend.
	Region string `json:"region,omitempty" bson:"region,omitempty"`
	// AccessKeyID is the AWS access key of a Bedrock backend.
	AccessKeyID string `json:"access_key_id,omitempty" bson:"access_key_id,omitempty"`
	// SecretAccessKey is the AWS secret key of a Bedrock backend.
	SecretAccessKey string `json:"secret_access_key,omitempty" bson:"secret_access_key,omitempty"`
	// SessionToken is the optional AWS session token of a Bedrock backend.
	SessionToken string `json:"session_token,omitempty" bson:"session_token,omitempty"`
	// Weight is the relative selection weight, zero excludes the backend
	// from strategy selection.
	Weight int `json:"weight" bson:"weight"`
	// Enabled gates the backend entirely.
	Enabled bool `json:"enabled" bson:"enabled"`
	// Model optionally overrides the model name sent upstream.
	Model string `json:"model,omitempty" bson:"model,omitempty"`
	// StreamingTTFTTimeoutMillis bounds the time to first streamed byte,
	// zero disables the deadline.
	StreamingTTFTTimeoutMillis int64 `json:"streaming_ttft_timeout_ms,omitempty" bson:"streaming_ttft_timeout_ms,omitempty"`
	// NonStreamingTTFTTimeoutMillis bounds the full body read of a
	// non-streaming response, zero disables the deadline.
	NonStreamingTTFTTimeoutMillis int64 `json:"non_streaming_ttft_timeout_ms,omitempty" bson:"non_streaming_ttft_timeout_ms,omitempty"`
	// MaxConcurrentRequests caps in-flight requests across all gateway
	// instances, zero means unlimited.
	MaxConcurrentRequests int `json:"max_concurrent_requests,omitempty" bson:"max_concurrent_requests,omitempty"`
	// RecordRequests enables the fire-and-forget request recorder for
	// this backend.
	RecordRequests bool `json:"record_requests,omitempty" bson:"record_requests,omitempty"`
}

// Selectable reports whether strategy selection may pick this backend.
func (b *Backend) Selectable() bool {
	return b.Enabled && b.Weight > 0
}

// CheckAndSetDefaults validates the backend.
func (b *Backend) CheckAndSetDefaults() error {
	if b.ID == "" {
		return trace.BadParameter("missing backend id")
	}
	if b.Weight < 0 {
		return trace.BadParameter("backend %q has negative weight", b.ID)
	}
	switch b.Provider {
	case ProviderOpenAI:
		if b.URL == "" {
			return trace.BadParameter("backend %q is missing url", b.ID)
		}
	case ProviderBedrock:
		if b.Region == "" {
			return trace.BadParameter("backend %q is missing region", b.ID)
		}
		if b.AccessKeyID == "" || b.SecretAccessKey == "" {
			return trace.BadParameter("backend %q is missing AWS credentials", b.ID)
		}
	default:
		return trace.BadParameter("backend %q has unsupported provider %q", b.ID, b.Provider)
	}
	return nil
}

// MinErrorRateOptions tunes the min-error-rate strategy.
type MinErrorRateOptions struct {
	// MinRequests is the sample threshold below which a backend keeps
	// its configured weight.
	MinRequests int `json:"min_requests,omitempty" bson:"min_requests,omitempty"`
	// CircuitBreakerThreshold excludes backends whose error rate
	// reaches it.
	CircuitBreakerThreshold float64 `json:"circuit_breaker_threshold,omitempty" bson:"circuit_breaker_threshold,omitempty"`
	// Epsilon keeps the effective-weight division defined at a zero
	// error rate.
	Epsilon float64 `json:"epsilon,omitempty" bson:"epsilon,omitempty"`
}

// Model groups a set of backends under a client-visible model name.
type Model struct {
	// Name is the unique client-visible model name.
	Name string `json:"model" bson:"model"`
	// Provider is the upstream dialect shared by all backends.
	Provider Provider `json:"provider" bson:"provider"`
	// Backends is the ordered backend list.
	Backends []Backend `json:"backends" bson:"backends"`
	// Strategy selects among selectable backends.
	Strategy Strategy `json:"strategy" bson:"strategy"`
	// MinErrorRateOptions tunes the min-error-rate strategy.
	MinErrorRateOptions *MinErrorRateOptions `json:"min_error_rate_options,omitempty" bson:"min_error_rate_options,omitempty"`
	// EnableAffinity pins sessions to the backend that served them.
	EnableAffinity bool `json:"enable_affinity,omitempty" bson:"enable_affinity,omitempty"`
}

// CheckAndSetDefaults validates the model and applies defaults.
func (m *Model) CheckAndSetDefaults() error {
	if m.Name == "" {
		return trace.BadParameter("missing model name")
	}
	if m.Strategy == "" {
		m.Strategy = StrategyWeighted
	}
	switch m.Strategy {
	case StrategyWeighted, StrategyLowestTTFT, StrategyMinErrorRate:
	default:
		return trace.BadParameter("model %q has unsupported strategy %q", m.Name, m.Strategy)
	}
	seen := make(map[string]struct{}, len(m.Backends))
	for i := range m.Backends {
		b := &m.Backends[i]
		if err := b.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
		if b.Provider != m.Provider {
			return trace.BadParameter("backend %q provider %q does not match model provider %q",
				b.ID, b.Provider, m.Provider)
		}
		if _, ok := seen[b.ID]; ok {
			return trace.BadParameter("model %q has duplicate backend id %q", m.Name, b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	return nil
}

// GetBackend returns the backend with the given id.
func (m *Model) GetBackend(id string) (*Backend, bool) {
	for i := range m.Backends {
		if m.Backends[i].ID == id {
			return &m.Backends[i], true
		}
	}
	return nil, false
}

// EnabledBackends returns the enabled backends in configured order.
func (m *Model) EnabledBackends() []Backend {
	out := make([]Backend, 0, len(m.Backends))
	for _, b := range m.Backends {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// SelectableBackends returns backends that are enabled with a positive
// weight, in configured order.
func (m *Model) SelectableBackends() []Backend {
	out := make([]Backend, 0, len(m.Backends))
	for _, b := range m.Backends {
		if b.Selectable() {
			out = append(out, b)
		}
	}
	return out
}

// APIKey authorizes a client to a set of models.
type APIKey struct {
	// Key is the bearer token presented by the client.
	Key string `json:"key" bson:"key"`
	// Name labels the key for operators.
	Name string `json:"name,omitempty" bson:"name,omitempty"`
	// Models lists the model names the key may access.
	Models []string `json:"models" bson:"models"`
}

// AllowsModel reports whether the key may access the named model.
func (k *APIKey) AllowsModel(model string) bool {
	return slices.Contains(k.Models, model)
}

// CheckAndSetDefaults validates the API key.
func (k *APIKey) CheckAndSetDefaults() error {
	if k.Key == "" {
		return trace.BadParameter("missing api key value")
	}
	return nil
}

// ActiveRequest is one in-flight request held against a backend's
// concurrency cap.
type ActiveRequest struct {
	// BackendID is the admitting backend.
	BackendID string `json:"backend_id" bson:"backend_id"`
	// RequestID is the globally unique request identifier.
	RequestID string `json:"request_id" bson:"request_id"`
	// InstanceID identifies the gateway instance holding the slot.
	InstanceID string `json:"instance_id" bson:"instance_id"`
	// StartTime is when admission succeeded.
	StartTime time.Time `json:"start_time" bson:"start_time"`
}

// AffinityMapping pins a session to a backend for prompt-cache reuse.
type AffinityMapping struct {
	// Model is the client-visible model name.
	Model string `json:"model" bson:"model"`
	// SessionID is the client-supplied session identifier.
	SessionID string `json:"session_id" bson:"session_id"`
	// BackendID is the pinned backend.
	BackendID string `json:"backend_id" bson:"backend_id"`
	// CreatedAt is when the mapping was first written.
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	// LastAccessedAt is refreshed on every hit.
	LastAccessedAt time.Time `json:"last_accessed_at" bson:"last_accessed_at"`
	// AccessCount counts hits.
	AccessCount int64 `json:"access_count" bson:"access_count"`
}

// RequestStatus is the outcome of a dispatched attempt.
type RequestStatus string

const (
	// StatusSuccess marks a completed attempt.
	StatusSuccess RequestStatus = "success"
	// StatusFailure marks a failed attempt.
	StatusFailure RequestStatus = "failure"
)

// StreamType tags a metric data point with the response mode.
type StreamType string

const (
	// StreamTypeStreaming marks streaming responses.
	StreamTypeStreaming StreamType = "streaming"
	// StreamTypeNonStreaming marks buffered JSON responses.
	StreamTypeNonStreaming StreamType = "non-streaming"
)

// MetricsDataPoint is the per-attempt outcome written to the metrics sink.
type MetricsDataPoint struct {
	// InstanceID identifies the reporting gateway instance.
	InstanceID string `json:"instance_id" bson:"instance_id"`
	// BackendID is the backend that served or failed the attempt.
	BackendID string `json:"backend_id" bson:"backend_id"`
	// Timestamp is when the attempt completed.
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	// RequestID is the dispatch request identifier.
	RequestID string `json:"request_id" bson:"request_id"`
	// Status is success or failure.
	Status RequestStatus `json:"status" bson:"status"`
	// DurationMillis is the attempt duration.
	DurationMillis int64 `json:"duration_ms" bson:"duration_ms"`
	// TTFTMillis is the time to first token, when observed.
	TTFTMillis *int64 `json:"ttft_ms,omitempty" bson:"ttft_ms,omitempty"`
	// StreamType is the response mode, when known.
	StreamType StreamType `json:"stream_type,omitempty" bson:"stream_type,omitempty"`
	// Model is the client-visible model name.
	Model string `json:"model,omitempty" bson:"model,omitempty"`
	// ErrorType classifies failures (network_error, http_503, ...).
	ErrorType string `json:"error_type,omitempty" bson:"error_type,omitempty"`
}

// StandardizedRequest is the provider-parsed client request carried
// unchanged through fallback attempts.
type StandardizedRequest struct {
	// Model is the client-visible model name.
	Model string
	// Stream requests a streamed response.
	Stream bool
	// Headers are the original client headers.
	Headers http.Header
	// Body is the original JSON body.
	Body []byte
}
