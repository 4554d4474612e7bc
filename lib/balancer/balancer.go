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

// Package balancer selects the initial backend for a dispatch given
// the model's strategy, an explicit override, or session affinity.
package balancer

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"github.com/gravitational/trace"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/affinity"
	"github.com/gravitational/llmgateway/lib/defaults"
	"github.com/gravitational/llmgateway/lib/httplib"
	"github.com/gravitational/llmgateway/lib/metrics"
	"github.com/gravitational/llmgateway/lib/services"
	"github.com/gravitational/llmgateway/lib/types"
)

// Config configures a Balancer.
type Config struct {
	// ConfigStore resolves models and backends.
	ConfigStore services.ConfigStore
	// Metrics answers recent-stats queries for the metrics-driven
	// strategies.
	Metrics metrics.Sink
	// Affinity resolves session pins. Optional.
	Affinity *affinity.Cache
	// Log is the balancer's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults makes sure the configuration has the minimum
// required to function.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConfigStore == nil {
		return trace.BadParameter("missing config store")
	}
	if c.Metrics == nil {
		return trace.BadParameter("missing metrics sink")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(llmgateway.ComponentKey, llmgateway.ComponentBalancer)
	return nil
}

// Balancer picks backends.
type Balancer struct {
	cfg Config
}

// New creates a Balancer.
func New(cfg Config) (*Balancer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Balancer{cfg: cfg}, nil
}

// SelectParams are the inputs of one selection.
type SelectParams struct {
	// Model is the client-visible model name.
	Model string
	// ExplicitBackendID forces selection when set.
	ExplicitBackendID string
	// Stream selects which TTFT average the lowest-ttft strategy reads.
	Stream bool
	// SessionID enables affinity lookup when the model allows it.
	SessionID string
}

// Select returns the initial backend for a dispatch. A nil backend with
// a nil error means nothing is selectable; the caller converts that to
// a service-unavailable response.
func (b *Balancer) Select(ctx context.Context, params SelectParams) (*types.Backend, error) {
	model, err := b.cfg.ConfigStore.GetModel(ctx, params.Model)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Explicit override wins over everything, including the enabled
	// check skip: a disabled backend is an error, not a fallthrough.
	if params.ExplicitBackendID != "" {
		backend, ok := model.GetBackend(params.ExplicitBackendID)
		if !ok {
			return nil, httplib.ErrBackendNotFound(params.ExplicitBackendID)
		}
		if !backend.Enabled {
			return nil, httplib.ErrBackendDisabled(params.ExplicitBackendID)
		}
		return backend, nil
	}

	if params.SessionID != "" && model.EnableAffinity && b.cfg.Affinity != nil {
		if backend := b.resolveAffinity(ctx, model, params.SessionID); backend != nil {
			return backend, nil
		}
	}

	backend, err := b.selectByStrategy(ctx, model, params.Stream)
	return backend, trace.Wrap(err)
}

// resolveAffinity returns the pinned backend when it is still
// selectable, and purges the stale mapping otherwise.
func (b *Balancer) resolveAffinity(ctx context.Context, model *types.Model, sessionID string) *types.Backend {
	backendID, ok := b.cfg.Affinity.Get(ctx, model.Name, sessionID)
	if !ok {
		return nil
	}
	backend, found := model.GetBackend(backendID)
	if !found || !backend.Selectable() {
		b.cfg.Affinity.Invalidate(ctx, model.Name, sessionID)
		return nil
	}
	return backend
}

func (b *Balancer) selectByStrategy(ctx context.Context, model *types.Model, stream bool) (*types.Backend, error) {
	selectable := model.SelectableBackends()
	if len(selectable) == 0 {
		return nil, nil
	}
	switch model.Strategy {
	case types.StrategyLowestTTFT:
		return b.selectLowestTTFT(ctx, selectable, stream)
	case types.StrategyMinErrorRate:
		return b.selectMinErrorRate(ctx, selectable, model.MinErrorRateOptions)
	default:
		return selectWeighted(selectable), nil
	}
}

// selectWeighted draws r in [0, sum of weights) and walks the
// configured order accumulating weights until the running sum exceeds
// r. Ties break by iteration order.
func selectWeighted(backends []types.Backend) *types.Backend {
	total := 0
	for _, b := range backends {
		total += b.Weight
	}
	if total <= 0 {
		return nil
	}
	r := rand.IntN(total)
	sum := 0
	for i := range backends {
		sum += backends[i].Weight
		if sum > r {
			return &backends[i]
		}
	}
	return &backends[len(backends)-1]
}

// selectLowestTTFT picks the backend with the lowest recent average
// TTFT for the request's stream mode. Backends with no samples fall
// back to weighted selection when nothing has samples.
func (b *Balancer) selectLowestTTFT(ctx context.Context, backends []types.Backend, stream bool) (*types.Backend, error) {
	var best *types.Backend
	bestTTFT := 0.0
	for i := range backends {
		stats, err := b.cfg.Metrics.GetRecentStats(ctx, backends[i].ID, defaults.MetricsWindow)
		if err != nil {
			b.cfg.Log.WarnContext(ctx, "Recent stats query failed, skipping backend.",
				"backend_id", backends[i].ID, "error", err)
			continue
		}
		var ttft float64
		var samples int
		if stream {
			ttft, samples = stats.AvgStreamingTTFTMillis, stats.StreamingSamples
		} else {
			ttft, samples = stats.AvgNonStreamingTTFTMillis, stats.NonStreamingSamples
		}
		if samples == 0 {
			continue
		}
		if best == nil || ttft < bestTTFT {
			best = &backends[i]
			bestTTFT = ttft
		}
	}
	if best == nil {
		return selectWeighted(backends), nil
	}
	return best, nil
}

// selectMinErrorRate excludes circuit-broken backends and biases the
// weighted draw by the inverse recent error rate.
func (b *Balancer) selectMinErrorRate(ctx context.Context, backends []types.Backend, opts *types.MinErrorRateOptions) (*types.Backend, error) {
	minRequests := defaults.MinErrorRateMinRequests
	threshold := defaults.CircuitBreakerThreshold
	epsilon := defaults.ErrorRateEpsilon
	if opts != nil {
		if opts.MinRequests > 0 {
			minRequests = opts.MinRequests
		}
		if opts.CircuitBreakerThreshold > 0 {
			threshold = opts.CircuitBreakerThreshold
		}
		if opts.Epsilon > 0 {
			epsilon = opts.Epsilon
		}
	}

	type candidate struct {
		backend   *types.Backend
		effective float64
		errorRate float64
	}
	var candidates []candidate
	var broken []candidate
	for i := range backends {
		stats, err := b.cfg.Metrics.GetRecentStats(ctx, backends[i].ID, defaults.MetricsWindow)
		if err != nil {
			b.cfg.Log.WarnContext(ctx, "Recent stats query failed, using configured weight.",
				"backend_id", backends[i].ID, "error", err)
			stats = &metrics.BackendStats{}
		}
		c := candidate{backend: &backends[i], errorRate: stats.ErrorRate()}
		if stats.Total < minRequests {
			// Below the sample threshold the error rate is noise, keep
			// the configured weight.
			c.effective = float64(backends[i].Weight)
			candidates = append(candidates, c)
			continue
		}
		if c.errorRate >= threshold {
			broken = append(broken, c)
			continue
		}
		c.effective = float64(backends[i].Weight) / (c.errorRate + epsilon)
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		// Everything is circuit-broken, pick the least broken.
		var best *candidate
		for i := range broken {
			if best == nil || broken[i].errorRate < best.errorRate {
				best = &broken[i]
			}
		}
		if best == nil {
			return nil, nil
		}
		return best.backend, nil
	}

	total := 0.0
	for _, c := range candidates {
		total += c.effective
	}
	if total <= 0 {
		return nil, nil
	}
	r := rand.Float64() * total
	sum := 0.0
	for i := range candidates {
		sum += candidates[i].effective
		if sum > r {
			return candidates[i].backend, nil
		}
	}
	return candidates[len(candidates)-1].backend, nil
}
