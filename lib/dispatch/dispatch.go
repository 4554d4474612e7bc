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

// Package dispatch forwards client requests to the selected backend and
// falls over to the remaining enabled backends on pre-first-byte
// failures. It owns admission, per-attempt metrics, and the streaming
// and buffered response pipelines.
package dispatch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/activerequests"
	"github.com/gravitational/llmgateway/lib/affinity"
	"github.com/gravitational/llmgateway/lib/balancer"
	"github.com/gravitational/llmgateway/lib/defaults"
	"github.com/gravitational/llmgateway/lib/httplib"
	"github.com/gravitational/llmgateway/lib/metrics"
	"github.com/gravitational/llmgateway/lib/provider"
	"github.com/gravitational/llmgateway/lib/recorder"
	"github.com/gravitational/llmgateway/lib/services"
	"github.com/gravitational/llmgateway/lib/types"
)

// Config configures a Dispatcher.
type Config struct {
	// ConfigStore resolves models and backends.
	ConfigStore services.ConfigStore
	// Balancer picks the initial backend.
	Balancer *balancer.Balancer
	// Limiter enforces per-backend concurrency caps.
	Limiter *activerequests.Limiter
	// Metrics receives per-attempt outcomes.
	Metrics metrics.Sink
	// Providers maps model providers to their adapters.
	Providers *provider.Registry
	// Affinity pins sessions to backends. Optional.
	Affinity *affinity.Cache
	// Recorder captures requests for opted-in backends. Optional.
	Recorder recorder.Recorder
	// InstanceID identifies this gateway instance in shared stores.
	InstanceID string
	// Client is the upstream HTTP client. It must not enforce a global
	// timeout, streams can outlive any fixed bound.
	Client *http.Client
	// UpstreamTimeout bounds an attempt from connect through the first
	// response byte, and the full body read of non-streaming requests.
	// It is disarmed once a stream delivers its first byte.
	UpstreamTimeout time.Duration
	// Clock is used to control time.
	Clock clockwork.Clock
	// Log is the dispatcher's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults makes sure the configuration has the minimum
// required to function.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConfigStore == nil {
		return trace.BadParameter("missing config store")
	}
	if c.Balancer == nil {
		return trace.BadParameter("missing balancer")
	}
	if c.Limiter == nil {
		return trace.BadParameter("missing limiter")
	}
	if c.Metrics == nil {
		return trace.BadParameter("missing metrics sink")
	}
	if c.Providers == nil {
		return trace.BadParameter("missing provider registry")
	}
	if c.InstanceID == "" {
		return trace.BadParameter("missing instance id")
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = defaults.UpstreamTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(llmgateway.ComponentKey, llmgateway.ComponentDispatch)
	return nil
}

// Dispatcher runs the request pipeline.
type Dispatcher struct {
	cfg Config
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{cfg: cfg}, nil
}

// Params are the inputs of one dispatch.
type Params struct {
	// Key is the authenticated API key.
	Key *types.APIKey
	// Ingress is the API dialect of the receiving endpoint.
	Ingress types.Provider
	// Path carries the model and stream mode for path-addressed ingress.
	Path provider.PathParams
	// Body is the raw client body.
	Body []byte
	// Headers are the client request headers.
	Headers http.Header
	// ExplicitBackendID forces backend selection and disables fallback.
	ExplicitBackendID string
	// SessionID enables session affinity when the model allows it.
	SessionID string
}

// Dispatch validates, selects a backend, and forwards the request,
// streaming or buffering the response back to w. A non-nil error means
// nothing has been written yet and the caller should reply with the
// error envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, params Params) error {
	adapter, err := d.cfg.Providers.Get(params.Ingress)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := adapter.Validate(params.Body); err != nil {
		return trace.Wrap(err)
	}
	req, err := adapter.Parse(params.Headers, params.Body, params.Path)
	if err != nil {
		return trace.Wrap(err)
	}
	if params.Key != nil && !params.Key.AllowsModel(req.Model) {
		return httplib.ErrModelNotAllowed(req.Model)
	}
	model, err := d.cfg.ConfigStore.GetModel(ctx, req.Model)
	if err != nil {
		if trace.IsNotFound(err) {
			// An allowed but unconfigured model looks the same to the
			// client as one with no selectable backends.
			return httplib.ErrNoBackend(req.Model)
		}
		return trace.Wrap(err)
	}

	initial, err := d.cfg.Balancer.Select(ctx, balancer.SelectParams{
		Model:             req.Model,
		ExplicitBackendID: params.ExplicitBackendID,
		Stream:            req.Stream,
		SessionID:         params.SessionID,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if initial == nil {
		return httplib.ErrNoBackend(req.Model)
	}

	requestID := uuid.NewString()
	log := d.cfg.Log.With("request_id", requestID, "model", req.Model)

	// An explicit override pins the dispatch to one backend; otherwise
	// fallback walks the enabled backends circularly from the initial
	// pick.
	candidates := []types.Backend{*initial}
	if params.ExplicitBackendID == "" {
		candidates = rotateFrom(model.EnabledBackends(), initial.ID)
	}

	var lastErr error
	for i := range candidates {
		backend := &candidates[i]
		if i > 0 {
			log.InfoContext(ctx, "Falling back to next backend.",
				"backend_id", backend.ID, "attempt", i+1)
		}
		if !d.cfg.Limiter.TryAcquire(ctx, backend, requestID) {
			log.InfoContext(ctx, "Backend at capacity.", "backend_id", backend.ID)
			lastErr = httplib.ErrAllBackendsAtCapacity()
			continue
		}
		handled, attemptErr := d.attempt(ctx, w, log, adapter, model, backend, req, params.SessionID, requestID)
		if handled {
			return nil
		}
		lastErr = attemptErr
	}
	if lastErr == nil {
		lastErr = httplib.ErrNoBackend(req.Model)
	}
	return trace.Wrap(lastErr)
}

// rotateFrom orders backends circularly starting at the backend with
// the given id. An id not in the list keeps the configured order.
func rotateFrom(backends []types.Backend, id string) []types.Backend {
	for i := range backends {
		if backends[i].ID == id {
			return append(backends[i:len(backends):len(backends)], backends[:i]...)
		}
	}
	return backends
}

// attempt forwards the request to one admitted backend. It returns
// handled=true once response bytes are owed to the client; a false
// return means the slot was released and the caller may fall back.
func (d *Dispatcher) attempt(ctx context.Context, w http.ResponseWriter, log *slog.Logger, adapter provider.Provider, model *types.Model, backend *types.Backend, req *types.StandardizedRequest, sessionID, requestID string) (bool, error) {
	start := d.cfg.Clock.Now()
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// A timer rather than context.WithTimeout so a committed stream can
	// disarm the bound and run as long as the upstream keeps talking.
	upstreamTimer := d.cfg.Clock.AfterFunc(d.cfg.UpstreamTimeout, cancel)
	defer upstreamTimer.Stop()

	targetURL, err := adapter.TargetURL(backend, req)
	if err != nil {
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		return false, trace.Wrap(err)
	}
	body, err := adapter.PrepareBody(req, backend)
	if err != nil {
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		return false, trace.Wrap(err)
	}
	headers, err := adapter.PrepareHeaders(attemptCtx, backend, req.Stream, targetURL, req.Headers, body)
	if err != nil {
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		return false, trace.Wrap(err)
	}

	if backend.RecordRequests && d.cfg.Recorder != nil {
		d.cfg.Recorder.Record(recorder.RecordedRequest{
			RequestID:  requestID,
			InstanceID: d.cfg.InstanceID,
			Model:      model.Name,
			BackendID:  backend.ID,
			Timestamp:  start,
			Stream:     req.Stream,
			TargetURL:  targetURL,
			Body:       body,
		})
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		return false, trace.Wrap(err)
	}
	httpReq.Header = headers

	resp, err := d.cfg.Client.Do(httpReq)
	if err != nil {
		log.WarnContext(ctx, "Upstream request failed.",
			"backend_id", backend.ID, "target_url", targetURL, "error", err)
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, nil, streamType(req.Stream), httplib.CodeNetworkError)
		return false, httplib.ErrNetwork(err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		//nolint:errcheck // draining a failed response, nothing to report
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		log.WarnContext(ctx, "Upstream returned an error status.",
			"backend_id", backend.ID, "status", resp.StatusCode)
		d.cfg.Limiter.Release(ctx, backend.ID, requestID)
		d.recordAttempt(model.Name, backend.ID, requestID, types.StatusFailure, start, nil, streamType(req.Stream), httplib.HTTPCode(resp.StatusCode))
		return false, httplib.NewAPIError(resp.StatusCode, httplib.HTTPCode(resp.StatusCode), httplib.TypeUpstream,
			"backend %q returned status %d", backend.ID, resp.StatusCode)
	}

	if req.Stream {
		return d.serveStream(ctx, cancel, upstreamTimer, w, log, adapter, model, backend, resp, sessionID, requestID, start)
	}
	return d.serveBody(ctx, cancel, w, log, adapter, model, backend, resp, sessionID, requestID, start)
}

// recordAttempt emits the per-attempt data point. Exactly one is
// written for every forwarded attempt, admission denials excluded.
func (d *Dispatcher) recordAttempt(model, backendID, requestID string, status types.RequestStatus, start time.Time, ttft *int64, st types.StreamType, errType string) {
	point := types.MetricsDataPoint{
		InstanceID:     d.cfg.InstanceID,
		BackendID:      backendID,
		Timestamp:      d.cfg.Clock.Now(),
		RequestID:      requestID,
		Status:         status,
		DurationMillis: d.cfg.Clock.Since(start).Milliseconds(),
		TTFTMillis:     ttft,
		StreamType:     st,
		Model:          model,
	}
	if status == types.StatusFailure {
		point.ErrorType = errType
	}
	d.cfg.Metrics.RecordRequestComplete(point)
}

// pinSession records session affinity after a backend produced a
// response.
func (d *Dispatcher) pinSession(model *types.Model, backendID, sessionID string) {
	if sessionID == "" || !model.EnableAffinity || d.cfg.Affinity == nil {
		return
	}
	d.cfg.Affinity.Upsert(model.Name, sessionID, backendID)
}

func streamType(stream bool) types.StreamType {
	if stream {
		return types.StreamTypeStreaming
	}
	return types.StreamTypeNonStreaming
}
