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

package activerequests

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/types"
)

// LimiterConfig configures the admission limiter.
type LimiterConfig struct {
	// Store is the active-request store.
	Store Store
	// Log is the limiter's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults makes sure the configuration has the minimum
// required to function.
func (c *LimiterConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing store")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(llmgateway.ComponentKey, llmgateway.ComponentActiveRequests)
	return nil
}

// Limiter is the admission control wrapper the dispatcher talks to. It
// translates backend configuration into store calls and hides storage
// errors from the request path.
type Limiter struct {
	cfg LimiterConfig
}

// NewLimiter creates an admission limiter.
func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{cfg: cfg}, nil
}

// TryAcquire admits the request against the backend's concurrency cap.
// Storage failures admit the request, the cap is best-effort.
func (l *Limiter) TryAcquire(ctx context.Context, backend *types.Backend, requestID string) bool {
	admitted, err := l.cfg.Store.TryRecordStart(ctx, backend.ID, requestID, backend.MaxConcurrentRequests)
	if err != nil {
		l.cfg.Log.WarnContext(ctx, "Active-request store error during admission, failing open.",
			"backend_id", backend.ID, "request_id", requestID, "error", err)
	}
	return admitted
}

// Release returns the admission slot. Errors are logged, never
// surfaced: the TTL sweep will eventually reap a leaked record.
func (l *Limiter) Release(ctx context.Context, backendID, requestID string) {
	if err := l.cfg.Store.RecordComplete(ctx, backendID, requestID); err != nil {
		l.cfg.Log.WarnContext(ctx, "Failed to release admission slot.",
			"backend_id", backendID, "request_id", requestID, "error", err)
	}
}
