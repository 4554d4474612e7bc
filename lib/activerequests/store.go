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

// Package activerequests implements the distributed in-flight request
// counter that makes per-backend concurrency caps correct across
// gateway instances.
package activerequests

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/gravitational/llmgateway/lib/defaults"
)

// Store tracks in-flight requests per backend. Records carry the
// admitting instance and a start time; records older than the TTL are
// reaped as a safety net for crashed instances.
//
// TryRecordStart is fail-open: on a storage error it reports the
// request as admitted and returns the error for logging. Losing
// requests to a storage hiccup is worse than briefly exceeding a cap.
type Store interface {
	// TryRecordStart atomically admits the request if fewer than
	// maxLimit unexpired records exist for the backend. A maxLimit of
	// zero always admits. The check and insert are a single atomic
	// round-trip, never a read-then-write.
	TryRecordStart(ctx context.Context, backendID, requestID string, maxLimit int) (bool, error)
	// RecordStart unconditionally records an in-flight request. Used
	// when the backend has no cap.
	RecordStart(ctx context.Context, backendID, requestID string) error
	// RecordComplete removes the record for a finished request.
	RecordComplete(ctx context.Context, backendID, requestID string) error
	// GetCount returns the number of unexpired records for a backend.
	GetCount(ctx context.Context, backendID string) (int, error)
	// GetAllCounts returns unexpired record counts for all backends.
	GetAllCounts(ctx context.Context) (map[string]int, error)
	// Cleanup removes all records held by the given instance. Called on
	// graceful shutdown.
	Cleanup(ctx context.Context, instanceID string) error
	// RemoveExpired reaps records older than the TTL.
	RemoveExpired(ctx context.Context) error
	// Close stops background tasks and releases resources.
	Close() error
}

// runSweeper periodically reaps expired records until ctx is canceled.
// Every store implementation runs one.
func runSweeper(ctx context.Context, clock clockwork.Clock, store Store, log *slog.Logger) {
	ticker := clock.NewTicker(defaults.ActiveRequestSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := store.RemoveExpired(ctx); err != nil {
				log.WarnContext(ctx, "Failed to reap expired active-request records.", "error", err)
			}
		}
	}
}
