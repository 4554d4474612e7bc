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
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/defaults"
	"github.com/gravitational/llmgateway/lib/types"
)

// MemoryStoreConfig configures the in-memory active-request store.
type MemoryStoreConfig struct {
	// InstanceID identifies this gateway instance.
	InstanceID string
	// Clock is used to control time.
	Clock clockwork.Clock
	// Log is the store's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults makes sure the configuration has the minimum
// required to function.
func (c *MemoryStoreConfig) CheckAndSetDefaults() error {
	if c.InstanceID == "" {
		return trace.BadParameter("missing instance id")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(llmgateway.ComponentKey, llmgateway.ComponentActiveRequests)
	return nil
}

// MemoryStore counts in-flight requests in process memory. It backs the
// standalone mode where no coordination store is configured, so caps
// are correct for a single instance only.
type MemoryStore struct {
	cfg    MemoryStoreConfig
	cancel context.CancelFunc

	mu      sync.Mutex
	records map[string]map[string]types.ActiveRequest
}

// NewMemoryStore creates an in-memory store and starts its TTL sweep.
func NewMemoryStore(cfg MemoryStoreConfig) (*MemoryStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &MemoryStore{
		cfg:     cfg,
		records: make(map[string]map[string]types.ActiveRequest),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go runSweeper(ctx, cfg.Clock, s, cfg.Log)
	return s, nil
}

// TryRecordStart atomically admits the request if the backend is below
// its cap after expired records are discarded.
func (s *MemoryStore) TryRecordStart(ctx context.Context, backendID, requestID string, maxLimit int) (bool, error) {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	byRequest := s.records[backendID]
	if byRequest == nil {
		byRequest = make(map[string]types.ActiveRequest)
		s.records[backendID] = byRequest
	}
	cutoff := now.Add(-defaults.ActiveRequestTTL)
	for id, rec := range byRequest {
		if rec.StartTime.Before(cutoff) {
			delete(byRequest, id)
		}
	}
	if maxLimit > 0 && len(byRequest) >= maxLimit {
		return false, nil
	}
	byRequest[requestID] = types.ActiveRequest{
		BackendID:  backendID,
		RequestID:  requestID,
		InstanceID: s.cfg.InstanceID,
		StartTime:  now,
	}
	return true, nil
}

// RecordStart unconditionally records an in-flight request.
func (s *MemoryStore) RecordStart(ctx context.Context, backendID, requestID string) error {
	_, err := s.TryRecordStart(ctx, backendID, requestID, 0)
	return trace.Wrap(err)
}

// RecordComplete removes the record for a finished request.
func (s *MemoryStore) RecordComplete(ctx context.Context, backendID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byRequest := s.records[backendID]; byRequest != nil {
		delete(byRequest, requestID)
	}
	return nil
}

// GetCount returns the number of unexpired records for a backend.
func (s *MemoryStore) GetCount(ctx context.Context, backendID string) (int, error) {
	cutoff := s.cfg.Clock.Now().Add(-defaults.ActiveRequestTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.records[backendID] {
		if !rec.StartTime.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

// GetAllCounts returns unexpired record counts for all backends.
func (s *MemoryStore) GetAllCounts(ctx context.Context) (map[string]int, error) {
	cutoff := s.cfg.Clock.Now().Add(-defaults.ActiveRequestTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.records))
	for backendID, byRequest := range s.records {
		count := 0
		for _, rec := range byRequest {
			if !rec.StartTime.Before(cutoff) {
				count++
			}
		}
		if count > 0 {
			out[backendID] = count
		}
	}
	return out, nil
}

// Cleanup removes all records held by the given instance.
func (s *MemoryStore) Cleanup(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, byRequest := range s.records {
		for id, rec := range byRequest {
			if rec.InstanceID == instanceID {
				delete(byRequest, id)
			}
		}
	}
	return nil
}

// RemoveExpired reaps records older than the TTL.
func (s *MemoryStore) RemoveExpired(ctx context.Context) error {
	cutoff := s.cfg.Clock.Now().Add(-defaults.ActiveRequestTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for backendID, byRequest := range s.records {
		for id, rec := range byRequest {
			if rec.StartTime.Before(cutoff) {
				delete(byRequest, id)
			}
		}
		if len(byRequest) == 0 {
			delete(s.records, backendID)
		}
	}
	return nil
}

// Close stops the TTL sweep.
func (s *MemoryStore) Close() error {
	s.cancel()
	return nil
}

var _ Store = (*MemoryStore)(nil)
