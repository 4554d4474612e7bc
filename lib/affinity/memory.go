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

package affinity

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/llmgateway/lib/types"
)

// MemoryStore keeps affinity mappings in process memory. It backs the
// standalone mode.
type MemoryStore struct {
	mu       sync.Mutex
	mappings map[memoryKey]types.AffinityMapping
}

type memoryKey struct {
	model     string
	sessionID string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mappings: make(map[memoryKey]types.AffinityMapping)}
}

// Get returns the mapping for (model, sessionID).
func (s *MemoryStore) Get(ctx context.Context, model, sessionID string) (*types.AffinityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[memoryKey{model, sessionID}]
	if !ok {
		return nil, trace.NotFound("no affinity mapping for model %q session %q", model, sessionID)
	}
	return &m, nil
}

// Upsert creates or refreshes a mapping, preserving created_at and the
// access count of an existing one.
func (s *MemoryStore) Upsert(ctx context.Context, mapping types.AffinityMapping) error {
	key := memoryKey{mapping.Model, mapping.SessionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.mappings[key]; ok && existing.BackendID == mapping.BackendID {
		existing.LastAccessedAt = mapping.LastAccessedAt
		existing.AccessCount++
		s.mappings[key] = existing
		return nil
	}
	s.mappings[key] = mapping
	return nil
}

// Touch bumps last_accessed_at and access_count.
func (s *MemoryStore) Touch(ctx context.Context, model, sessionID string, at time.Time) error {
	key := memoryKey{model, sessionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[key]
	if !ok {
		return trace.NotFound("no affinity mapping for model %q session %q", model, sessionID)
	}
	m.LastAccessedAt = at
	m.AccessCount++
	s.mappings[key] = m
	return nil
}

// Delete removes one mapping.
func (s *MemoryStore) Delete(ctx context.Context, model, sessionID string) error {
	key := memoryKey{model, sessionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[key]; !ok {
		return trace.NotFound("no affinity mapping for model %q session %q", model, sessionID)
	}
	delete(s.mappings, key)
	return nil
}

// DeleteBackend removes every mapping of a model referencing the
// backend.
func (s *MemoryStore) DeleteBackend(ctx context.Context, model, backendID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, m := range s.mappings {
		if key.model == model && m.BackendID == backendID {
			delete(s.mappings, key)
		}
	}
	return nil
}

// List returns the mappings of a model.
func (s *MemoryStore) List(ctx context.Context, model string) ([]types.AffinityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AffinityMapping
	for key, m := range s.mappings {
		if key.model == model {
			out = append(out, m)
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
