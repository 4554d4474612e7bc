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

package services

import (
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational/llmgateway/lib/types"
)

// MemoryStoreConfig configures an in-memory configuration store.
type MemoryStoreConfig struct {
	// MetricsEnabled gates metrics-driven selection strategies. Models
	// requiring metrics are rejected when disabled.
	MetricsEnabled bool
}

// MemoryStore is the in-memory configuration snapshot. It backs the
// standalone mode and serves as the read cache of the Mongo store.
type MemoryStore struct {
	cfg MemoryStoreConfig

	mu      sync.RWMutex
	models  map[string]types.Model
	apiKeys map[string]types.APIKey

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	return &MemoryStore{
		cfg:     cfg,
		models:  make(map[string]types.Model),
		apiKeys: make(map[string]types.APIKey),
		subs:    make(map[int]chan Event),
	}
}

// GetModel returns the named model.
func (s *MemoryStore) GetModel(ctx context.Context, name string) (*types.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[name]
	if !ok {
		return nil, trace.NotFound("model %q not found", name)
	}
	return &m, nil
}

// GetBackend returns one backend of the named model.
func (s *MemoryStore) GetBackend(ctx context.Context, model, backendID string) (*types.Backend, error) {
	m, err := s.GetModel(ctx, model)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b, ok := m.GetBackend(backendID)
	if !ok {
		return nil, trace.NotFound("backend %q not found in model %q", backendID, model)
	}
	return b, nil
}

// EnabledBackends returns the model's enabled backends.
func (s *MemoryStore) EnabledBackends(ctx context.Context, model string) ([]types.Backend, error) {
	m, err := s.GetModel(ctx, model)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return m.EnabledBackends(), nil
}

// SelectableBackends returns the model's enabled backends with a
// positive weight.
func (s *MemoryStore) SelectableBackends(ctx context.Context, model string) ([]types.Backend, error) {
	m, err := s.GetModel(ctx, model)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return m.SelectableBackends(), nil
}

// ListModels returns all models.
func (s *MemoryStore) ListModels(ctx context.Context) ([]types.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	return out, nil
}

// UpsertModel creates or replaces a model.
func (s *MemoryStore) UpsertModel(ctx context.Context, model types.Model) error {
	if err := s.checkModel(&model); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	s.models[model.Name] = model
	s.mu.Unlock()
	s.notify(Event{Type: OpPut, Kind: KindModel, Name: model.Name, Model: &model})
	return nil
}

// DeleteModel removes a model.
func (s *MemoryStore) DeleteModel(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.models[name]
	delete(s.models, name)
	s.mu.Unlock()
	if !ok {
		return trace.NotFound("model %q not found", name)
	}
	s.notify(Event{Type: OpDelete, Kind: KindModel, Name: name})
	return nil
}

// GetAPIKey returns the API key record for a bearer token.
func (s *MemoryStore) GetAPIKey(ctx context.Context, key string) (*types.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.apiKeys[key]
	if !ok {
		return nil, trace.NotFound("api key not found")
	}
	return &k, nil
}

// UpsertAPIKey creates or replaces an API key.
func (s *MemoryStore) UpsertAPIKey(ctx context.Context, key types.APIKey) error {
	if err := key.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	s.apiKeys[key.Key] = key
	s.mu.Unlock()
	s.notify(Event{Type: OpPut, Kind: KindAPIKey, Name: key.Key})
	return nil
}

// DeleteAPIKey removes an API key.
func (s *MemoryStore) DeleteAPIKey(ctx context.Context, key string) error {
	s.mu.Lock()
	_, ok := s.apiKeys[key]
	delete(s.apiKeys, key)
	s.mu.Unlock()
	if !ok {
		return trace.NotFound("api key not found")
	}
	s.notify(Event{Type: OpDelete, Kind: KindAPIKey, Name: key})
	return nil
}

// Subscribe registers for configuration change events.
func (s *MemoryStore) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// Close releases store resources.
func (s *MemoryStore) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	return nil
}

// replaceSnapshot swaps the whole snapshot, returning change events for
// anything that differs. Used by the Mongo store's reload loop.
func (s *MemoryStore) replaceSnapshot(models map[string]types.Model, apiKeys map[string]types.APIKey) {
	var events []Event

	s.mu.Lock()
	for name := range s.models {
		if _, ok := models[name]; !ok {
			events = append(events, Event{Type: OpDelete, Kind: KindModel, Name: name})
		}
	}
	for name, m := range models {
		model := m
		events = append(events, Event{Type: OpPut, Kind: KindModel, Name: name, Model: &model})
	}
	for key := range s.apiKeys {
		if _, ok := apiKeys[key]; !ok {
			events = append(events, Event{Type: OpDelete, Kind: KindAPIKey, Name: key})
		}
	}
	s.models = models
	s.apiKeys = apiKeys
	s.mu.Unlock()

	for _, e := range events {
		s.notify(e)
	}
}

func (s *MemoryStore) checkModel(model *types.Model) error {
	if err := model.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if model.Strategy.RequiresMetrics() && !s.cfg.MetricsEnabled {
		return trace.BadParameter("model %q uses strategy %q which requires metrics, but metrics are disabled",
			model.Name, model.Strategy)
	}
	return nil
}

func (s *MemoryStore) notify(e Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Slow subscribers drop events, the periodic reload will
			// converge them.
		}
	}
}
