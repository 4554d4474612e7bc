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

// Package affinity pins client sessions to the backend that served
// them, so repeated requests of a session reuse the backend's prompt
// cache.
package affinity

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/defaults"
	"github.com/gravitational/llmgateway/lib/types"
)

// Store is the durable session-to-backend mapping.
type Store interface {
	// Get returns the mapping for (model, sessionID).
	Get(ctx context.Context, model, sessionID string) (*types.AffinityMapping, error)
	// Upsert creates or refreshes a mapping.
	Upsert(ctx context.Context, mapping types.AffinityMapping) error
	// Touch bumps last_accessed_at and access_count.
	Touch(ctx context.Context, model, sessionID string, at time.Time) error
	// Delete removes one mapping.
	Delete(ctx context.Context, model, sessionID string) error
	// DeleteBackend removes every mapping of a model that references
	// the backend.
	DeleteBackend(ctx context.Context, model, backendID string) error
	// List returns the mappings of a model.
	List(ctx context.Context, model string) ([]types.AffinityMapping, error)
	// Close releases store resources.
	Close() error
}

// CacheConfig configures the affinity cache.
type CacheConfig struct {
	// Store is the durable mapping store.
	Store Store
	// Size bounds the in-process LRU.
	Size int
	// Clock is used to control time.
	Clock clockwork.Clock
	// Log is the cache's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults makes sure the configuration has the minimum
// required to function.
func (c *CacheConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing store")
	}
	if c.Size <= 0 {
		c.Size = defaults.AffinityCacheSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(llmgateway.ComponentKey, llmgateway.ComponentAffinity)
	return nil
}

// Cache is the in-process LRU layered over the durable store. Cache
// hits resolve without any store round-trip; misses read the store and
// populate the cache. All durable writes are fire-and-forget.
type Cache struct {
	cfg CacheConfig
	lru *lru.Cache[cacheKey, string]
}

type cacheKey struct {
	model     string
	sessionID string
}

// NewCache creates an affinity cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cache, err := lru.New[cacheKey, string](cfg.Size)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{cfg: cfg, lru: cache}, nil
}

// Get resolves the pinned backend for (model, sessionID). The second
// return is false when no mapping exists.
func (c *Cache) Get(ctx context.Context, model, sessionID string) (string, bool) {
	key := cacheKey{model: model, sessionID: sessionID}
	if backendID, ok := c.lru.Get(key); ok {
		c.touchAsync(model, sessionID)
		return backendID, true
	}
	mapping, err := c.cfg.Store.Get(ctx, model, sessionID)
	if err != nil {
		if !trace.IsNotFound(err) {
			c.cfg.Log.WarnContext(ctx, "Affinity store read failed.",
				"model", model, "session_id", sessionID, "error", err)
		}
		return "", false
	}
	c.lru.Add(key, mapping.BackendID)
	c.touchAsync(model, sessionID)
	return mapping.BackendID, true
}

// Upsert pins the session to the backend. The cache is updated
// immediately, the durable write is fire-and-forget.
func (c *Cache) Upsert(model, sessionID, backendID string) {
	c.lru.Add(cacheKey{model: model, sessionID: sessionID}, backendID)
	now := c.cfg.Clock.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.cfg.Store.Upsert(ctx, types.AffinityMapping{
			Model:          model,
			SessionID:      sessionID,
			BackendID:      backendID,
			CreatedAt:      now,
			LastAccessedAt: now,
			AccessCount:    1,
		})
		if err != nil {
			c.cfg.Log.Warn("Affinity upsert failed.",
				"model", model, "session_id", sessionID, "backend_id", backendID, "error", err)
		}
	}()
}

// Invalidate removes the mapping from the cache and the store. Called
// when the pinned backend is no longer selectable.
func (c *Cache) Invalidate(ctx context.Context, model, sessionID string) {
	c.lru.Remove(cacheKey{model: model, sessionID: sessionID})
	if err := c.cfg.Store.Delete(ctx, model, sessionID); err != nil && !trace.IsNotFound(err) {
		c.cfg.Log.WarnContext(ctx, "Affinity delete failed.",
			"model", model, "session_id", sessionID, "error", err)
	}
}

// PurgeBackend removes every mapping of the model that references the
// backend, cache entries included.
func (c *Cache) PurgeBackend(ctx context.Context, model, backendID string) {
	for _, key := range c.lru.Keys() {
		if key.model != model {
			continue
		}
		if pinned, ok := c.lru.Peek(key); ok && pinned == backendID {
			c.lru.Remove(key)
		}
	}
	if err := c.cfg.Store.DeleteBackend(ctx, model, backendID); err != nil {
		c.cfg.Log.WarnContext(ctx, "Affinity backend purge failed.",
			"model", model, "backend_id", backendID, "error", err)
	}
}

// List returns the durable mappings of a model.
func (c *Cache) List(ctx context.Context, model string) ([]types.AffinityMapping, error) {
	mappings, err := c.cfg.Store.List(ctx, model)
	return mappings, trace.Wrap(err)
}

func (c *Cache) touchAsync(model, sessionID string) {
	at := c.cfg.Clock.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.cfg.Store.Touch(ctx, model, sessionID, at); err != nil && !trace.IsNotFound(err) {
			c.cfg.Log.Warn("Affinity touch failed.",
				"model", model, "session_id", sessionID, "error", err)
		}
	}()
}
