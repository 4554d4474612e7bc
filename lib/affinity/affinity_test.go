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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/llmgateway/lib/types"
)

func newTestCache(t *testing.T, store Store) *Cache {
	t.Helper()
	cache, err := NewCache(CacheConfig{
		Store: store,
		Clock: clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	return cache
}

func TestCacheUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cache := newTestCache(t, store)

	_, ok := cache.Get(ctx, "gpt-4", "session-1")
	require.False(t, ok)

	cache.Upsert("gpt-4", "session-1", "b1")

	// The cache answers immediately, before the durable write lands.
	backendID, ok := cache.Get(ctx, "gpt-4", "session-1")
	require.True(t, ok)
	require.Equal(t, "b1", backendID)

	// The durable write is fire-and-forget but does land.
	require.Eventually(t, func() bool {
		m, err := store.Get(ctx, "gpt-4", "session-1")
		return err == nil && m.BackendID == "b1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCacheMissPopulatesFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.Upsert(ctx, types.AffinityMapping{
		Model:          "gpt-4",
		SessionID:      "session-1",
		BackendID:      "b2",
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    1,
	}))
	cache := newTestCache(t, store)

	backendID, ok := cache.Get(ctx, "gpt-4", "session-1")
	require.True(t, ok)
	require.Equal(t, "b2", backendID)
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cache := newTestCache(t, store)

	cache.Upsert("gpt-4", "session-1", "b1")
	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "gpt-4", "session-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cache.Invalidate(ctx, "gpt-4", "session-1")

	_, ok := cache.Get(ctx, "gpt-4", "session-1")
	require.False(t, ok)
	_, err := store.Get(ctx, "gpt-4", "session-1")
	require.True(t, trace.IsNotFound(err))
}

func TestCachePurgeBackend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cache := newTestCache(t, store)

	cache.Upsert("gpt-4", "session-1", "b1")
	cache.Upsert("gpt-4", "session-2", "b2")
	cache.Upsert("claude", "session-3", "b1")
	require.Eventually(t, func() bool {
		mappings, err := store.List(ctx, "gpt-4")
		return err == nil && len(mappings) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cache.PurgeBackend(ctx, "gpt-4", "b1")

	// Only the gpt-4 pin to b1 is gone.
	_, ok := cache.Get(ctx, "gpt-4", "session-1")
	require.False(t, ok)
	backendID, ok := cache.Get(ctx, "gpt-4", "session-2")
	require.True(t, ok)
	require.Equal(t, "b2", backendID)
	backendID, ok = cache.Get(ctx, "claude", "session-3")
	require.True(t, ok)
	require.Equal(t, "b1", backendID)
}

func TestMemoryStoreRepin(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.Upsert(ctx, types.AffinityMapping{
		Model: "gpt-4", SessionID: "s1", BackendID: "b1",
		CreatedAt: now, LastAccessedAt: now, AccessCount: 1,
	}))
	first, err := store.Get(ctx, "gpt-4", "s1")
	require.NoError(t, err)

	// Re-pinning the same backend keeps created_at and bumps the count.
	require.NoError(t, store.Upsert(ctx, types.AffinityMapping{
		Model: "gpt-4", SessionID: "s1", BackendID: "b1",
		CreatedAt: now.Add(time.Hour), LastAccessedAt: now.Add(time.Hour), AccessCount: 1,
	}))
	same, err := store.Get(ctx, "gpt-4", "s1")
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, same.CreatedAt)
	require.Greater(t, same.AccessCount, first.AccessCount)

	// Pinning a different backend replaces the mapping outright.
	require.NoError(t, store.Upsert(ctx, types.AffinityMapping{
		Model: "gpt-4", SessionID: "s1", BackendID: "b2",
		CreatedAt: now.Add(2 * time.Hour), LastAccessedAt: now.Add(2 * time.Hour), AccessCount: 1,
	}))
	repinned, err := store.Get(ctx, "gpt-4", "s1")
	require.NoError(t, err)
	require.Equal(t, "b2", repinned.BackendID)
	require.Equal(t, int64(1), repinned.AccessCount)
}

func TestMemoryStoreTouchAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.True(t, trace.IsNotFound(store.Touch(ctx, "gpt-4", "s1", time.Now())))
	require.True(t, trace.IsNotFound(store.Delete(ctx, "gpt-4", "s1")))

	now := time.Now()
	require.NoError(t, store.Upsert(ctx, types.AffinityMapping{
		Model: "gpt-4", SessionID: "s1", BackendID: "b1",
		CreatedAt: now, LastAccessedAt: now, AccessCount: 1,
	}))
	later := now.Add(time.Minute)
	require.NoError(t, store.Touch(ctx, "gpt-4", "s1", later))
	m, err := store.Get(ctx, "gpt-4", "s1")
	require.NoError(t, err)
	require.Equal(t, later, m.LastAccessedAt)
	require.Equal(t, int64(2), m.AccessCount)

	require.NoError(t, store.Delete(ctx, "gpt-4", "s1"))
	_, err = store.Get(ctx, "gpt-4", "s1")
	require.True(t, trace.IsNotFound(err))
}
