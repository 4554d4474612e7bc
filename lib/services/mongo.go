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
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/defaults"
	"github.com/gravitational/llmgateway/lib/types"
)

// MongoStoreConfig configures the Mongo-backed configuration store.
type MongoStoreConfig struct {
	// Database is the gateway database handle.
	Database *mongo.Database
	// MetricsEnabled gates metrics-driven selection strategies.
	MetricsEnabled bool
	// Clock is used to control time.
	Clock clockwork.Clock
	// Log is the store's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults makes sure the configuration has the minimum
// required to function.
func (c *MongoStoreConfig) CheckAndSetDefaults() error {
	if c.Database == nil {
		return trace.BadParameter("missing database")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(llmgateway.ComponentKey, llmgateway.ComponentConfig)
	return nil
}

// MongoStore keeps the durable configuration in MongoDB and serves all
// reads from an in-memory snapshot. Mutations round-trip to Mongo first
// and are applied to the snapshot optimistically, so a read following a
// write observes the new state without waiting on the reload loop. When
// Mongo is unreachable, reads continue to serve the last snapshot and
// writes fail.
type MongoStore struct {
	*MemoryStore

	cfg     MongoStoreConfig
	models  *mongo.Collection
	apiKeys *mongo.Collection
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMongoStore loads the configuration from Mongo and starts the
// periodic reload loop that picks up changes made by other instances.
func NewMongoStore(ctx context.Context, cfg MongoStoreConfig) (*MongoStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &MongoStore{
		MemoryStore: NewMemoryStore(MemoryStoreConfig{MetricsEnabled: cfg.MetricsEnabled}),
		cfg:         cfg,
		models:      cfg.Database.Collection(defaults.CollectionModels),
		apiKeys:     cfg.Database.Collection(defaults.CollectionAPIKeys),
		done:        make(chan struct{}),
	}
	if err := s.reload(ctx, true); err != nil {
		return nil, trace.Wrap(err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.reloadLoop(loopCtx)
	return s, nil
}

// UpsertModel writes the model to Mongo, then applies it to the
// snapshot.
func (s *MongoStore) UpsertModel(ctx context.Context, model types.Model) error {
	if err := s.checkModel(&model); err != nil {
		return trace.Wrap(err)
	}
	_, err := s.models.ReplaceOne(ctx,
		bson.M{"model": model.Name}, model,
		options.Replace().SetUpsert(true))
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.MemoryStore.UpsertModel(ctx, model))
}

// DeleteModel removes the model from Mongo, then from the snapshot.
func (s *MongoStore) DeleteModel(ctx context.Context, name string) error {
	res, err := s.models.DeleteOne(ctx, bson.M{"model": name})
	if err != nil {
		return trace.Wrap(err)
	}
	if res.DeletedCount == 0 {
		return trace.NotFound("model %q not found", name)
	}
	return trace.Wrap(s.MemoryStore.DeleteModel(ctx, name))
}

// UpsertAPIKey writes the key to Mongo, then applies it to the snapshot.
func (s *MongoStore) UpsertAPIKey(ctx context.Context, key types.APIKey) error {
	if err := key.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	_, err := s.apiKeys.ReplaceOne(ctx,
		bson.M{"key": key.Key}, key,
		options.Replace().SetUpsert(true))
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.MemoryStore.UpsertAPIKey(ctx, key))
}

// DeleteAPIKey removes the key from Mongo, then from the snapshot.
func (s *MongoStore) DeleteAPIKey(ctx context.Context, key string) error {
	res, err := s.apiKeys.DeleteOne(ctx, bson.M{"key": key})
	if err != nil {
		return trace.Wrap(err)
	}
	if res.DeletedCount == 0 {
		return trace.NotFound("api key not found")
	}
	return trace.Wrap(s.MemoryStore.DeleteAPIKey(ctx, key))
}

// Close stops the reload loop and releases resources.
func (s *MongoStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return trace.Wrap(s.MemoryStore.Close())
}

func (s *MongoStore) reloadLoop(ctx context.Context) {
	defer close(s.done)
	ticker := s.cfg.Clock.NewTicker(defaults.ConfigReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.reload(ctx, false); err != nil {
				s.cfg.Log.WarnContext(ctx, "Configuration reload failed, serving the last snapshot.", "error", err)
			}
		}
	}
}

func (s *MongoStore) reload(ctx context.Context, initial bool) error {
	models, err := s.loadModels(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	models, err = s.sanitizeModels(ctx, models, initial)
	if err != nil {
		return trace.Wrap(err)
	}
	apiKeys, err := s.loadAPIKeys(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	s.replaceSnapshot(models, apiKeys)
	return nil
}

// sanitizeModels revalidates models read from Mongo. Other instances,
// or operators editing the database directly, can write models this
// instance cannot serve, a metrics-driven strategy with metrics
// disabled being the usual case. The initial load fails hard like the
// mutation path does; periodic reloads drop the invalid model from the
// snapshot so the rest of the configuration still converges.
func (s *MongoStore) sanitizeModels(ctx context.Context, models map[string]types.Model, initial bool) (map[string]types.Model, error) {
	out := make(map[string]types.Model, len(models))
	for name, m := range models {
		if err := s.checkModel(&m); err != nil {
			if initial {
				return nil, trace.Wrap(err)
			}
			s.cfg.Log.WarnContext(ctx, "Dropping invalid model from the reloaded configuration.",
				"model", name, "error", err)
			continue
		}
		out[name] = m
	}
	return out, nil
}

func (s *MongoStore) loadModels(ctx context.Context) (map[string]types.Model, error) {
	cur, err := s.models.Find(ctx, bson.M{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer cur.Close(ctx)
	out := make(map[string]types.Model)
	for cur.Next(ctx) {
		var m types.Model
		if err := cur.Decode(&m); err != nil {
			return nil, trace.Wrap(err)
		}
		out[m.Name] = m
	}
	return out, trace.Wrap(cur.Err())
}

func (s *MongoStore) loadAPIKeys(ctx context.Context) (map[string]types.APIKey, error) {
	cur, err := s.apiKeys.Find(ctx, bson.M{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer cur.Close(ctx)
	out := make(map[string]types.APIKey)
	for cur.Next(ctx) {
		var k types.APIKey
		if err := cur.Decode(&k); err != nil {
			return nil, trace.Wrap(err)
		}
		out[k.Key] = k
	}
	return out, trace.Wrap(cur.Err())
}
