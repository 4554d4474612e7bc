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
	"time"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gravitational/llmgateway/lib/defaults"
	"github.com/gravitational/llmgateway/lib/types"
)

// MongoStore keeps affinity mappings in the affinity_mappings
// collection, one document per (model, session_id).
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a Mongo-backed affinity store.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, trace.BadParameter("missing database")
	}
	return &MongoStore{coll: db.Collection(defaults.CollectionAffinityMappings)}, nil
}

// Get returns the mapping for (model, sessionID).
func (s *MongoStore) Get(ctx context.Context, model, sessionID string) (*types.AffinityMapping, error) {
	var m types.AffinityMapping
	err := s.coll.FindOne(ctx, bson.M{"model": model, "session_id": sessionID}).Decode(&m)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, trace.NotFound("no affinity mapping for model %q session %q", model, sessionID)
		}
		return nil, trace.Wrap(err)
	}
	return &m, nil
}

// Upsert creates or refreshes a mapping. A re-pin to a different
// backend resets created_at and the access count.
func (s *MongoStore) Upsert(ctx context.Context, mapping types.AffinityMapping) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"model": mapping.Model, "session_id": mapping.SessionID, "backend_id": mapping.BackendID},
		bson.M{
			"$set": bson.M{"last_accessed_at": mapping.LastAccessedAt},
			"$setOnInsert": bson.M{
				"model":      mapping.Model,
				"session_id": mapping.SessionID,
				"backend_id": mapping.BackendID,
				"created_at": mapping.CreatedAt,
			},
			"$inc": bson.M{"access_count": 1},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return trace.Wrap(err)
	}
	// Drop a stale pin to another backend, if one existed.
	_, err = s.coll.DeleteMany(ctx, bson.M{
		"model":      mapping.Model,
		"session_id": mapping.SessionID,
		"backend_id": bson.M{"$ne": mapping.BackendID},
	})
	return trace.Wrap(err)
}

// Touch bumps last_accessed_at and access_count.
func (s *MongoStore) Touch(ctx context.Context, model, sessionID string, at time.Time) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"model": model, "session_id": sessionID},
		bson.M{
			"$set": bson.M{"last_accessed_at": at},
			"$inc": bson.M{"access_count": 1},
		})
	if err != nil {
		return trace.Wrap(err)
	}
	if res.MatchedCount == 0 {
		return trace.NotFound("no affinity mapping for model %q session %q", model, sessionID)
	}
	return nil
}

// Delete removes one mapping.
func (s *MongoStore) Delete(ctx context.Context, model, sessionID string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"model": model, "session_id": sessionID})
	if err != nil {
		return trace.Wrap(err)
	}
	if res.DeletedCount == 0 {
		return trace.NotFound("no affinity mapping for model %q session %q", model, sessionID)
	}
	return nil
}

// DeleteBackend removes every mapping of a model referencing the
// backend.
func (s *MongoStore) DeleteBackend(ctx context.Context, model, backendID string) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{"model": model, "backend_id": backendID})
	return trace.Wrap(err)
}

// List returns the mappings of a model.
func (s *MongoStore) List(ctx context.Context, model string) ([]types.AffinityMapping, error) {
	cur, err := s.coll.Find(ctx, bson.M{"model": model})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer cur.Close(ctx)
	var out []types.AffinityMapping
	for cur.Next(ctx) {
		var m types.AffinityMapping
		if err := cur.Decode(&m); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, m)
	}
	return out, trace.Wrap(cur.Err())
}

// Close is a no-op, the database handle is owned by the caller.
func (s *MongoStore) Close() error { return nil }

var _ Store = (*MongoStore)(nil)
