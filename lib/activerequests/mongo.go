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
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/defaults"
)

// MongoStoreConfig configures the Mongo-backed active-request store.
type MongoStoreConfig struct {
	// Database is the gateway database handle.
	Database *mongo.Database
	// InstanceID identifies this gateway instance.
	InstanceID string
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

// MongoStore keeps one document per backend holding the array of
// in-flight requests. Admission is a single server-side aggregation
// pipeline update that filters expired entries and appends the new one
// only while the count is below the cap, so concurrent admissions from
// many instances never race at the application level.
type MongoStore struct {
	cfg    MongoStoreConfig
	coll   *mongo.Collection
	cancel context.CancelFunc
}

// backendDocument is the persisted shape of a backend's in-flight set.
type backendDocument struct {
	BackendID string          `bson:"_id"`
	Requests  []requestRecord `bson:"requests"`
}

type requestRecord struct {
	RequestID  string    `bson:"request_id"`
	InstanceID string    `bson:"instance_id"`
	StartTime  time.Time `bson:"start_time"`
}

// NewMongoStore creates a Mongo-backed store and starts its TTL sweep.
func NewMongoStore(cfg MongoStoreConfig) (*MongoStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &MongoStore{
		cfg:  cfg,
		coll: cfg.Database.Collection(defaults.CollectionActiveRequests),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go runSweeper(ctx, cfg.Clock, s, cfg.Log)
	return s, nil
}

// TryRecordStart admits the request with one atomic pipeline update:
// expired entries are filtered out, then the new record is appended iff
// the remaining count is below maxLimit. Admission is decided from the
// returned document. Storage errors are fail-open.
func (s *MongoStore) TryRecordStart(ctx context.Context, backendID, requestID string, maxLimit int) (bool, error) {
	if maxLimit <= 0 {
		return true, trace.Wrap(s.RecordStart(ctx, backendID, requestID))
	}
	now := s.cfg.Clock.Now().UTC()
	cutoff := now.Add(-defaults.ActiveRequestTTL)
	newRecord := bson.M{
		"request_id":  requestID,
		"instance_id": s.cfg.InstanceID,
		"start_time":  now,
	}
	pipeline := []bson.M{
		{"$set": bson.M{"requests": bson.M{"$filter": bson.M{
			"input": bson.M{"$ifNull": bson.A{"$requests", bson.A{}}},
			"as":    "r",
			"cond":  bson.M{"$gt": bson.A{"$$r.start_time", cutoff}},
		}}}},
		{"$set": bson.M{"requests": bson.M{"$cond": bson.A{
			bson.M{"$lt": bson.A{bson.M{"$size": "$requests"}, maxLimit}},
			bson.M{"$concatArrays": bson.A{"$requests", bson.A{newRecord}}},
			"$requests",
		}}}},
	}
	var doc backendDocument
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": backendID}, pipeline,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		// Fail-open: the cap is best-effort, losing requests to a
		// storage hiccup is worse than briefly exceeding it.
		return true, trace.Wrap(err)
	}
	for _, r := range doc.Requests {
		if r.RequestID == requestID {
			return true, nil
		}
	}
	return false, nil
}

// RecordStart unconditionally appends an in-flight record.
func (s *MongoStore) RecordStart(ctx context.Context, backendID, requestID string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": backendID},
		bson.M{"$push": bson.M{"requests": bson.M{
			"request_id":  requestID,
			"instance_id": s.cfg.InstanceID,
			"start_time":  s.cfg.Clock.Now().UTC(),
		}}},
		options.Update().SetUpsert(true))
	return trace.Wrap(err)
}

// RecordComplete removes the record for a finished request.
func (s *MongoStore) RecordComplete(ctx context.Context, backendID, requestID string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": backendID},
		bson.M{"$pull": bson.M{"requests": bson.M{"request_id": requestID}}})
	return trace.Wrap(err)
}

// GetCount returns the number of unexpired records for a backend.
func (s *MongoStore) GetCount(ctx context.Context, backendID string) (int, error) {
	var doc backendDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": backendID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, trace.Wrap(err)
	}
	return s.countUnexpired(doc.Requests), nil
}

// GetAllCounts returns unexpired record counts for all backends.
func (s *MongoStore) GetAllCounts(ctx context.Context) (map[string]int, error) {
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer cur.Close(ctx)
	out := make(map[string]int)
	for cur.Next(ctx) {
		var doc backendDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, trace.Wrap(err)
		}
		if n := s.countUnexpired(doc.Requests); n > 0 {
			out[doc.BackendID] = n
		}
	}
	return out, trace.Wrap(cur.Err())
}

// Cleanup removes all records held by the given instance.
func (s *MongoStore) Cleanup(ctx context.Context, instanceID string) error {
	_, err := s.coll.UpdateMany(ctx,
		bson.M{},
		bson.M{"$pull": bson.M{"requests": bson.M{"instance_id": instanceID}}})
	return trace.Wrap(err)
}

// RemoveExpired reaps records older than the TTL.
func (s *MongoStore) RemoveExpired(ctx context.Context) error {
	cutoff := s.cfg.Clock.Now().UTC().Add(-defaults.ActiveRequestTTL)
	_, err := s.coll.UpdateMany(ctx,
		bson.M{},
		bson.M{"$pull": bson.M{"requests": bson.M{"start_time": bson.M{"$lt": cutoff}}}})
	return trace.Wrap(err)
}

// Close stops the TTL sweep.
func (s *MongoStore) Close() error {
	s.cancel()
	return nil
}

func (s *MongoStore) countUnexpired(records []requestRecord) int {
	cutoff := s.cfg.Clock.Now().UTC().Add(-defaults.ActiveRequestTTL)
	count := 0
	for _, r := range records {
		if r.StartTime.After(cutoff) {
			count++
		}
	}
	return count
}

var _ Store = (*MongoStore)(nil)
