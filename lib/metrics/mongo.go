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

package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/defaults"
	"github.com/gravitational/llmgateway/lib/types"
)

// MongoSinkConfig configures the Mongo-backed metrics sink.
type MongoSinkConfig struct {
	// Database is the gateway database handle.
	Database *mongo.Database
	// Clock is used to control time.
	Clock clockwork.Clock
	// Log is the sink's logger.
	Log *slog.Logger
	// BufferSize is the async writer queue depth.
	BufferSize int
}

// CheckAndSetDefaults makes sure the configuration has the minimum
// required to function.
func (c *MongoSinkConfig) CheckAndSetDefaults() error {
	if c.Database == nil {
		return trace.BadParameter("missing database")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaults.MetricsBufferSize
	}
	c.Log = c.Log.With(llmgateway.ComponentKey, llmgateway.ComponentMetrics)
	return nil
}

// MongoSink persists data points through an asynchronous writer. The
// request path only enqueues; a full queue drops the point rather than
// blocking.
type MongoSink struct {
	cfg    MongoSinkConfig
	coll   *mongo.Collection
	queue  chan types.MetricsDataPoint
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMongoSink creates a Mongo-backed sink and starts its writer.
func NewMongoSink(cfg MongoSinkConfig) (*MongoSink, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &MongoSink{
		cfg:   cfg,
		coll:  cfg.Database.Collection(defaults.CollectionMetrics),
		queue: make(chan types.MetricsDataPoint, cfg.BufferSize),
		done:  make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.writeLoop(ctx)
	return s, nil
}

// RecordRequestComplete enqueues one attempt outcome.
func (s *MongoSink) RecordRequestComplete(point types.MetricsDataPoint) {
	select {
	case s.queue <- point:
	default:
		s.cfg.Log.Warn("Metrics queue is full, dropping data point.",
			"backend_id", point.BackendID, "request_id", point.RequestID)
	}
}

// GetRecentStats summarizes one backend over the window.
func (s *MongoSink) GetRecentStats(ctx context.Context, backendID string, window time.Duration) (*BackendStats, error) {
	all, err := s.aggregate(ctx, window, bson.M{"backend_id": backendID})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stats := all[backendID]
	return &stats, nil
}

// GetAllStats summarizes every backend seen in the window.
func (s *MongoSink) GetAllStats(ctx context.Context, window time.Duration) (map[string]BackendStats, error) {
	out, err := s.aggregate(ctx, window, bson.M{})
	return out, trace.Wrap(err)
}

// Enabled reports true.
func (s *MongoSink) Enabled() bool { return true }

// Close stops the writer after draining the queue.
func (s *MongoSink) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *MongoSink) writeLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case point := <-s.queue:
			s.flush(point)
		case <-ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case point := <-s.queue:
					s.flush(point)
				default:
					return
				}
			}
		}
	}
}

func (s *MongoSink) flush(first types.MetricsDataPoint) {
	batch := []interface{}{first}
	for len(batch) < 100 {
		select {
		case point := <-s.queue:
			batch = append(batch, point)
		default:
			goto write
		}
	}
write:
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.coll.InsertMany(ctx, batch); err != nil {
		s.cfg.Log.Warn("Failed to persist metrics batch.", "count", len(batch), "error", err)
	}
}

func (s *MongoSink) aggregate(ctx context.Context, window time.Duration, match bson.M) (map[string]BackendStats, error) {
	match["timestamp"] = bson.M{"$gt": s.cfg.Clock.Now().Add(-window)}
	pipeline := []bson.M{
		{"$match": match},
		{"$group": bson.M{
			"_id":   "$backend_id",
			"total": bson.M{"$sum": 1},
			"success": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(types.StatusSuccess)}}, 1, 0}}},
			"avg_streaming_ttft": bson.M{"$avg": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$stream_type", string(types.StreamTypeStreaming)}}, "$ttft_ms", nil}}},
			"streaming_samples": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$stream_type", string(types.StreamTypeStreaming)}},
					bson.M{"$ne": bson.A{"$ttft_ms", nil}},
				}}, 1, 0}}},
			"avg_non_streaming_ttft": bson.M{"$avg": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$stream_type", string(types.StreamTypeNonStreaming)}}, "$ttft_ms", nil}}},
			"non_streaming_samples": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$stream_type", string(types.StreamTypeNonStreaming)}},
					bson.M{"$ne": bson.A{"$ttft_ms", nil}},
				}}, 1, 0}}},
		}},
	}
	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer cur.Close(ctx)

	out := make(map[string]BackendStats)
	for cur.Next(ctx) {
		var row struct {
			BackendID           string   `bson:"_id"`
			Total               int      `bson:"total"`
			Success             int      `bson:"success"`
			AvgStreamingTTFT    *float64 `bson:"avg_streaming_ttft"`
			StreamingSamples    int      `bson:"streaming_samples"`
			AvgNonStreamingTTFT *float64 `bson:"avg_non_streaming_ttft"`
			NonStreamingSamples int      `bson:"non_streaming_samples"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, trace.Wrap(err)
		}
		stats := BackendStats{
			Total:               row.Total,
			Success:             row.Success,
			Failure:             row.Total - row.Success,
			StreamingSamples:    row.StreamingSamples,
			NonStreamingSamples: row.NonStreamingSamples,
		}
		if row.Total > 0 {
			stats.SuccessRate = float64(row.Success) / float64(row.Total)
		}
		if row.AvgStreamingTTFT != nil {
			stats.AvgStreamingTTFTMillis = *row.AvgStreamingTTFT
		}
		if row.AvgNonStreamingTTFT != nil {
			stats.AvgNonStreamingTTFTMillis = *row.AvgNonStreamingTTFT
		}
		out[row.BackendID] = stats
	}
	return out, trace.Wrap(cur.Err())
}

var _ Sink = (*MongoSink)(nil)
