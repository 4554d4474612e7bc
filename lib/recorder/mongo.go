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

package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/defaults"
)

// MongoRecorderConfig configures the Mongo-backed recorder.
type MongoRecorderConfig struct {
	// Database is the gateway database handle.
	Database *mongo.Database
	// Log is the recorder's logger.
	Log *slog.Logger
	// BufferSize is the async writer queue depth.
	BufferSize int
}

// CheckAndSetDefaults makes sure the configuration has the minimum
// required to function.
func (c *MongoRecorderConfig) CheckAndSetDefaults() error {
	if c.Database == nil {
		return trace.BadParameter("missing database")
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaults.MetricsBufferSize
	}
	c.Log = c.Log.With(llmgateway.ComponentKey, llmgateway.ComponentRecorder)
	return nil
}

// MongoRecorder persists captures through an asynchronous writer. The
// request path only enqueues; a full queue drops the capture.
type MongoRecorder struct {
	cfg    MongoRecorderConfig
	coll   *mongo.Collection
	queue  chan RecordedRequest
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMongoRecorder creates a Mongo-backed recorder and starts its
// writer.
func NewMongoRecorder(cfg MongoRecorderConfig) (*MongoRecorder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &MongoRecorder{
		cfg:   cfg,
		coll:  cfg.Database.Collection(defaults.CollectionRecordedRequests),
		queue: make(chan RecordedRequest, cfg.BufferSize),
		done:  make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.writeLoop(ctx)
	return r, nil
}

// Record enqueues one capture.
func (r *MongoRecorder) Record(req RecordedRequest) {
	select {
	case r.queue <- req:
	default:
		r.cfg.Log.Warn("Recorder queue is full, dropping capture.",
			"request_id", req.RequestID, "backend_id", req.BackendID)
	}
}

// Close stops the writer after draining the queue.
func (r *MongoRecorder) Close() error {
	r.cancel()
	<-r.done
	return nil
}

func (r *MongoRecorder) writeLoop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case req := <-r.queue:
			r.flush(req)
		case <-ctx.Done():
			for {
				select {
				case req := <-r.queue:
					r.flush(req)
				default:
					return
				}
			}
		}
	}
}

func (r *MongoRecorder) flush(first RecordedRequest) {
	batch := []interface{}{first}
	for len(batch) < 100 {
		select {
		case req := <-r.queue:
			batch = append(batch, req)
		default:
			goto write
		}
	}
write:
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.coll.InsertMany(ctx, batch); err != nil {
		r.cfg.Log.Warn("Failed to persist capture batch.", "count", len(batch), "error", err)
	}
}

var _ Recorder = (*MongoRecorder)(nil)
