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

// Package recorder captures request payloads for backends that opt in,
// for debugging and audit. Recording is fire-and-forget and never
// blocks or fails a dispatch.
package recorder

import (
	"log/slog"
	"time"
)

// RecordedRequest is one captured dispatch attempt.
type RecordedRequest struct {
	// RequestID is the dispatch request identifier.
	RequestID string `json:"request_id" bson:"request_id"`
	// InstanceID identifies the recording gateway instance.
	InstanceID string `json:"instance_id" bson:"instance_id"`
	// Model is the client-visible model name.
	Model string `json:"model" bson:"model"`
	// BackendID is the backend the attempt targeted.
	BackendID string `json:"backend_id" bson:"backend_id"`
	// Timestamp is when the attempt was forwarded.
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	// Stream is the requested response mode.
	Stream bool `json:"stream" bson:"stream"`
	// TargetURL is the upstream URL of the attempt.
	TargetURL string `json:"target_url" bson:"target_url"`
	// Body is the prepared upstream request body.
	Body []byte `json:"body" bson:"body"`
}

// Recorder accepts captured requests. Implementations must not block
// the caller.
type Recorder interface {
	// Record captures one request.
	Record(req RecordedRequest)
	// Close flushes and releases recorder resources.
	Close() error
}

// LogRecorder writes captures to the debug log. It is the fallback when
// no durable store is configured.
type LogRecorder struct {
	// Log receives the captures.
	Log *slog.Logger
}

// Record logs the capture metadata, body size only.
func (r *LogRecorder) Record(req RecordedRequest) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	log.Debug("Recorded request.",
		"request_id", req.RequestID,
		"model", req.Model,
		"backend_id", req.BackendID,
		"stream", req.Stream,
		"target_url", req.TargetURL,
		"body_bytes", len(req.Body))
}

// Close is a no-op.
func (r *LogRecorder) Close() error { return nil }

var _ Recorder = (*LogRecorder)(nil)
