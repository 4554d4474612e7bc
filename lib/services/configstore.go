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

// Package services provides the model and API key configuration store.
package services

import (
	"context"

	"github.com/gravitational/llmgateway/lib/types"
)

// OpType is the kind of configuration change carried by an Event.
type OpType int

const (
	// OpPut is an insert or update.
	OpPut OpType = iota
	// OpDelete is a removal.
	OpDelete
)

// Resource kinds referenced by configuration change events.
const (
	KindModel  = "model"
	KindAPIKey = "api_key"
)

// Event notifies subscribers of a configuration change.
type Event struct {
	// Type is the operation kind.
	Type OpType
	// Kind is the resource kind.
	Kind string
	// Name is the model name or API key value.
	Name string
	// Model carries the new model state for model puts.
	Model *types.Model
}

// ConfigStore is the source of truth for model and API key
// configuration. Reads are always served from an in-memory snapshot;
// mutations round-trip to the durable store when one is configured and
// update the snapshot optimistically so a read following a write sees
// the new state.
type ConfigStore interface {
	// GetModel returns the named model.
	GetModel(ctx context.Context, name string) (*types.Model, error)
	// GetBackend returns one backend of the named model.
	GetBackend(ctx context.Context, model, backendID string) (*types.Backend, error)
	// EnabledBackends returns the model's enabled backends in
	// configured order.
	EnabledBackends(ctx context.Context, model string) ([]types.Backend, error)
	// SelectableBackends returns the model's enabled backends with a
	// positive weight, in configured order.
	SelectableBackends(ctx context.Context, model string) ([]types.Backend, error)
	// ListModels returns all models.
	ListModels(ctx context.Context) ([]types.Model, error)
	// UpsertModel creates or replaces a model.
	UpsertModel(ctx context.Context, model types.Model) error
	// DeleteModel removes a model.
	DeleteModel(ctx context.Context, name string) error
	// GetAPIKey returns the API key record for a bearer token.
	GetAPIKey(ctx context.Context, key string) (*types.APIKey, error)
	// UpsertAPIKey creates or replaces an API key.
	UpsertAPIKey(ctx context.Context, key types.APIKey) error
	// DeleteAPIKey removes an API key.
	DeleteAPIKey(ctx context.Context, key string) error
	// Subscribe registers for configuration change events. The returned
	// closer unregisters the subscription.
	Subscribe() (<-chan Event, func())
	// Close releases store resources.
	Close() error
}
