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

// Package llmgateway contains constants shared across the gateway codebase.
package llmgateway

const (
	// ComponentWeb is the HTTP ingress component.
	ComponentWeb = "web"

	// ComponentDispatch is the request dispatch pipeline.
	ComponentDispatch = "dispatch"

	// ComponentBalancer is the backend selection component.
	ComponentBalancer = "balancer"

	// ComponentActiveRequests is the distributed active-request store.
	ComponentActiveRequests = "activerequests"

	// ComponentConfig is the model and API key configuration store.
	ComponentConfig = "config"

	// ComponentMetrics is the request metrics sink.
	ComponentMetrics = "metrics"

	// ComponentAffinity is the session affinity map.
	ComponentAffinity = "affinity"

	// ComponentRecorder is the request recorder.
	ComponentRecorder = "recorder"
)

// ComponentKey is the attribute name used to tag log records with
// the component that emitted them.
const ComponentKey = "component"

// Version is the gateway release version.
const Version = "0.1.0"
