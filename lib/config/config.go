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

// Package config loads the gateway process configuration from the
// environment.
package config

import (
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/llmgateway/lib/defaults"
)

// StoreType selects the active-request store backend.
type StoreType string

const (
	// StoreTypeDocument keeps active requests in the document store.
	StoreTypeDocument StoreType = "document"
	// StoreTypeKV keeps active requests in the key-value store.
	StoreTypeKV StoreType = "kv"
)

// Config is the gateway process configuration.
type Config struct {
	// ListenPort is the HTTP ingress port. PORT.
	ListenPort int
	// MetricsEnabled turns on metrics collection and the scrape
	// endpoint. ENABLE_METRICS, on by default.
	MetricsEnabled bool
	// ActiveRequestStoreType selects where active-request counts live.
	// ACTIVE_REQUEST_STORE_TYPE, document or kv.
	ActiveRequestStoreType StoreType
	// MongoURL connects the durable stores. MONGODB_URL; empty runs
	// the gateway fully in memory.
	MongoURL string
	// MongoDatabase is the database name. MONGODB_DATABASE.
	MongoDatabase string
	// RedisURL connects the kv active-request store. REDIS_URL,
	// required when ActiveRequestStoreType is kv.
	RedisURL string
	// InstanceID identifies this gateway instance in shared stores.
	// INSTANCE_ID, a random UUID by default.
	InstanceID string
	// Debug enables debug logging. DEBUG.
	Debug bool
}

// LoadFromEnv reads the configuration from the environment and applies
// defaults.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MongoURL:      os.Getenv("MONGODB_URL"),
		MongoDatabase: os.Getenv("MONGODB_DATABASE"),
		RedisURL:      os.Getenv("REDIS_URL"),
		InstanceID:    os.Getenv("INSTANCE_ID"),
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, trace.BadParameter("invalid PORT %q: %v", port, err)
		}
		cfg.ListenPort = p
	}
	enabled, err := boolEnv("ENABLE_METRICS", true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.MetricsEnabled = enabled
	debug, err := boolEnv("DEBUG", false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.Debug = debug
	cfg.ActiveRequestStoreType = StoreType(os.Getenv("ACTIVE_REQUEST_STORE_TYPE"))
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration and applies defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenPort == 0 {
		c.ListenPort = defaults.HTTPListenPort
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return trace.BadParameter("invalid listen port %d", c.ListenPort)
	}
	if c.ActiveRequestStoreType == "" {
		c.ActiveRequestStoreType = StoreTypeDocument
	}
	switch c.ActiveRequestStoreType {
	case StoreTypeDocument, StoreTypeKV:
	default:
		return trace.BadParameter("invalid active request store type %q, expected %q or %q",
			c.ActiveRequestStoreType, StoreTypeDocument, StoreTypeKV)
	}
	if c.ActiveRequestStoreType == StoreTypeKV && c.RedisURL == "" {
		return trace.BadParameter("REDIS_URL is required when ACTIVE_REQUEST_STORE_TYPE is %q", StoreTypeKV)
	}
	if c.MongoDatabase == "" {
		c.MongoDatabase = defaults.MongoDatabase
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return nil
}

func boolEnv(name string, fallback bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, trace.BadParameter("invalid %s %q: %v", name, raw, err)
	}
	return v, nil
}
