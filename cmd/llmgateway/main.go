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

// Command llmgateway runs the LLM gateway: an authenticating,
// load-balancing reverse proxy in front of OpenAI-compatible and AWS
// Bedrock chat completion backends.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/activerequests"
	"github.com/gravitational/llmgateway/lib/affinity"
	"github.com/gravitational/llmgateway/lib/balancer"
	"github.com/gravitational/llmgateway/lib/config"
	"github.com/gravitational/llmgateway/lib/defaults"
	"github.com/gravitational/llmgateway/lib/dispatch"
	"github.com/gravitational/llmgateway/lib/metrics"
	"github.com/gravitational/llmgateway/lib/provider"
	"github.com/gravitational/llmgateway/lib/recorder"
	"github.com/gravitational/llmgateway/lib/services"
	"github.com/gravitational/llmgateway/lib/web"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Gateway exited with an error.", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return trace.Wrap(err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	log.Info("Starting LLM gateway.",
		"version", llmgateway.Version,
		"instance_id", cfg.InstanceID,
		"port", cfg.ListenPort,
		"metrics_enabled", cfg.MetricsEnabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	var db *mongo.Database
	if cfg.MongoURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		client, err := mongo.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.MongoURL))
		cancel()
		if err != nil {
			return trace.Wrap(err)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Warn("Failed to disconnect from MongoDB.", "error", err)
			}
		}()
		db = client.Database(cfg.MongoDatabase)
	} else {
		log.Warn("MONGODB_URL is not set, running fully in memory. Configuration and state are lost on restart.")
	}

	configStore, err := newConfigStore(ctx, cfg, db, clock, log)
	if err != nil {
		return trace.Wrap(err)
	}
	defer configStore.Close()

	activeStore, err := newActiveRequestStore(cfg, db, clock, log)
	if err != nil {
		return trace.Wrap(err)
	}
	defer activeStore.Close()

	limiter, err := activerequests.NewLimiter(activerequests.LimiterConfig{
		Store: activeStore,
		Log:   log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	sink, err := newMetricsSink(cfg, db, clock, log)
	if err != nil {
		return trace.Wrap(err)
	}
	defer sink.Close()

	var affinityStore affinity.Store
	if db != nil {
		affinityStore, err = affinity.NewMongoStore(db)
		if err != nil {
			return trace.Wrap(err)
		}
	} else {
		affinityStore = affinity.NewMemoryStore()
	}
	affinityCache, err := affinity.NewCache(affinity.CacheConfig{
		Store: affinityStore,
		Clock: clock,
		Log:   log,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer affinityStore.Close()

	var rec recorder.Recorder
	if db != nil {
		rec, err = recorder.NewMongoRecorder(recorder.MongoRecorderConfig{
			Database: db,
			Log:      log,
		})
		if err != nil {
			return trace.Wrap(err)
		}
	} else {
		rec = &recorder.LogRecorder{Log: log}
	}
	defer rec.Close()

	lb, err := balancer.New(balancer.Config{
		ConfigStore: configStore,
		Metrics:     sink,
		Affinity:    affinityCache,
		Log:         log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		ConfigStore: configStore,
		Balancer:    lb,
		Limiter:     limiter,
		Metrics:     sink,
		Providers:   provider.NewRegistry(clock),
		Affinity:    affinityCache,
		Recorder:    rec,
		InstanceID:  cfg.InstanceID,
		Clock:       clock,
		Log:         log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var registry *prometheus.Registry
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			metrics.NewExporter(sink, activeStore, log),
		)
	}

	handler, err := web.NewHandler(web.Config{
		ConfigStore: configStore,
		Dispatcher:  dispatcher,
		Registry:    registry,
		Log:         log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	server := &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(cfg.ListenPort)),
		Handler: handler,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("Listening.", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return trace.Wrap(err)
		}
		return nil
	})
	group.Go(func() error {
		purgeStaleAffinity(groupCtx, configStore, affinityCache)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("Graceful shutdown failed.", "error", err)
		}
		// Return the admission slots this instance still holds so other
		// instances see accurate counts immediately.
		if err := activeStore.Cleanup(shutdownCtx, cfg.InstanceID); err != nil {
			log.Warn("Failed to clean up active-request records.", "error", err)
		}
		return nil
	})
	return trace.Wrap(group.Wait())
}

func newConfigStore(ctx context.Context, cfg *config.Config, db *mongo.Database, clock clockwork.Clock, log *slog.Logger) (services.ConfigStore, error) {
	if db == nil {
		return services.NewMemoryStore(services.MemoryStoreConfig{
			MetricsEnabled: cfg.MetricsEnabled,
		}), nil
	}
	store, err := services.NewMongoStore(ctx, services.MongoStoreConfig{
		Database:       db,
		MetricsEnabled: cfg.MetricsEnabled,
		Clock:          clock,
		Log:            log,
	})
	return store, trace.Wrap(err)
}

func newActiveRequestStore(cfg *config.Config, db *mongo.Database, clock clockwork.Clock, log *slog.Logger) (activerequests.Store, error) {
	switch {
	case cfg.ActiveRequestStoreType == config.StoreTypeKV:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		store, err := activerequests.NewRedisStore(activerequests.RedisStoreConfig{
			Client:     redis.NewClient(opts),
			InstanceID: cfg.InstanceID,
			Clock:      clock,
			Log:        log,
		})
		return store, trace.Wrap(err)
	case db != nil:
		store, err := activerequests.NewMongoStore(activerequests.MongoStoreConfig{
			Database:   db,
			InstanceID: cfg.InstanceID,
			Clock:      clock,
			Log:        log,
		})
		return store, trace.Wrap(err)
	default:
		store, err := activerequests.NewMemoryStore(activerequests.MemoryStoreConfig{
			InstanceID: cfg.InstanceID,
			Clock:      clock,
			Log:        log,
		})
		return store, trace.Wrap(err)
	}
}

func newMetricsSink(cfg *config.Config, db *mongo.Database, clock clockwork.Clock, log *slog.Logger) (metrics.Sink, error) {
	if !cfg.MetricsEnabled {
		return metrics.DisabledSink{}, nil
	}
	if db == nil {
		sink, err := metrics.NewMemorySink(metrics.MemorySinkConfig{Clock: clock})
		return sink, trace.Wrap(err)
	}
	sink, err := metrics.NewMongoSink(metrics.MongoSinkConfig{
		Database: db,
		Clock:    clock,
		Log:      log,
	})
	return sink, trace.Wrap(err)
}

// purgeStaleAffinity drops session pins to backends that a
// configuration change made unselectable, so pinned sessions move off
// drained backends immediately instead of on first miss.
func purgeStaleAffinity(ctx context.Context, store services.ConfigStore, cache *affinity.Cache) {
	events, closeSub := store.Subscribe()
	defer closeSub()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Kind != services.KindModel {
				continue
			}
			switch event.Type {
			case services.OpPut:
				if event.Model == nil {
					continue
				}
				for i := range event.Model.Backends {
					if !event.Model.Backends[i].Selectable() {
						cache.PurgeBackend(ctx, event.Name, event.Model.Backends[i].ID)
					}
				}
			case services.OpDelete:
				purgeModelMappings(ctx, cache, event.Name)
			}
		}
	}
}

func purgeModelMappings(ctx context.Context, cache *affinity.Cache, model string) {
	mappings, err := cache.List(ctx, model)
	if err != nil {
		slog.Warn("Failed to list affinity mappings for deleted model.", "model", model, "error", err)
		return
	}
	seen := make(map[string]struct{})
	for _, m := range mappings {
		if _, ok := seen[m.BackendID]; ok {
			continue
		}
		seen[m.BackendID] = struct{}{}
		cache.PurgeBackend(ctx, model, m.BackendID)
	}
}
