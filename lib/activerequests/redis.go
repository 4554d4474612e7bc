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
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/llmgateway"
	"github.com/gravitational/llmgateway/lib/defaults"
)

// redisKeyPrefix namespaces the per-backend sorted sets.
const redisKeyPrefix = "llmgateway:activerequests:"

// admitScript is evaluated server side so that expiry, the cap check,
// and the insert are one atomic operation.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
if limit > 0 and redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, member)
return 1
`)

// RedisStoreConfig configures the Redis-backed active-request store.
type RedisStoreConfig struct {
	// Client is the Redis client.
	Client redis.UniversalClient
	// InstanceID identifies this gateway instance.
	InstanceID string
	// Clock is used to control time.
	Clock clockwork.Clock
	// Log is the store's logger.
	Log *slog.Logger
}

// CheckAndSetDefaults makes sure the configuration has the minimum
// required to function.
func (c *RedisStoreConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing redis client")
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

// RedisStore keeps one sorted set per backend. Members are
// "<instance>/<request>" scored by the admission timestamp, which makes
// TTL expiry a range removal and instance cleanup a member scan.
type RedisStore struct {
	cfg    RedisStoreConfig
	cancel context.CancelFunc
}

// NewRedisStore creates a Redis-backed store and starts its TTL sweep.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &RedisStore{cfg: cfg}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go runSweeper(ctx, cfg.Clock, s, cfg.Log)
	return s, nil
}

// TryRecordStart admits the request with one server-evaluated script
// run. Storage errors are fail-open.
func (s *RedisStore) TryRecordStart(ctx context.Context, backendID, requestID string, maxLimit int) (bool, error) {
	now := s.cfg.Clock.Now()
	cutoff := now.Add(-defaults.ActiveRequestTTL)
	res, err := admitScript.Run(ctx, s.cfg.Client,
		[]string{redisKey(backendID)},
		now.UnixMilli(), cutoff.UnixMilli(), maxLimit, s.member(requestID),
	).Int()
	if err != nil {
		// Fail-open: the cap is best-effort, losing requests to a
		// storage hiccup is worse than briefly exceeding it.
		return true, trace.Wrap(err)
	}
	return res == 1, nil
}

// RecordStart unconditionally records an in-flight request.
func (s *RedisStore) RecordStart(ctx context.Context, backendID, requestID string) error {
	err := s.cfg.Client.ZAdd(ctx, redisKey(backendID), redis.Z{
		Score:  float64(s.cfg.Clock.Now().UnixMilli()),
		Member: s.member(requestID),
	}).Err()
	return trace.Wrap(err)
}

// RecordComplete removes the record for a finished request.
func (s *RedisStore) RecordComplete(ctx context.Context, backendID, requestID string) error {
	err := s.cfg.Client.ZRem(ctx, redisKey(backendID), s.member(requestID)).Err()
	return trace.Wrap(err)
}

// GetCount returns the number of unexpired records for a backend.
func (s *RedisStore) GetCount(ctx context.Context, backendID string) (int, error) {
	cutoff := s.cfg.Clock.Now().Add(-defaults.ActiveRequestTTL)
	n, err := s.cfg.Client.ZCount(ctx, redisKey(backendID),
		"("+strconv.FormatInt(cutoff.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return int(n), nil
}

// GetAllCounts returns unexpired record counts for all backends.
func (s *RedisStore) GetAllCounts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int)
	err := s.scanKeys(ctx, func(key string) error {
		backendID := strings.TrimPrefix(key, redisKeyPrefix)
		n, err := s.GetCount(ctx, backendID)
		if err != nil {
			return trace.Wrap(err)
		}
		if n > 0 {
			out[backendID] = n
		}
		return nil
	})
	return out, trace.Wrap(err)
}

// Cleanup removes all records held by the given instance.
func (s *RedisStore) Cleanup(ctx context.Context, instanceID string) error {
	return trace.Wrap(s.scanKeys(ctx, func(key string) error {
		var cursor uint64
		for {
			members, next, err := s.cfg.Client.ZScan(ctx, key, cursor, instanceID+"/*", 100).Result()
			if err != nil {
				return trace.Wrap(err)
			}
			// ZScan interleaves members and scores.
			for i := 0; i < len(members); i += 2 {
				if err := s.cfg.Client.ZRem(ctx, key, members[i]).Err(); err != nil {
					return trace.Wrap(err)
				}
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	}))
}

// RemoveExpired reaps records older than the TTL.
func (s *RedisStore) RemoveExpired(ctx context.Context) error {
	cutoff := s.cfg.Clock.Now().Add(-defaults.ActiveRequestTTL)
	return trace.Wrap(s.scanKeys(ctx, func(key string) error {
		return trace.Wrap(s.cfg.Client.ZRemRangeByScore(ctx, key,
			"-inf", strconv.FormatInt(cutoff.UnixMilli(), 10)).Err())
	}))
}

// Close stops the TTL sweep.
func (s *RedisStore) Close() error {
	s.cancel()
	return nil
}

func (s *RedisStore) member(requestID string) string {
	return s.cfg.InstanceID + "/" + requestID
}

func (s *RedisStore) scanKeys(ctx context.Context, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.cfg.Client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return trace.Wrap(err)
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return trace.Wrap(err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func redisKey(backendID string) string {
	return redisKeyPrefix + backendID
}

var _ Store = (*RedisStore)(nil)
