// Package cache provides a namespaced read-through cache backed by Redis.
// The cache is strictly an accelerator: any Redis failure is treated as a
// miss and the caller falls through to the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
)

// Namespace identifies a cache keyspace with its own TTL.
type Namespace string

const (
	NamespaceAgentConfig    Namespace = "agent_config"
	NamespaceAgentList      Namespace = "agent_list"
	NamespaceChannelMeta    Namespace = "channel_meta"
	NamespaceWorkflowStatus Namespace = "workflow_status"
	NamespaceMessageCount   Namespace = "message_count"
)

const keyPrefix = "crewhub"

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// Cache wraps a Redis client with namespaced keys and per-namespace TTLs.
// A Cache constructed without a Redis address is disabled: every Get is a
// miss and every write is a no-op.
type Cache struct {
	client    *redis.Client
	ttls      config.CacheConfig
	opTimeout time.Duration
	logger    *logger.Logger

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

// New creates a cache. An empty cfg.Addr returns a disabled cache.
func New(cfg config.RedisConfig, ttls config.CacheConfig, log *logger.Logger) *Cache {
	c := &Cache{
		ttls:      ttls,
		opTimeout: cfg.OpTimeoutDuration(),
		logger:    log,
	}
	if c.opTimeout <= 0 {
		c.opTimeout = 250 * time.Millisecond
	}
	if cfg.Addr == "" {
		log.Info("Cache disabled, no Redis address configured")
		return c
	}
	c.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	log.Info("Cache enabled", zap.String("addr", cfg.Addr))
	return c
}

// Enabled reports whether a Redis backend is configured.
func (c *Cache) Enabled() bool {
	return c.client != nil
}

// Key builds the fully qualified Redis key for a namespace entry.
func Key(ns Namespace, key string) string {
	return keyPrefix + ":" + string(ns) + ":" + key
}

// TTL returns the configured lifetime for a namespace.
func (c *Cache) TTL(ns Namespace) time.Duration {
	var secs int
	switch ns {
	case NamespaceAgentConfig:
		secs = c.ttls.AgentConfigTTL
	case NamespaceAgentList:
		secs = c.ttls.AgentListTTL
	case NamespaceChannelMeta:
		secs = c.ttls.ChannelMetaTTL
	case NamespaceWorkflowStatus:
		secs = c.ttls.WorkflowStatusTTL
	case NamespaceMessageCount:
		secs = c.ttls.MessageCountTTL
	}
	if secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// Get loads a JSON value into dest. Returns false on miss, on any Redis
// error, or when the cache is disabled.
func (c *Cache) Get(ctx context.Context, ns Namespace, key string, dest any) bool {
	if c.client == nil {
		c.misses.Add(1)
		return false
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	raw, err := c.client.Get(opCtx, Key(ns, key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			c.misses.Add(1)
		} else {
			c.errors.Add(1)
			c.misses.Add(1)
			c.logger.Debug("Cache get failed",
				zap.String("namespace", string(ns)),
				zap.String("key", key),
				zap.Error(err))
		}
		return false
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		return false
	}

	c.hits.Add(1)
	return true
}

// Set stores a JSON value with the namespace TTL. Failures are logged and
// otherwise ignored.
func (c *Cache) Set(ctx context.Context, ns Namespace, key string, value any) {
	if c.client == nil {
		return
	}

	raw, err := json.Marshal(value)
	if err != nil {
		c.errors.Add(1)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Set(opCtx, Key(ns, key), raw, c.TTL(ns)).Err(); err != nil {
		c.errors.Add(1)
		c.logger.Debug("Cache set failed",
			zap.String("namespace", string(ns)),
			zap.String("key", key),
			zap.Error(err))
		return
	}
	c.sets.Add(1)
}

// MGet loads several keys from one namespace in a single round trip. dests
// must be the same length as keys; the returned slice marks which entries were
// served. A Redis failure counts every key as a miss.
func (c *Cache) MGet(ctx context.Context, ns Namespace, keys []string, dests []any) []bool {
	found := make([]bool, len(keys))
	if len(keys) == 0 || len(dests) != len(keys) {
		return found
	}
	if c.client == nil {
		c.misses.Add(int64(len(keys)))
		return found
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = Key(ns, k)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	values, err := c.client.MGet(opCtx, full...).Result()
	if err != nil {
		c.errors.Add(1)
		c.misses.Add(int64(len(keys)))
		c.logger.Debug("Cache mget failed",
			zap.String("namespace", string(ns)),
			zap.Int("keys", len(keys)),
			zap.Error(err))
		return found
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			c.misses.Add(1)
			continue
		}
		if err := json.Unmarshal([]byte(raw), dests[i]); err != nil {
			c.errors.Add(1)
			c.misses.Add(1)
			continue
		}
		c.hits.Add(1)
		found[i] = true
	}
	return found
}

// MSet stores several entries in one namespace with the namespace TTL,
// pipelined into a single round trip. Failures are logged and otherwise
// ignored.
func (c *Cache) MSet(ctx context.Context, ns Namespace, entries map[string]any) {
	if c.client == nil || len(entries) == 0 {
		return
	}

	ttl := c.TTL(ns)
	pipe := c.client.Pipeline()
	queued := 0
	for k, v := range entries {
		raw, err := json.Marshal(v)
		if err != nil {
			c.errors.Add(1)
			continue
		}
		pipe.Set(ctx, Key(ns, k), raw, ttl)
		queued++
	}
	if queued == 0 {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if _, err := pipe.Exec(opCtx); err != nil {
		c.errors.Add(1)
		c.logger.Debug("Cache mset failed",
			zap.String("namespace", string(ns)),
			zap.Int("keys", queued),
			zap.Error(err))
		return
	}
	c.sets.Add(int64(queued))
}

// Delete removes entries from a namespace.
func (c *Cache) Delete(ctx context.Context, ns Namespace, keys ...string) {
	if c.client == nil || len(keys) == 0 {
		return
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = Key(ns, k)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Del(opCtx, full...).Err(); err != nil {
		c.errors.Add(1)
		return
	}
	c.deletes.Add(int64(len(keys)))
}

// DeletePattern removes all namespace entries matching a glob pattern.
// Uses SCAN so large keyspaces do not block the server.
func (c *Cache) DeletePattern(ctx context.Context, ns Namespace, pattern string) {
	if c.client == nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, 4*c.opTimeout)
	defer cancel()

	iter := c.client.Scan(opCtx, 0, Key(ns, pattern), 100).Iterator()
	var keys []string
	for iter.Next(opCtx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.errors.Add(1)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(opCtx, keys...).Err(); err != nil {
		c.errors.Add(1)
		return
	}
	c.deletes.Add(int64(len(keys)))
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// GetOrLoad returns the cached value for key, or invokes loader and caches
// the result. Loader errors are returned without touching the cache.
func GetOrLoad[T any](ctx context.Context, c *Cache, ns Namespace, key string, loader func(context.Context) (T, error)) (T, error) {
	var cached T
	if c.Get(ctx, ns, key, &cached) {
		return cached, nil
	}

	loaded, err := loader(ctx)
	if err != nil {
		return loaded, err
	}

	c.Set(ctx, ns, key, loaded)
	return loaded, nil
}
