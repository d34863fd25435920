/*
 * hls-relay is a caching relay proxy for live HLS IPTV channels.
 * Copyright (C) 2026  Lucas Duport
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucasduport/hls-relay/pkg/config"
	"github.com/lucasduport/hls-relay/pkg/metrics"
	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

const (
	statsFlushInterval = 5 * time.Second
	statsResetTTL      = 24 * time.Hour
)

// Engine is the tiered cache: a fast in-process memory tier in front of a
// shared TTL-expiring Redis tier. Either tier can be disabled by
// configuration; the engine is constructed once at process start and passed
// by handle into every connection handler.
type Engine struct {
	memory *memoryTier
	redis  *redisTier
	rdb    *redis.Client

	statsMu  sync.Mutex
	counters map[string]int64
	pending  map[string]int64

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds the cache engine. client may be nil when the Redis tier is
// disabled or unreachable; the engine then runs memory-only.
func New(cfg config.CacheConfig, client *redis.Client) *Engine {
	e := &Engine{
		counters: make(map[string]int64),
		pending:  make(map[string]int64),
		stop:     make(chan struct{}),
	}
	if cfg.MemoryEnabled {
		e.memory = newMemoryTier(cfg.MemoryMaxBytes, cfg.MemoryTTL, cfg.CleanupInterval)
	}
	if cfg.RedisEnabled && client != nil {
		e.redis = newRedisTier(client)
		e.rdb = client
		go e.statsFlushLoop()
	}
	return e
}

// Close stops the background stats flusher
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Get reads an entry through the tiers: memory first, then Redis. A Redis hit
// back-fills the memory tier. Absence is reported as (nil, false), never as
// an error; the caller treats it as a fetch trigger.
func (e *Engine) Get(ctx context.Context, channelID, cacheKey string, contentType types.ContentType) ([]byte, bool) {
	key := entryKey(channelID, contentType, cacheKey)
	now := time.Now()

	if e.memory != nil {
		if entry, ok := e.memory.get(key, now); ok {
			e.record(types.TierMemory, contentType, types.OutcomeHit)
			return entry.Bytes, true
		}
		e.record(types.TierMemory, contentType, types.OutcomeMiss)
	}

	if e.redis != nil {
		if data, ok := e.redis.get(ctx, key); ok {
			e.record(types.TierRedis, contentType, types.OutcomeHit)
			if e.memory != nil {
				e.memory.set(key, types.CacheEntry{ContentType: contentType, Bytes: data, StoredAt: now}, now)
			}
			return data, true
		}
		e.record(types.TierRedis, contentType, types.OutcomeMiss)
	}

	return nil, false
}

// Set writes an entry into every enabled tier
func (e *Engine) Set(ctx context.Context, channelID, cacheKey string, contentType types.ContentType, data []byte, ttl time.Duration) {
	key := entryKey(channelID, contentType, cacheKey)
	now := time.Now()

	if e.memory != nil {
		e.memory.set(key, types.CacheEntry{ContentType: contentType, Bytes: data, StoredAt: now}, now)
	}
	if e.redis != nil {
		e.redis.set(ctx, key, data, ttl)
	}
}

// Exists reports whether an entry is present in any enabled tier without
// counting towards hit/miss statistics. Used by prefetch idempotence checks.
func (e *Engine) Exists(ctx context.Context, channelID, cacheKey string, contentType types.ContentType) bool {
	key := entryKey(channelID, contentType, cacheKey)
	if e.memory != nil && e.memory.exists(key, time.Now()) {
		return true
	}
	if e.redis != nil && e.redis.exists(ctx, key) {
		return true
	}
	return false
}

// InvalidateChannel drops every playlist and segment entry for a channel
func (e *Engine) InvalidateChannel(ctx context.Context, channelID string) {
	utils.InfoLog("Invalidating cache for channel %s", channelID)
	if e.memory != nil {
		// Exact key for the playlist: a bare prefix would also match
		// channels whose IDs extend this one
		e.memory.remove(PlaylistKey(channelID))
		e.memory.invalidatePrefixes(segmentKeyPrefix + channelID + ":")
	}
	if e.redis != nil {
		e.redis.deletePattern(ctx, segmentKeyPrefix+channelID+":*")
		e.redis.deletePattern(ctx, PlaylistKey(channelID))
	}
}

// Stats returns the merged view of cache counters. With Redis enabled the
// counters come from the central hash so multiple relay processes contribute
// to one dashboard; memory usage is always process-local.
func (e *Engine) Stats(ctx context.Context) types.CacheStats {
	stats := types.NewCacheStats()

	if e.rdb != nil {
		fields, err := e.rdb.HGetAll(ctx, statsKey).Result()
		if err != nil {
			utils.WarnLog("Failed to read central cache stats: %v", err)
		}
		for field, raw := range fields {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				stats.Counters[field] = n
			}
		}
	} else {
		e.statsMu.Lock()
		for k, v := range e.counters {
			stats.Counters[k] = v
		}
		e.statsMu.Unlock()
	}

	if e.memory != nil {
		stats.MemoryUsageBytes, stats.MemoryEntries, stats.Evictions = e.memory.snapshot()
	}
	return stats
}

// ResetStats zeroes the central counters. The emptied hash carries a long
// safety expiry so an abandoned stats key cannot linger forever.
func (e *Engine) ResetStats(ctx context.Context) {
	e.statsMu.Lock()
	e.counters = make(map[string]int64)
	e.pending = make(map[string]int64)
	e.statsMu.Unlock()

	if e.rdb == nil {
		return
	}
	pipe := e.rdb.Pipeline()
	pipe.Del(ctx, statsKey)
	pipe.Set(ctx, statsResetTTLKey, time.Now().Unix(), statsResetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		utils.WarnLog("Failed to reset central cache stats: %v", err)
	}
}

// record updates local counters and prometheus, and queues the delta for the
// asynchronous flush to the central hash. Nothing here touches the network.
func (e *Engine) record(tier string, contentType types.ContentType, outcome string) {
	key := types.StatKey(tier, contentType, outcome)

	e.statsMu.Lock()
	e.counters[key]++
	if e.rdb != nil {
		e.pending[key]++
	}
	e.statsMu.Unlock()

	if outcome == types.OutcomeHit {
		metrics.CacheHitsTotal.WithLabelValues(tier, string(contentType)).Inc()
	} else {
		metrics.CacheMissesTotal.WithLabelValues(tier, string(contentType)).Inc()
	}
}

// statsFlushLoop pushes accumulated counter deltas to the central Redis
// hash, keeping stats persistence off the request path.
func (e *Engine) statsFlushLoop() {
	ticker := time.NewTicker(statsFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			e.flushStats()
			return
		case <-ticker.C:
			e.flushStats()
		}
	}
}

func (e *Engine) flushStats() {
	e.statsMu.Lock()
	if len(e.pending) == 0 {
		e.statsMu.Unlock()
		return
	}
	deltas := e.pending
	e.pending = make(map[string]int64)
	e.statsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := e.rdb.Pipeline()
	for field, delta := range deltas {
		pipe.HIncrBy(ctx, statsKey, field, delta)
	}
	pipe.Expire(ctx, statsKey, statsResetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		utils.WarnLog("Failed to flush cache stats to Redis: %v", err)
	}
}
