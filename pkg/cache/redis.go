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
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucasduport/hls-relay/pkg/utils"
)

// redisTier is the shared distributed cache layer. Entries expire by TTL
// alone; any Redis error degrades the tier to always-miss so a store outage
// never surfaces to the client as an error.
type redisTier struct {
	client *redis.Client
}

func newRedisTier(client *redis.Client) *redisTier {
	return &redisTier{client: client}
}

func (r *redisTier) get(ctx context.Context, key string) ([]byte, bool) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			utils.WarnLog("Redis cache read failed for %s: %v", key, err)
		}
		return nil, false
	}
	return data, true
}

func (r *redisTier) set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		utils.WarnLog("Redis cache write failed for %s: %v", key, err)
	}
}

func (r *redisTier) exists(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// deletePattern removes every key matching the glob pattern using SCAN,
// never KEYS, so large keyspaces stay responsive.
func (r *redisTier) deletePattern(ctx context.Context, pattern string) {
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			utils.WarnLog("Redis cache delete failed for %s: %v", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		utils.WarnLog("Redis cache scan failed for pattern %s: %v", pattern, err)
	}
}
