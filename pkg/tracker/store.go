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

package tracker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

// Shared Redis key namespaces for session state
const (
	sessionKeyPrefix     = "session:"
	freshKeyPrefix       = "session:fresh:"
	connectionsKeyPrefix = "channel:connections:"
)

// sessionStore abstracts where session state lives. The Redis implementation
// shares state between relay processes; the memory implementation backs
// single-process deployments and tests.
type sessionStore interface {
	loadSession(ctx context.Context, identity string) (*types.ClientSession, bool)
	saveSession(ctx context.Context, identity string, s *types.ClientSession, ttl time.Duration)
	deleteSession(ctx context.Context, identity string)
	listSessions(ctx context.Context) map[string]*types.ClientSession

	// markFresh sets the freshness marker and reports whether it was newly
	// set. A false return means the identity was seen within the window.
	markFresh(ctx context.Context, identity string, window time.Duration) bool

	adjustConnections(ctx context.Context, channelID string, delta int64) int64
	connections(ctx context.Context, channelID string) int64

	acquireLock(ctx context.Context, key, owner string, ttl time.Duration) bool
	releaseLock(ctx context.Context, key, owner string)
}

// memoryStore keeps all session state in process memory
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*types.ClientSession
	fresh    map[string]time.Time
	counters map[string]int64
	locks    map[string]lockEntry
}

type lockEntry struct {
	owner   string
	expires time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions: make(map[string]*types.ClientSession),
		fresh:    make(map[string]time.Time),
		counters: make(map[string]int64),
		locks:    make(map[string]lockEntry),
	}
}

func (m *memoryStore) loadSession(_ context.Context, identity string) (*types.ClientSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[identity]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

func (m *memoryStore) saveSession(_ context.Context, identity string, s *types.ClientSession, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[identity] = &cp
}

func (m *memoryStore) deleteSession(_ context.Context, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, identity)
}

func (m *memoryStore) listSessions(_ context.Context) map[string]*types.ClientSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*types.ClientSession, len(m.sessions))
	for id, s := range m.sessions {
		cp := *s
		out[id] = &cp
	}
	return out
}

func (m *memoryStore) markFresh(_ context.Context, identity string, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if until, ok := m.fresh[identity]; ok && now.Before(until) {
		return false
	}
	m.fresh[identity] = now.Add(window)
	return true
}

func (m *memoryStore) adjustConnections(_ context.Context, channelID string, delta int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[channelID] += delta
	if m.counters[channelID] < 0 {
		m.counters[channelID] = 0
	}
	return m.counters[channelID]
}

func (m *memoryStore) connections(_ context.Context, channelID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[channelID]
}

func (m *memoryStore) acquireLock(_ context.Context, key, owner string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if l, ok := m.locks[key]; ok && now.Before(l.expires) {
		return l.owner == owner
	}
	m.locks[key] = lockEntry{owner: owner, expires: now.Add(ttl)}
	return true
}

func (m *memoryStore) releaseLock(_ context.Context, key, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[key]; ok && l.owner == owner {
		delete(m.locks, key)
	}
}

// redisStore shares session state through Redis so several relay processes
// agree on viewer counts and dedup decisions.
type redisStore struct {
	client *redis.Client
}

func newRedisStore(client *redis.Client) *redisStore {
	return &redisStore{client: client}
}

func (r *redisStore) loadSession(ctx context.Context, identity string) (*types.ClientSession, bool) {
	data, err := r.client.Get(ctx, sessionKeyPrefix+identity).Bytes()
	if err != nil {
		if err != redis.Nil {
			utils.WarnLog("Failed to load session %s: %v", identity, err)
		}
		return nil, false
	}
	var s types.ClientSession
	if err := json.Unmarshal(data, &s); err != nil {
		utils.WarnLog("Corrupt session record %s: %v", identity, err)
		return nil, false
	}
	return &s, true
}

func (r *redisStore) saveSession(ctx context.Context, identity string, s *types.ClientSession, ttl time.Duration) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, sessionKeyPrefix+identity, data, ttl).Err(); err != nil {
		utils.WarnLog("Failed to save session %s: %v", identity, err)
	}
}

func (r *redisStore) deleteSession(ctx context.Context, identity string) {
	if err := r.client.Del(ctx, sessionKeyPrefix+identity).Err(); err != nil {
		utils.WarnLog("Failed to delete session %s: %v", identity, err)
	}
}

func (r *redisStore) listSessions(ctx context.Context) map[string]*types.ClientSession {
	out := make(map[string]*types.ClientSession)
	iter := r.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// Freshness markers share the session: prefix; skip them
		if len(key) >= len(freshKeyPrefix) && key[:len(freshKeyPrefix)] == freshKeyPrefix {
			continue
		}
		identity := key[len(sessionKeyPrefix):]
		if s, ok := r.loadSession(ctx, identity); ok {
			out[identity] = s
		}
	}
	if err := iter.Err(); err != nil {
		utils.WarnLog("Session scan failed: %v", err)
	}
	return out
}

func (r *redisStore) markFresh(ctx context.Context, identity string, window time.Duration) bool {
	set, err := r.client.SetNX(ctx, freshKeyPrefix+identity, 1, window).Result()
	if err != nil {
		utils.WarnLog("Freshness marker failed for %s: %v", identity, err)
		// Degrade towards counting the connection rather than losing it
		return true
	}
	return set
}

func (r *redisStore) adjustConnections(ctx context.Context, channelID string, delta int64) int64 {
	n, err := r.client.IncrBy(ctx, connectionsKeyPrefix+channelID, delta).Result()
	if err != nil {
		utils.WarnLog("Connection counter update failed for channel %s: %v", channelID, err)
		return 0
	}
	if n < 0 {
		r.client.Set(ctx, connectionsKeyPrefix+channelID, 0, 0)
		return 0
	}
	return n
}

func (r *redisStore) connections(ctx context.Context, channelID string) int64 {
	n, err := r.client.Get(ctx, connectionsKeyPrefix+channelID).Int64()
	if err != nil {
		return 0
	}
	return n
}

func (r *redisStore) acquireLock(ctx context.Context, key, owner string, ttl time.Duration) bool {
	set, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		utils.WarnLog("Lock acquire failed for %s: %v", key, err)
		return false
	}
	if set {
		return true
	}
	current, err := r.client.Get(ctx, key).Result()
	return err == nil && current == owner
}

func (r *redisStore) releaseLock(ctx context.Context, key, owner string) {
	current, err := r.client.Get(ctx, key).Result()
	if err != nil || current != owner {
		return
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		utils.WarnLog("Lock release failed for %s: %v", key, err)
	}
}
