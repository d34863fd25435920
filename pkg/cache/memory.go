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
	"sort"
	"sync"
	"time"

	"github.com/lucasduport/hls-relay/pkg/metrics"
	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

// evictionTarget is the fraction of the size ceiling usage is brought back to
const evictionTarget = 0.8

type memoryEntry struct {
	entry     types.CacheEntry
	updatedAt time.Time
}

// memoryTier is the fast in-process cache layer. It is bounded by total byte
// size; entries are evicted oldest-first when the ceiling is exceeded, and an
// opportunistic sweep removes entries older than the configured TTL.
type memoryTier struct {
	mu          sync.Mutex
	entries     map[string]*memoryEntry
	usage       int64
	maxBytes    int64
	ttl         time.Duration
	sweepEvery  time.Duration
	lastCleanup time.Time
	evictions   int64
}

func newMemoryTier(maxBytes int64, ttl, sweepEvery time.Duration) *memoryTier {
	return &memoryTier{
		entries:     make(map[string]*memoryEntry),
		maxBytes:    maxBytes,
		ttl:         ttl,
		sweepEvery:  sweepEvery,
		lastCleanup: time.Now(),
	}
}

func (m *memoryTier) get(key string, now time.Time) (types.CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeSweepLocked(now)

	e, ok := m.entries[key]
	if !ok {
		return types.CacheEntry{}, false
	}
	if m.ttl > 0 && now.Sub(e.updatedAt) > m.ttl {
		m.removeLocked(key)
		return types.CacheEntry{}, false
	}
	return e.entry, true
}

func (m *memoryTier) set(key string, entry types.CacheEntry, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeSweepLocked(now)

	if old, ok := m.entries[key]; ok {
		m.usage -= old.entry.Size()
	}
	m.entries[key] = &memoryEntry{entry: entry, updatedAt: now}
	m.usage += entry.Size()

	if m.usage > m.maxBytes {
		m.evictLocked()
	}
}

func (m *memoryTier) exists(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false
	}
	if m.ttl > 0 && now.Sub(e.updatedAt) > m.ttl {
		m.removeLocked(key)
		return false
	}
	return true
}

// remove drops a single entry by exact key
func (m *memoryTier) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
}

// invalidatePrefixes drops every entry whose key starts with one of the prefixes
func (m *memoryTier) invalidatePrefixes(prefixes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.entries {
		for _, p := range prefixes {
			if len(key) >= len(p) && key[:len(p)] == p {
				m.removeLocked(key)
				break
			}
		}
	}
}

func (m *memoryTier) snapshot() (usage int64, count int, evictions int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage, len(m.entries), m.evictions
}

func (m *memoryTier) removeLocked(key string) {
	if e, ok := m.entries[key]; ok {
		m.usage -= e.entry.Size()
		delete(m.entries, key)
	}
}

// evictLocked removes entries oldest-first until usage falls to the eviction
// target fraction of the ceiling.
func (m *memoryTier) evictLocked() {
	target := int64(float64(m.maxBytes) * evictionTarget)

	type pair struct {
		key string
		e   *memoryEntry
	}
	items := make([]pair, 0, len(m.entries))
	for key, e := range m.entries {
		items = append(items, pair{key: key, e: e})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].e.updatedAt.Before(items[j].e.updatedAt)
	})

	for _, item := range items {
		if m.usage <= target {
			break
		}
		m.removeLocked(item.key)
		m.evictions++
		metrics.CacheEvictionsTotal.Inc()
	}
	utils.DebugLog("Memory cache eviction complete: usage=%d bytes, entries=%d", m.usage, len(m.entries))
}

// maybeSweepLocked removes TTL-expired entries when enough time has passed
// since the last sweep. Cadence is best-effort: the check piggybacks on cache
// touches instead of a dedicated timer.
func (m *memoryTier) maybeSweepLocked(now time.Time) {
	if m.ttl <= 0 || now.Sub(m.lastCleanup) < m.sweepEvery {
		return
	}
	m.lastCleanup = now

	removed := 0
	for key, e := range m.entries {
		if now.Sub(e.updatedAt) > m.ttl {
			m.removeLocked(key)
			removed++
		}
	}
	if removed > 0 {
		utils.DebugLog("Memory cache sweep removed %d expired entries", removed)
	}
}
