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

package playlist

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

// prefetchReadyRatio is the loaded fraction past which the next playlist
// refresh is queued
const prefetchReadyRatio = 0.8

const snapshotKeyPrefix = "hlsrelay:playlist:snapshot:"

// SnapshotStore keeps the most recent parsed playlist per channel. The
// authoritative copy lives in process memory; with Redis available each save
// is mirrored as JSON so sibling relay processes can inspect the window.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]*types.PlaylistSnapshot

	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotStore builds a store. client may be nil for memory-only use.
func NewSnapshotStore(client *redis.Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{
		snapshots: make(map[string]*types.PlaylistSnapshot),
		rdb:       client,
		ttl:       ttl,
	}
}

// Save replaces the channel's snapshot. Loaded flags carry over from the
// previous window for segments that are still present, so a playlist refresh
// does not forget which segments are already cached.
func (s *SnapshotStore) Save(ctx context.Context, snapshot *types.PlaylistSnapshot) {
	s.mu.Lock()
	if prev, ok := s.snapshots[snapshot.ChannelID]; ok {
		loaded := make(map[string]bool, len(prev.Segments))
		for _, seg := range prev.Segments {
			if seg.Loaded {
				loaded[seg.CacheKey] = true
			}
		}
		for i := range snapshot.Segments {
			if loaded[snapshot.Segments[i].CacheKey] {
				snapshot.Segments[i].Loaded = true
			}
		}
	}
	s.snapshots[snapshot.ChannelID] = snapshot
	mirrorCopy := snapshot.Clone()
	s.mu.Unlock()

	s.mirror(ctx, mirrorCopy)
}

// Load returns a copy of the current snapshot for the channel, or nil if none
// exists. The copy is the caller's to read freely; MarkLoaded keeps mutating
// the store's own copy under the lock.
func (s *SnapshotStore) Load(channelID string) *types.PlaylistSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[channelID].Clone()
}

// MarkLoaded flags a segment as cached and reports the new loaded ratio.
// queueNext is true exactly once per playlist window: the first time the
// ratio crosses the prefetch-ready threshold.
func (s *SnapshotStore) MarkLoaded(ctx context.Context, channelID string, index int) (ratio float64, queueNext bool) {
	s.mu.Lock()
	snapshot, ok := s.snapshots[channelID]
	if !ok || index < 0 || index >= len(snapshot.Segments) {
		s.mu.Unlock()
		return 0, false
	}
	snapshot.Segments[index].Loaded = true
	ratio = snapshot.LoadedRatio()
	if ratio > prefetchReadyRatio && !snapshot.NextPlaylistQd {
		snapshot.NextPlaylistQd = true
		queueNext = true
	}
	var mirrorCopy *types.PlaylistSnapshot
	if queueNext {
		mirrorCopy = snapshot.Clone()
	}
	s.mu.Unlock()

	if mirrorCopy != nil {
		s.mirror(ctx, mirrorCopy)
	}
	return ratio, queueNext
}

// SegmentAfter returns the segment following the one with the given filename,
// for prefetching segment i+1 once segment i has been served.
func (s *SnapshotStore) SegmentAfter(channelID, filename string) (types.Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.snapshots[channelID]
	i, ok := snapshot.FindByFilename(filename)
	if !ok || i+1 >= len(snapshot.Segments) {
		return types.Segment{}, false
	}
	return snapshot.Segments[i+1], true
}

// Drop removes the channel's snapshot, typically on channel invalidation
func (s *SnapshotStore) Drop(ctx context.Context, channelID string) {
	s.mu.Lock()
	delete(s.snapshots, channelID)
	s.mu.Unlock()

	if s.rdb != nil {
		if err := s.rdb.Del(ctx, snapshotKeyPrefix+channelID).Err(); err != nil {
			utils.WarnLog("Failed to drop playlist snapshot mirror for %s: %v", channelID, err)
		}
	}
}

func (s *SnapshotStore) mirror(ctx context.Context, snapshot *types.PlaylistSnapshot) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, snapshotKeyPrefix+snapshot.ChannelID, data, s.ttl).Err(); err != nil {
		utils.WarnLog("Failed to mirror playlist snapshot for %s: %v", snapshot.ChannelID, err)
	}
}
