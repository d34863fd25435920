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
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/lucasduport/hls-relay/pkg/types"
)

// Redis key namespaces shared by every relay process
const (
	segmentKeyPrefix  = "segment:"
	playlistKeyPrefix = "playlist:"
	statsKey          = "hlsrelay:cache:stats"
	statsResetTTLKey  = "hlsrelay:cache:stats:reset"
)

// CacheKey derives the stable cache key for an upstream resource URL.
// The query string is dropped and proxy-internal routing segments
// ("/proxy/", "/ch_<id>/") are stripped, so the same physical upstream file
// maps to one key no matter which proxy-facing alias requested it. Keys are
// still namespaced per channel by SegmentKey.
func CacheKey(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	} else if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}

	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" || part == "proxy" || strings.HasPrefix(part, "ch_") {
			continue
		}
		kept = append(kept, part)
	}

	sum := sha1.Sum([]byte(strings.Join(kept, "/")))
	return hex.EncodeToString(sum[:])
}

// SegmentKey returns the full distributed-tier key for a segment entry
func SegmentKey(channelID, cacheKey string) string {
	return segmentKeyPrefix + channelID + ":" + cacheKey
}

// PlaylistKey returns the full distributed-tier key for a channel playlist
func PlaylistKey(channelID string) string {
	return playlistKeyPrefix + channelID
}

// entryKey builds the tier key for a (channel, contentType, cacheKey) triple.
// Playlists have exactly one entry per channel so the cacheKey is ignored.
func entryKey(channelID string, contentType types.ContentType, cacheKey string) string {
	if contentType == types.ContentPlaylist {
		return PlaylistKey(channelID)
	}
	return SegmentKey(channelID, cacheKey)
}
