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

package types

import (
	"crypto/sha1"
	"encoding/hex"
	"path"
	"regexp"
	"strings"
	"time"
)

// ContentType distinguishes the two kinds of cached payloads
type ContentType string

const (
	ContentPlaylist ContentType = "playlist"
	ContentSegment  ContentType = "segment"
)

// Channel is one proxied IPTV channel. Channels are created and edited by the
// admin panel; the relay loads them once at startup and treats them read-only.
type Channel struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url"`
	ProxyPath string `json:"proxy_path"` // /proxy/{id}/stream.m3u8
	Status    string `json:"status"`
}

// Segment is one entry of a channel's current playlist window
type Segment struct {
	Index    int     `json:"index"`
	URL      string  `json:"url"` // resolved absolute upstream URL
	CacheKey string  `json:"cache_key"`
	Duration float64 `json:"duration"`
	Loaded   bool    `json:"loaded"` // prefetched or served at least once
}

// Filename returns the last path element of the segment URL without query string
func (s Segment) Filename() string {
	u := s.URL
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return path.Base(u)
}

// PlaylistSnapshot is the most recent parsed segment sequence for a channel.
// It is replaced wholesale on every playlist fetch.
type PlaylistSnapshot struct {
	ChannelID      string    `json:"channel_id"`
	Sequence       int64     `json:"sequence"`
	Segments       []Segment `json:"segments"`
	UpdateTime     time.Time `json:"update_time"`
	NextPlaylistQd bool      `json:"next_playlist_queued"`
}

// LoadedRatio returns the fraction of segments already prefetched or served
func (p *PlaylistSnapshot) LoadedRatio() float64 {
	if p == nil || len(p.Segments) == 0 {
		return 0
	}
	loaded := 0
	for _, s := range p.Segments {
		if s.Loaded {
			loaded++
		}
	}
	return float64(loaded) / float64(len(p.Segments))
}

// Clone returns an independent copy of the snapshot with its own segment
// slice, safe to read without holding the owning store's lock
func (p *PlaylistSnapshot) Clone() *PlaylistSnapshot {
	if p == nil {
		return nil
	}
	c := *p
	c.Segments = append([]Segment(nil), p.Segments...)
	return &c
}

var segmentSequencePattern = regexp.MustCompile(`\d+-\d+-\d+`)

// FindByFilename locates a segment by its filename. Exact filename match is
// tried first; as a fallback the numeric sequence embedded in names such as
// "123-456-789.ts" is compared, which survives upstream path rewrites.
func (p *PlaylistSnapshot) FindByFilename(name string) (int, bool) {
	if p == nil {
		return 0, false
	}
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	name = path.Base(name)

	for i, s := range p.Segments {
		if s.Filename() == name {
			return i, true
		}
	}

	seq := segmentSequencePattern.FindString(name)
	if seq == "" {
		return 0, false
	}
	for i, s := range p.Segments {
		if segmentSequencePattern.FindString(s.Filename()) == seq {
			return i, true
		}
	}
	return 0, false
}

// CacheEntry is the tagged variant stored by both cache tiers
type CacheEntry struct {
	ContentType ContentType `json:"content_type"`
	Bytes       []byte      `json:"bytes"`
	StoredAt    time.Time   `json:"stored_at"`
}

// Size returns the payload size in bytes
func (e CacheEntry) Size() int64 {
	return int64(len(e.Bytes))
}

// Cache tiers and access outcomes used as CacheStats counter key parts
const (
	TierMemory = "memory"
	TierRedis  = "redis"

	OutcomeHit  = "hit"
	OutcomeMiss = "miss"
)

// StatKey builds a counter key of the form tier:contentType:outcome
func StatKey(tier string, contentType ContentType, outcome string) string {
	return tier + ":" + string(contentType) + ":" + outcome
}

// CacheStats aggregates cache counters across tiers and content types.
// Counters is keyed by StatKey so multiple relay processes can merge their
// numbers into one shared view.
type CacheStats struct {
	Counters         map[string]int64 `json:"counters"`
	MemoryUsageBytes int64            `json:"memory_usage_bytes"`
	MemoryEntries    int              `json:"memory_entries"`
	Evictions        int64            `json:"evictions"`
}

// NewCacheStats returns zeroed stats with an allocated counter map
func NewCacheStats() CacheStats {
	return CacheStats{Counters: make(map[string]int64)}
}

// SessionStatus is the lifecycle state of a client session
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionDisconnected SessionStatus = "disconnected"
)

// ClientSession represents one logical viewer of a channel. A viewer opens
// many short-lived TCP connections (one per segment); they all map to the
// same session through the identity hash.
type ClientSession struct {
	SessionID   string        `json:"session_id"`
	ChannelID   string        `json:"channel_id"`
	IPAddress   string        `json:"ip_address"`
	UserAgent   string        `json:"user_agent"`
	ConnectTime time.Time     `json:"connect_time"`
	LastActive  time.Time     `json:"last_active"`
	Status      SessionStatus `json:"status"`
}

// SessionIdentity derives the stable identity hash for (clientIP, UA, channel)
func SessionIdentity(ip, userAgent, channelID string) string {
	sum := sha1.Sum([]byte(ip + "|" + userAgent + "|" + channelID))
	return hex.EncodeToString(sum[:])
}

// BandwidthSample reports the per-channel byte rates derived from traffic deltas
type BandwidthSample struct {
	ChannelID     string    `json:"channel_id"`
	BytesReceived int64     `json:"bytes_received"`
	BytesSent     int64     `json:"bytes_sent"`
	ReceivedRate  float64   `json:"received_rate"` // bytes per second
	SentRate      float64   `json:"sent_rate"`
	LastReset     time.Time `json:"last_reset"`
}

// APIResponse is a standardized API response structure
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
