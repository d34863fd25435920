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

// Package playlist parses, rewrites and snapshots HLS media playlists.
// Processing is line-oriented on the raw M3U8 text so unknown tags pass
// through untouched.
package playlist

import (
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/lucasduport/hls-relay/pkg/cache"
	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

const (
	tagExtInf        = "#EXTINF:"
	tagMediaSequence = "#EXT-X-MEDIA-SEQUENCE:"
)

// isSegmentLine reports whether a playlist line references a media segment.
// Any non-tag non-blank line is a URI per the M3U8 format; the TS extension
// check additionally catches segment URIs carrying query strings.
func isSegmentLine(line string) bool {
	if line == "" || strings.HasPrefix(line, "#") {
		return false
	}
	trimmed := line
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return strings.HasSuffix(trimmed, ".ts") || strings.HasSuffix(trimmed, ".m4s") || strings.HasSuffix(trimmed, ".aac")
}

// Parse extracts the segment window from a media playlist. Relative URIs are
// resolved against base; each segment gets its derived cache key. The
// returned snapshot replaces any previous one for the channel wholesale.
func Parse(body []byte, base *url.URL, channelID string) *types.PlaylistSnapshot {
	snapshot := &types.PlaylistSnapshot{
		ChannelID:  channelID,
		UpdateTime: time.Now(),
	}

	var duration float64
	for _, raw := range strings.Split(string(body), "\n") {
		line := strings.TrimSpace(raw)

		switch {
		case strings.HasPrefix(line, tagMediaSequence):
			if n, err := strconv.ParseInt(strings.TrimPrefix(line, tagMediaSequence), 10, 64); err == nil {
				snapshot.Sequence = n
			}

		case strings.HasPrefix(line, tagExtInf):
			// #EXTINF:10.000,title
			spec := strings.TrimPrefix(line, tagExtInf)
			if i := strings.IndexByte(spec, ','); i >= 0 {
				spec = spec[:i]
			}
			if d, err := strconv.ParseFloat(spec, 64); err == nil {
				duration = d
			}

		case isSegmentLine(line):
			resolved := line
			if base != nil {
				if u, err := url.Parse(line); err == nil {
					resolved = base.ResolveReference(u).String()
				}
			}
			snapshot.Segments = append(snapshot.Segments, types.Segment{
				Index:    len(snapshot.Segments),
				URL:      resolved,
				CacheKey: cache.CacheKey(resolved),
				Duration: duration,
			})
			duration = 0
		}
	}

	utils.DebugLog("Parsed playlist for channel %s: %d segments, sequence %d",
		channelID, len(snapshot.Segments), snapshot.Sequence)
	return snapshot
}

// Rewrite replaces every segment URI in the playlist body with a relay-local
// path of the form {proxyBase}/{filename}, preserving every other line,
// comment and the original ordering byte for byte.
func Rewrite(body []byte, proxyBase string) []byte {
	proxyBase = strings.TrimSuffix(proxyBase, "/")

	lines := strings.Split(string(body), "\n")
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		if !isSegmentLine(strings.TrimSpace(line)) {
			continue
		}

		name := strings.TrimSpace(line)
		if q := strings.IndexByte(name, '?'); q >= 0 {
			name = name[:q]
		}
		lines[i] = proxyBase + "/" + path.Base(name)
	}
	return []byte(strings.Join(lines, "\n"))
}
