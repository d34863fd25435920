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
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasduport/hls-relay/pkg/types"
)

const samplePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:1042
#EXTINF:10.000,
1042-0-0.ts
#EXTINF:10.000,
1043-0-0.ts?token=abc
#EXTINF:9.500,
live/1044-0-0.ts
#EXT-X-PROGRAM-DATE-TIME:2026-08-30T12:00:00Z
#EXTINF:10.000,
http://origin.example/live/1045-0-0.ts
#EXTINF:10.000,
1046-0-0.ts
`

func TestParse(t *testing.T) {
	base, _ := url.Parse("http://origin.example/live/stream.m3u8")
	snapshot := Parse([]byte(samplePlaylist), base, "42")

	require.Len(t, snapshot.Segments, 5)
	assert.Equal(t, int64(1042), snapshot.Sequence)
	assert.Equal(t, "42", snapshot.ChannelID)

	assert.Equal(t, "http://origin.example/live/1042-0-0.ts", snapshot.Segments[0].URL)
	assert.Equal(t, "http://origin.example/live/1043-0-0.ts?token=abc", snapshot.Segments[1].URL)
	assert.Equal(t, "http://origin.example/live/live/1044-0-0.ts", snapshot.Segments[2].URL)
	assert.Equal(t, "http://origin.example/live/1045-0-0.ts", snapshot.Segments[3].URL)

	assert.Equal(t, 10.0, snapshot.Segments[0].Duration)
	assert.Equal(t, 9.5, snapshot.Segments[2].Duration)

	for i, seg := range snapshot.Segments {
		assert.Equal(t, i, seg.Index)
		assert.NotEmpty(t, seg.CacheKey)
		assert.False(t, seg.Loaded)
	}
}

func TestRewritePreservesCommentsAndOrder(t *testing.T) {
	out := string(Rewrite([]byte(samplePlaylist), "/proxy/42"))

	inLines := strings.Split(samplePlaylist, "\n")
	outLines := strings.Split(out, "\n")
	require.Equal(t, len(inLines), len(outLines), "line count must be preserved")

	for i, line := range inLines {
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			assert.Equal(t, line, outLines[i], "non-segment line %d must pass through", i)
		}
	}

	assert.Equal(t, "/proxy/42/1042-0-0.ts", outLines[5])
	assert.Equal(t, "/proxy/42/1043-0-0.ts", outLines[7], "query string must be stripped")
	assert.Equal(t, "/proxy/42/1044-0-0.ts", outLines[9], "relative dirs collapse to filename")
	assert.Equal(t, "/proxy/42/1045-0-0.ts", outLines[12], "absolute URLs collapse to filename")
}

func TestSnapshotStoreMarkLoadedQueuesNextOnce(t *testing.T) {
	base, _ := url.Parse("http://origin.example/live/stream.m3u8")
	store := NewSnapshotStore(nil, 10*time.Second)
	ctx := context.Background()

	store.Save(ctx, Parse([]byte(samplePlaylist), base, "42"))

	// With 5 segments the ratio only exceeds 0.8 on the fifth mark (4/5 is
	// exactly 0.8, which is not past the threshold)
	var queuedAt []int
	for i := 0; i < 5; i++ {
		_, queueNext := store.MarkLoaded(ctx, "42", i)
		if queueNext {
			queuedAt = append(queuedAt, i)
		}
	}
	assert.Equal(t, []int{4}, queuedAt, "refresh must be queued exactly once, at the threshold crossing")

	_, queueNext := store.MarkLoaded(ctx, "42", 0)
	assert.False(t, queueNext, "flag must stay latched for this window")
}

func TestSnapshotStoreCarriesLoadedFlagsAcrossRefresh(t *testing.T) {
	base, _ := url.Parse("http://origin.example/live/stream.m3u8")
	store := NewSnapshotStore(nil, 10*time.Second)
	ctx := context.Background()

	store.Save(ctx, Parse([]byte(samplePlaylist), base, "42"))
	store.MarkLoaded(ctx, "42", 0)
	store.MarkLoaded(ctx, "42", 1)

	// Same window again, as a refreshed fetch would produce
	store.Save(ctx, Parse([]byte(samplePlaylist), base, "42"))

	snapshot := store.Load("42")
	require.NotNil(t, snapshot)
	assert.True(t, snapshot.Segments[0].Loaded)
	assert.True(t, snapshot.Segments[1].Loaded)
	assert.False(t, snapshot.Segments[2].Loaded)
	assert.False(t, snapshot.NextPlaylistQd, "queued flag must reset with the new window")
}

func TestSegmentAfter(t *testing.T) {
	base, _ := url.Parse("http://origin.example/live/stream.m3u8")
	store := NewSnapshotStore(nil, 10*time.Second)
	ctx := context.Background()
	store.Save(ctx, Parse([]byte(samplePlaylist), base, "42"))

	next, ok := store.SegmentAfter("42", "1042-0-0.ts")
	require.True(t, ok)
	assert.Equal(t, "1043-0-0.ts", next.Filename())

	_, ok = store.SegmentAfter("42", "1046-0-0.ts")
	assert.False(t, ok, "last segment has no successor")

	_, ok = store.SegmentAfter("missing-channel", "1042-0-0.ts")
	assert.False(t, ok)

	next, ok = store.SegmentAfter("42", "rewritten/1044-0-0.ts")
	require.True(t, ok, "sequence fallback should survive path rewrites")
	assert.Equal(t, "1045-0-0.ts", next.Filename())
}

func TestSnapshotStoreLoadReturnsIndependentCopy(t *testing.T) {
	base, _ := url.Parse("http://origin.example/live/stream.m3u8")
	store := NewSnapshotStore(nil, 10*time.Second)
	ctx := context.Background()
	store.Save(ctx, Parse([]byte(samplePlaylist), base, "42"))

	// Mutating a loaded snapshot must not leak into the store
	loaded := store.Load("42")
	require.NotNil(t, loaded)
	loaded.Segments[0].Loaded = true
	loaded.NextPlaylistQd = true

	fresh := store.Load("42")
	assert.False(t, fresh.Segments[0].Loaded)
	assert.False(t, fresh.NextPlaylistQd)

	// Connection goroutines read snapshots while prefetch workers mark
	// segments loaded; copies keep the two sides independent
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				store.MarkLoaded(ctx, "42", i%5)
				if s := store.Load("42"); s != nil {
					s.LoadedRatio()
					s.FindByFilename("1042-0-0.ts")
				}
			}
		}()
	}
	wg.Wait()
}

func TestSnapshotTypes(t *testing.T) {
	p := &types.PlaylistSnapshot{}
	assert.Zero(t, p.LoadedRatio())
	_, ok := p.FindByFilename("x.ts")
	assert.False(t, ok)
}
