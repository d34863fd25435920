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

package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasduport/hls-relay/pkg/cache"
	"github.com/lucasduport/hls-relay/pkg/config"
	"github.com/lucasduport/hls-relay/pkg/playlist"
	"github.com/lucasduport/hls-relay/pkg/prefetch"
	"github.com/lucasduport/hls-relay/pkg/tracker"
)

// testRelay bundles a proxy core wired against a fake origin
type testRelay struct {
	core     *ProxyCore
	upstream *httptest.Server
	segHits  map[string]*int32
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	hits := map[string]*int32{
		"stream.m3u8": new(int32),
		"1-0-0.ts":    new(int32),
		"2-0-0.ts":    new(int32),
		"3-0-0.ts":    new(int32),
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Base(r.URL.Path)
		if counter, ok := hits[name]; ok {
			atomic.AddInt32(counter, 1)
		}
		if strings.HasSuffix(name, ".m3u8") {
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:10,\n1-0-0.ts\n#EXTINF:10,\n2-0-0.ts\n#EXTINF:10,\n3-0-0.ts\n")
			return
		}
		fmt.Fprintf(w, "payload-of-%s", name)
	}))
	t.Cleanup(upstream.Close)

	channelsPath := filepath.Join(t.TempDir(), "channels.json")
	channelsJSON := fmt.Sprintf(`[{"id": "42", "source_url": "%s/live/stream.m3u8", "status": "active"}]`, upstream.URL)
	require.NoError(t, os.WriteFile(channelsPath, []byte(channelsJSON), 0o644))

	channels, err := NewChannelTable(nil, channelsPath, "")
	require.NoError(t, err)

	cfg := (&config.ProxyConfig{
		HostConfig: &config.HostConfiguration{Port: 0},
		Cache: config.CacheConfig{
			MemoryEnabled:  true,
			MemoryMaxBytes: 16 * 1024 * 1024,
			MemoryTTL:      time.Minute,
			PlaylistTTL:    10 * time.Second,
			SegmentTTL:     time.Minute,
		},
		Prefetch: config.PrefetchConfig{Workers: 2, QueueSize: 16, TaskTimeout: 5 * time.Second},
	}).WithDefaults()

	cacheEngine := cache.New(cfg.Cache, nil)
	snapshots := playlist.NewSnapshotStore(nil, cfg.Cache.PlaylistTTL)
	tr := tracker.New(nil, nil)
	pf := prefetch.New(cfg.Prefetch, cfg.Cache, cacheEngine, snapshots, http.DefaultClient, channels.SourceURL)
	t.Cleanup(func() {
		pf.Stop()
		tr.Stop()
		cacheEngine.Close()
	})

	core := NewProxyCore(cfg, channels, cacheEngine, snapshots, pf, tr, nil)
	return &testRelay{core: core, upstream: upstream, segHits: hits}
}

// do runs one request through the core and parses the raw response
func (tr *testRelay) do(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()

	req := &request{
		Method:  http.MethodGet,
		Path:    path,
		Proto:   "HTTP/1.1",
		Headers: map[string]string{"user-agent": "test-player"},
	}
	var buf bytes.Buffer
	tr.core.Handle(context.Background(), req, &buf, "10.0.0.1")

	httpReq := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(buf.Bytes())), httpReq)
	require.NoError(t, err, "relay must emit well-formed HTTP")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, body
}

func (tr *testRelay) hitCount(name string) int32 {
	return atomic.LoadInt32(tr.segHits[name])
}

func TestPlaylistServedRewritten(t *testing.T) {
	relay := newTestRelay(t)

	resp, body := relay.do(t, "/proxy/42/stream.m3u8")
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, playlistContentType, resp.Header.Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Contains(t, lines, "/proxy/42/1-0-0.ts")
	assert.Contains(t, lines, "/proxy/42/2-0-0.ts")
	for _, line := range lines {
		if !strings.HasPrefix(line, "#") {
			assert.True(t, strings.HasPrefix(line, "/proxy/42/"), "segment URI %q must be relay-local", line)
		}
	}
}

func TestPlaylistCacheCollapsesOriginFetches(t *testing.T) {
	relay := newTestRelay(t)

	relay.do(t, "/proxy/42/stream.m3u8")
	relay.do(t, "/proxy/42/stream.m3u8")
	relay.do(t, "/proxy/42/stream.m3u8")

	assert.Equal(t, int32(1), relay.hitCount("stream.m3u8"), "repeat requests inside the TTL hit the cache")
}

func TestSegmentMissThenHit(t *testing.T) {
	relay := newTestRelay(t)
	relay.do(t, "/proxy/42/stream.m3u8")

	resp, body := relay.do(t, "/proxy/42/1-0-0.ts")
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "chunked", resp.TransferEncoding[0])
	assert.Equal(t, "payload-of-1-0-0.ts", string(body))
	require.Equal(t, int32(1), relay.hitCount("1-0-0.ts"))

	_, body = relay.do(t, "/proxy/42/1-0-0.ts")
	assert.Equal(t, "payload-of-1-0-0.ts", string(body))
	assert.Equal(t, int32(1), relay.hitCount("1-0-0.ts"), "second request must be a cache hit")
}

func TestServingSegmentPrefetchesSuccessor(t *testing.T) {
	relay := newTestRelay(t)
	relay.do(t, "/proxy/42/stream.m3u8")

	// Snapshot derivation runs off the response path; wait for it before
	// serving the segment that should trigger the successor prefetch
	require.Eventually(t, func() bool {
		return relay.core.snapshots.Load("42") != nil
	}, time.Second, 5*time.Millisecond)

	relay.do(t, "/proxy/42/1-0-0.ts")

	require.Eventually(t, func() bool {
		return relay.hitCount("2-0-0.ts") >= 1
	}, 3*time.Second, 10*time.Millisecond, "successor segment must be prefetched")

	// Wait for prefetch to settle, then the successor must serve from cache
	time.Sleep(100 * time.Millisecond)
	_, body := relay.do(t, "/proxy/42/2-0-0.ts")
	assert.Equal(t, "payload-of-2-0-0.ts", string(body))
	assert.Equal(t, int32(1), relay.hitCount("2-0-0.ts"), "prefetched segment must not be refetched")
}

// brokenWriter accepts a fixed number of writes, then fails, standing in for
// a client that went away mid-transfer
type brokenWriter struct {
	remaining int
}

func (b *brokenWriter) Write(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.ErrClosedPipe
	}
	b.remaining--
	return len(p), nil
}

func TestAbortedSegmentTransferNotCached(t *testing.T) {
	relay := newTestRelay(t)
	relay.do(t, "/proxy/42/stream.m3u8")

	// The response head goes through, the first body chunk does not
	req := &request{
		Method:  http.MethodGet,
		Path:    "/proxy/42/3-0-0.ts",
		Proto:   "HTTP/1.1",
		Headers: map[string]string{"user-agent": "test-player"},
	}
	relay.core.Handle(context.Background(), req, &brokenWriter{remaining: 1}, "10.0.0.1")
	require.Equal(t, int32(1), relay.hitCount("3-0-0.ts"))

	// The interrupted body must not have been committed, so a healthy
	// client goes back to the origin and gets the full payload
	resp, body := relay.do(t, "/proxy/42/3-0-0.ts")
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "payload-of-3-0-0.ts", string(body))
	assert.Equal(t, int32(2), relay.hitCount("3-0-0.ts"), "aborted transfer must not populate the cache")
}

func TestUnknownChannelIs404(t *testing.T) {
	relay := newTestRelay(t)
	resp, _ := relay.do(t, "/proxy/99/stream.m3u8")
	assert.Equal(t, 404, resp.StatusCode)
}

func TestMalformedPathIs404(t *testing.T) {
	relay := newTestRelay(t)
	resp, _ := relay.do(t, "/not-proxy/42/stream.m3u8")
	assert.Equal(t, 404, resp.StatusCode)
}

func TestUnsupportedExtensionIs400(t *testing.T) {
	relay := newTestRelay(t)
	resp, _ := relay.do(t, "/proxy/42/stream.mpd")
	assert.Equal(t, 400, resp.StatusCode)
}

func TestNonGetIs405(t *testing.T) {
	relay := newTestRelay(t)

	req := &request{Method: http.MethodPost, Path: "/proxy/42/stream.m3u8", Proto: "HTTP/1.1", Headers: map[string]string{}}
	var buf bytes.Buffer
	relay.core.Handle(context.Background(), req, &buf, "10.0.0.1")
	assert.True(t, strings.HasPrefix(buf.String(), "HTTP/1.1 405"))
}

func TestViewerSessionTracked(t *testing.T) {
	relay := newTestRelay(t)

	relay.do(t, "/proxy/42/stream.m3u8")
	relay.do(t, "/proxy/42/1-0-0.ts")
	relay.do(t, "/proxy/42/2-0-0.ts")

	assert.Equal(t, int64(1), relay.core.tracker.Connections(context.Background(), "42"),
		"one player generating many requests is one connection")
}
