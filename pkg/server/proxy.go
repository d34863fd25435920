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
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lucasduport/hls-relay/pkg/cache"
	"github.com/lucasduport/hls-relay/pkg/config"
	"github.com/lucasduport/hls-relay/pkg/database"
	"github.com/lucasduport/hls-relay/pkg/metrics"
	"github.com/lucasduport/hls-relay/pkg/playlist"
	"github.com/lucasduport/hls-relay/pkg/prefetch"
	"github.com/lucasduport/hls-relay/pkg/tracker"
	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"

	// lockWaitInterval paces cache polling while another process holds the
	// playlist fetch lock
	lockWaitInterval = 100 * time.Millisecond
	lockWaitAttempts = 10
)

// ProxyCore routes parsed requests to the playlist and segment paths. It is
// shared by every connection goroutine and holds no per-request state.
type ProxyCore struct {
	cfg       *config.ProxyConfig
	channels  *ChannelTable
	cache     *cache.Engine
	snapshots *playlist.SnapshotStore
	prefetch  *prefetch.Engine
	tracker   *tracker.Tracker
	db        *database.DBManager
	client    *http.Client
}

// NewProxyCore wires the serving path together
func NewProxyCore(cfg *config.ProxyConfig, channels *ChannelTable, cacheEngine *cache.Engine,
	snapshots *playlist.SnapshotStore, pf *prefetch.Engine, tr *tracker.Tracker, db *database.DBManager) *ProxyCore {
	return &ProxyCore{
		cfg:       cfg,
		channels:  channels,
		cache:     cacheEngine,
		snapshots: snapshots,
		prefetch:  pf,
		tracker:   tr,
		db:        db,
		client:    newUpstreamClient(cfg.UpstreamTimeout),
	}
}

// newUpstreamClient builds the origin-facing HTTP client. IPTV origins
// commonly present self-signed or mismatched certificates, so verification
// is disabled for upstream fetches only.
func newUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     30 * time.Second,
		},
	}
}

// Handle serves one parsed request and returns the number of payload bytes
// written to the client.
func (p *ProxyCore) Handle(ctx context.Context, req *request, w io.Writer, remoteIP string) int64 {
	if req.Method != http.MethodGet {
		metrics.RequestsTotal.WithLabelValues("other", "405").Inc()
		writeError(w, 405, "method not allowed")
		return 0
	}

	// Anything outside /proxy/{channel}/{resource} does not exist here;
	// 400 is reserved for resources of an unsupported type
	channelID, file, ok := parseProxyPath(req.Path)
	if !ok {
		metrics.RequestsTotal.WithLabelValues("other", "404").Inc()
		writeError(w, 404, "not found")
		return 0
	}

	channel, found := p.channels.Get(channelID)
	if !found {
		metrics.RequestsTotal.WithLabelValues("other", "404").Inc()
		writeError(w, 404, "unknown channel")
		return 0
	}

	// Honor proxies in front of the relay for session identity
	ip := remoteIP
	if fwd := req.ForwardedFor(); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		ip = strings.TrimSpace(fwd)
	}
	p.tracker.Track(ctx, ip, req.UserAgent(), channelID)

	name := file
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	switch {
	case strings.HasSuffix(name, ".m3u8"):
		return p.servePlaylist(ctx, channel, w)
	case strings.HasSuffix(name, ".ts"), strings.HasSuffix(name, ".m4s"), strings.HasSuffix(name, ".aac"):
		return p.serveSegment(ctx, channel, file, w)
	default:
		metrics.RequestsTotal.WithLabelValues("other", "400").Inc()
		writeError(w, 400, "unsupported resource extension")
		return 0
	}
}

// servePlaylist answers a playlist request from cache, fetching from the
// origin on a miss. The fetch lock collapses concurrent misses from many
// viewers into a single origin request.
func (p *ProxyCore) servePlaylist(ctx context.Context, channel types.Channel, w io.Writer) int64 {
	body, hit := p.cache.Get(ctx, channel.ID, "", types.ContentPlaylist)

	if !hit {
		var err error
		body, err = p.fetchPlaylist(ctx, channel)
		if err != nil {
			// Close without a body: a partial or error payload would be
			// interpreted by players as playlist content
			utils.ErrorLog("Playlist fetch failed for channel %s: %v", channel.ID, err)
			metrics.RequestsTotal.WithLabelValues("playlist", "upstream_error").Inc()
			return 0
		}
	}

	rewritten := playlist.Rewrite(body, "/proxy/"+channel.ID)
	if err := writeResponse(w, 200, playlistContentType, rewritten); err != nil {
		utils.DebugLog("Client write failed for playlist on channel %s: %v", channel.ID, err)
		return 0
	}

	sent := int64(len(rewritten))
	p.tracker.Bandwidth().AddTraffic(channel.ID, 0, sent)
	metrics.BytesRelayedTotal.WithLabelValues(channel.ID, "sent").Add(float64(sent))
	metrics.RequestsTotal.WithLabelValues("playlist", "200").Inc()
	return sent
}

// fetchPlaylist pulls the playlist from the origin under the dedup lock.
// Losing the lock means another process is already fetching; poll the cache
// briefly and fall back to a direct fetch if nothing lands.
func (p *ProxyCore) fetchPlaylist(ctx context.Context, channel types.Channel) ([]byte, error) {
	if !p.tracker.TryPlaylistLock(ctx, channel.ID) {
		for i := 0; i < lockWaitAttempts; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(lockWaitInterval):
			}
			if body, ok := p.cache.Get(ctx, channel.ID, "", types.ContentPlaylist); ok {
				return body, nil
			}
		}
		utils.DebugLog("Playlist lock wait expired for channel %s, fetching directly", channel.ID)
	} else {
		defer p.tracker.ReleasePlaylistLock(ctx, channel.ID)
	}

	body, err := p.fetchUpstream(ctx, channel.SourceURL)
	if err != nil {
		return nil, err
	}

	p.cache.Set(ctx, channel.ID, "", types.ContentPlaylist, body, p.cfg.Cache.PlaylistTTL)

	// Snapshot derivation is bookkeeping for the prefetch engine, not part
	// of answering the viewer; keep it off the response path
	if base, parseErr := url.Parse(channel.SourceURL); parseErr == nil {
		go func() {
			p.snapshots.Save(context.Background(), playlist.Parse(body, base, channel.ID))
		}()
	}

	p.tracker.Bandwidth().AddTraffic(channel.ID, int64(len(body)), 0)
	metrics.BytesRelayedTotal.WithLabelValues(channel.ID, "received").Add(float64(len(body)))
	return body, nil
}

// serveSegment answers a segment request from cache, fetching and caching on
// a miss. A miss streams the origin body to the client chunk by chunk while
// accumulating it on the side; the cache entry is committed only once the
// origin read completed, so an aborted transfer never caches a partial body.
func (p *ProxyCore) serveSegment(ctx context.Context, channel types.Channel, file string, w io.Writer) int64 {
	upstreamURL, cacheKey := p.resolveSegment(channel, file)

	if body, hit := p.cache.Get(ctx, channel.ID, cacheKey, types.ContentSegment); hit {
		sent, err := p.writeSegment(w, body)
		if err != nil {
			utils.DebugLog("Client write failed for segment on channel %s: %v", channel.ID, err)
			return sent
		}
		p.finishSegment(ctx, channel, file, 0, sent)
		return sent
	}

	resp, err := p.openUpstream(ctx, upstreamURL)
	if err != nil {
		// Close without a body so the player retries instead of feeding
		// error bytes to its decoder
		utils.ErrorLog("Segment fetch failed for channel %s file %s: %v", channel.ID, utils.MaskURL(upstreamURL), err)
		metrics.RequestsTotal.WithLabelValues("segment", "upstream_error").Inc()
		return 0
	}
	defer resp.Body.Close()

	if err := writeChunkedHeader(w, 200, segmentContentType); err != nil {
		return 0
	}
	cw := newChunkedWriter(w, p.cfg.Cache.ChunkSize)
	var accumulated bytes.Buffer
	sent, err := io.Copy(cw, io.TeeReader(resp.Body, &accumulated))
	if err != nil {
		// Either side failed mid-stream; the accumulated body is
		// incomplete and must not be committed
		utils.DebugLog("Segment transfer aborted for channel %s file %s after %d bytes: %v", channel.ID, file, sent, err)
		return sent
	}
	if err := cw.Close(); err != nil {
		return sent
	}

	body := accumulated.Bytes()
	p.cache.Set(ctx, channel.ID, cacheKey, types.ContentSegment, body, p.cfg.Cache.SegmentTTL)
	p.finishSegment(ctx, channel, file, int64(len(body)), sent)
	return sent
}

// finishSegment books traffic for a completed segment response and triggers
// the follow-up prefetch work
func (p *ProxyCore) finishSegment(ctx context.Context, channel types.Channel, file string, received, sent int64) {
	p.tracker.Bandwidth().AddTraffic(channel.ID, received, sent)
	if received > 0 {
		metrics.BytesRelayedTotal.WithLabelValues(channel.ID, "received").Add(float64(received))
	}
	metrics.BytesRelayedTotal.WithLabelValues(channel.ID, "sent").Add(float64(sent))
	metrics.RequestsTotal.WithLabelValues("segment", "200").Inc()
	p.afterSegmentServed(ctx, channel, file)
}

func (p *ProxyCore) writeSegment(w io.Writer, body []byte) (int64, error) {
	if err := writeChunkedHeader(w, 200, segmentContentType); err != nil {
		return 0, err
	}
	cw := newChunkedWriter(w, p.cfg.Cache.ChunkSize)
	n, err := cw.Write(body)
	if err != nil {
		return int64(n), err
	}
	return int64(n), cw.Close()
}

// afterSegmentServed updates the playlist window bookkeeping and queues the
// prefetch work a served segment implies: its successor at medium priority
// and, once the window is mostly loaded, the next playlist at low priority.
func (p *ProxyCore) afterSegmentServed(ctx context.Context, channel types.Channel, file string) {
	snapshot := p.snapshots.Load(channel.ID)
	if i, ok := snapshot.FindByFilename(file); ok {
		if _, queueNext := p.snapshots.MarkLoaded(ctx, channel.ID, i); queueNext {
			p.prefetch.EnqueuePlaylistRefresh(channel.ID, channel.SourceURL)
		}
	}
	p.prefetch.EnqueueNextSegment(channel.ID, file)
}

// resolveSegment maps a relay-local filename back to its upstream URL. The
// playlist snapshot is authoritative; without one the filename is resolved
// against the channel source URL directory.
func (p *ProxyCore) resolveSegment(channel types.Channel, file string) (upstreamURL, cacheKey string) {
	if snapshot := p.snapshots.Load(channel.ID); snapshot != nil {
		if i, ok := snapshot.FindByFilename(file); ok {
			seg := snapshot.Segments[i]
			return seg.URL, seg.CacheKey
		}
	}

	upstreamURL = file
	if base, err := url.Parse(channel.SourceURL); err == nil {
		if rel, err := url.Parse(file); err == nil {
			upstreamURL = base.ResolveReference(rel).String()
		}
	}
	return upstreamURL, cache.CacheKey(upstreamURL)
}

// openUpstream issues the origin GET and hands back the open response; the
// caller owns the body
func (p *ProxyCore) openUpstream(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", utils.GetIPTVUserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return resp, nil
}

func (p *ProxyCore) fetchUpstream(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := p.openUpstream(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
