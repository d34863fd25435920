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

// Package prefetch warms the cache ahead of client requests: the next segment
// after a served one, and the refreshed playlist once most of the current
// window is loaded.
package prefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/lucasduport/hls-relay/pkg/cache"
	"github.com/lucasduport/hls-relay/pkg/config"
	"github.com/lucasduport/hls-relay/pkg/metrics"
	"github.com/lucasduport/hls-relay/pkg/playlist"
	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

// Priority orders tasks across the three queues. Higher priorities are always
// drained first; a steady stream of high tasks can starve low ones, which is
// acceptable for cache warming.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

const initialBackoff = 500 * time.Millisecond

// Task is one cache-warming fetch. Timeout overrides the engine default when
// positive.
type Task struct {
	ChannelID string
	URL       string
	CacheKey  string
	Type      types.ContentType
	Priority  Priority
	Timeout   time.Duration
}

// Engine runs prioritized background fetches through a bounded worker pool.
// Tasks are deduplicated against the cache before fetching, so enqueueing the
// same resource repeatedly is cheap.
type Engine struct {
	cfg    config.PrefetchConfig
	ttl    config.CacheConfig
	cache  *cache.Engine
	store  *playlist.SnapshotStore
	client *http.Client

	// sourceURL resolves a channel ID to its upstream playlist URL; used to
	// queue the next playlist refresh once a window is mostly loaded
	sourceURL func(channelID string) (string, bool)

	high   chan Task
	medium chan Task
	low    chan Task

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds and starts the engine. The dispatcher goroutine runs until Stop.
// sourceURL may be nil, which disables automatic playlist refreshes.
func New(pcfg config.PrefetchConfig, ccfg config.CacheConfig, cacheEngine *cache.Engine, store *playlist.SnapshotStore, client *http.Client, sourceURL func(string) (string, bool)) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	limit := rate.Inf
	if pcfg.RatePerSecond > 0 {
		limit = rate.Limit(pcfg.RatePerSecond)
	}
	e := &Engine{
		cfg:       pcfg,
		ttl:       ccfg,
		cache:     cacheEngine,
		store:     store,
		client:    client,
		high:      make(chan Task, pcfg.QueueSize),
		medium:    make(chan Task, pcfg.QueueSize),
		low:       make(chan Task, pcfg.QueueSize),
		sem:       semaphore.NewWeighted(int64(pcfg.Workers)),
		limiter:   rate.NewLimiter(limit, pcfg.Workers),
		sourceURL: sourceURL,
		stop:      make(chan struct{}),
	}
	e.wg.Add(1)
	go e.dispatch()
	return e
}

// Stop shuts the dispatcher down and waits for in-flight fetches to finish
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Enqueue queues a task without blocking. When the queue for the task's
// priority is saturated the task is dropped with a warning; prefetch is an
// optimization and must never stall the serving path.
func (e *Engine) Enqueue(task Task) bool {
	var queue chan Task
	switch task.Priority {
	case PriorityHigh:
		queue = e.high
	case PriorityMedium:
		queue = e.medium
	default:
		queue = e.low
	}

	select {
	case queue <- task:
		return true
	default:
		utils.WarnLog("Prefetch queue full, dropping %s task for channel %s", task.Type, task.ChannelID)
		metrics.PrefetchTasksTotal.WithLabelValues(string(task.Type), "dropped").Inc()
		return false
	}
}

// EnqueueNextSegment queues the segment following the just-served filename at
// medium priority, above routine playlist refreshes but below anything urgent.
// Returns false when the served segment is unknown or last in the window.
func (e *Engine) EnqueueNextSegment(channelID, servedFilename string) bool {
	next, ok := e.store.SegmentAfter(channelID, servedFilename)
	if !ok {
		return false
	}
	return e.Enqueue(Task{
		ChannelID: channelID,
		URL:       next.URL,
		CacheKey:  next.CacheKey,
		Type:      types.ContentSegment,
		Priority:  PriorityMedium,
	})
}

// EnqueuePlaylistRefresh queues a low-priority refetch of the channel playlist
func (e *Engine) EnqueuePlaylistRefresh(channelID, sourceURL string) bool {
	return e.Enqueue(Task{
		ChannelID: channelID,
		URL:       sourceURL,
		Type:      types.ContentPlaylist,
		Priority:  PriorityLow,
	})
}

// dispatch drains the queues strictly by priority. The nested selects give
// the high queue a chance before every dequeue, so medium and low tasks only
// run when nothing more urgent is pending.
func (e *Engine) dispatch() {
	defer e.wg.Done()

	for {
		var task Task
		select {
		case <-e.stop:
			return
		case task = <-e.high:
		default:
			select {
			case <-e.stop:
				return
			case task = <-e.high:
			case task = <-e.medium:
			default:
				select {
				case <-e.stop:
					return
				case task = <-e.high:
				case task = <-e.medium:
				case task = <-e.low:
				}
			}
		}

		if err := e.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		e.wg.Add(1)
		go func(task Task) {
			defer e.wg.Done()
			defer e.sem.Release(1)
			e.run(task)
		}(task)
	}
}

func (e *Engine) run(task Task) {
	if task.Type == types.ContentSegment && task.CacheKey == "" {
		task.CacheKey = cache.CacheKey(task.URL)
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.cfg.TaskTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Already cached: skip without touching the network
	if e.cache.Exists(ctx, task.ChannelID, task.CacheKey, task.Type) {
		metrics.PrefetchTasksTotal.WithLabelValues(string(task.Type), "skipped").Inc()
		return
	}

	if err := e.limiter.Wait(ctx); err != nil {
		metrics.PrefetchTasksTotal.WithLabelValues(string(task.Type), "failure").Inc()
		return
	}

	metrics.PrefetchInFlight.Inc()
	defer metrics.PrefetchInFlight.Dec()

	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				utils.WarnLog("Prefetch gave up on %s for channel %s: %v", utils.MaskURL(task.URL), task.ChannelID, lastErr)
				metrics.PrefetchTasksTotal.WithLabelValues(string(task.Type), "failure").Inc()
				return
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		data, err := e.fetch(ctx, task.URL)
		if err != nil {
			lastErr = err
			utils.DebugLog("Prefetch attempt %d failed for %s: %v", attempt+1, utils.MaskURL(task.URL), err)
			continue
		}

		e.complete(ctx, task, data)
		metrics.PrefetchTasksTotal.WithLabelValues(string(task.Type), "success").Inc()
		return
	}

	utils.WarnLog("Prefetch gave up on %s for channel %s: %v", utils.MaskURL(task.URL), task.ChannelID, lastErr)
	metrics.PrefetchTasksTotal.WithLabelValues(string(task.Type), "failure").Inc()
}

func (e *Engine) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", utils.GetIPTVUserAgent())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// complete stores the fetched payload and updates playlist bookkeeping. A
// fetched playlist replaces the channel snapshot; a fetched segment is marked
// loaded and may latch the next playlist refresh.
func (e *Engine) complete(ctx context.Context, task Task, data []byte) {
	switch task.Type {
	case types.ContentPlaylist:
		e.cache.Set(ctx, task.ChannelID, "", types.ContentPlaylist, data, e.ttl.PlaylistTTL)
		if base, err := url.Parse(task.URL); err == nil {
			e.store.Save(ctx, playlist.Parse(data, base, task.ChannelID))
		}

	case types.ContentSegment:
		e.cache.Set(ctx, task.ChannelID, task.CacheKey, types.ContentSegment, data, e.ttl.SegmentTTL)

		snapshot := e.store.Load(task.ChannelID)
		if i, ok := snapshot.FindByFilename(task.URL); ok {
			if _, queueNext := e.store.MarkLoaded(ctx, task.ChannelID, i); queueNext && e.sourceURL != nil {
				if src, found := e.sourceURL(task.ChannelID); found {
					e.EnqueuePlaylistRefresh(task.ChannelID, src)
				}
			}
		}
	}
}
