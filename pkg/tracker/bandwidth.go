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
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

const (
	bandwidthKeyPrefix = "bandwidth:"
	bandwidthMirrorTTL = 60 * time.Second

	// rateWindowCap bounds the elapsed time used in rate math so a channel
	// idle for hours does not report a near-zero rate on its first new bytes
	rateWindowCap = 30 * time.Second

	// minRateWindow is the shortest interval over which rates are computed;
	// counters accumulate until at least this much time has passed
	minRateWindow = time.Second
)

type channelTraffic struct {
	bytesReceived int64
	bytesSent     int64
	receivedRate  float64
	sentRate      float64
	lastReset     time.Time
}

// Bandwidth tracks per-channel byte counters and derives transfer rates from
// deltas between resets. All accounting is process-local; samples are
// mirrored to Redis for external dashboards.
type Bandwidth struct {
	mu       sync.Mutex
	channels map[string]*channelTraffic
	rdb      *redis.Client
}

func newBandwidth(client *redis.Client) *Bandwidth {
	return &Bandwidth{
		channels: make(map[string]*channelTraffic),
		rdb:      client,
	}
}

// AddTraffic records bytes moved for a channel. received counts bytes pulled
// from the origin, sent counts bytes written to clients.
func (b *Bandwidth) AddTraffic(channelID string, received, sent int64) {
	b.addTrafficAt(channelID, received, sent, time.Now())
}

func (b *Bandwidth) addTrafficAt(channelID string, received, sent int64, now time.Time) {
	b.mu.Lock()

	tr, ok := b.channels[channelID]
	if !ok {
		tr = &channelTraffic{lastReset: now}
		b.channels[channelID] = tr
	}
	tr.bytesReceived += received
	tr.bytesSent += sent

	elapsed := now.Sub(tr.lastReset)
	if elapsed < minRateWindow {
		b.mu.Unlock()
		return
	}
	if elapsed > rateWindowCap {
		elapsed = rateWindowCap
	}

	secs := elapsed.Seconds()
	tr.receivedRate = float64(tr.bytesReceived) / secs
	tr.sentRate = float64(tr.bytesSent) / secs
	sample := types.BandwidthSample{
		ChannelID:     channelID,
		BytesReceived: tr.bytesReceived,
		BytesSent:     tr.bytesSent,
		ReceivedRate:  tr.receivedRate,
		SentRate:      tr.sentRate,
		LastReset:     now,
	}
	tr.bytesReceived = 0
	tr.bytesSent = 0
	tr.lastReset = now
	b.mu.Unlock()

	b.mirror(sample)
}

// Sample returns the latest computed rates for a channel
func (b *Bandwidth) Sample(channelID string) types.BandwidthSample {
	b.mu.Lock()
	defer b.mu.Unlock()

	tr, ok := b.channels[channelID]
	if !ok {
		return types.BandwidthSample{ChannelID: channelID}
	}
	return types.BandwidthSample{
		ChannelID:     channelID,
		BytesReceived: tr.bytesReceived,
		BytesSent:     tr.bytesSent,
		ReceivedRate:  tr.receivedRate,
		SentRate:      tr.sentRate,
		LastReset:     tr.lastReset,
	}
}

// Samples returns the latest rates for every channel with recorded traffic
func (b *Bandwidth) Samples() []types.BandwidthSample {
	b.mu.Lock()
	ids := make([]string, 0, len(b.channels))
	for id := range b.channels {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	out := make([]types.BandwidthSample, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.Sample(id))
	}
	return out
}

func (b *Bandwidth) mirror(sample types.BandwidthSample) {
	if b.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := bandwidthKeyPrefix + sample.ChannelID
	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, key,
		"received_rate", strconv.FormatFloat(sample.ReceivedRate, 'f', 2, 64),
		"sent_rate", strconv.FormatFloat(sample.SentRate, 'f', 2, 64),
		"last_reset", strconv.FormatInt(sample.LastReset.Unix(), 10),
	)
	pipe.Expire(ctx, key, bandwidthMirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		utils.WarnLog("Failed to mirror bandwidth for channel %s: %v", sample.ChannelID, err)
	}
}
