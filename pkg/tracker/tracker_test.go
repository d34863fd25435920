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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasduport/hls-relay/pkg/types"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := New(nil, nil)
	t.Cleanup(tr.Stop)
	return tr
}

func TestTrackDeduplicatesWithinFreshnessWindow(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	// A player fetching playlist + several segments opens many connections
	// in quick succession; they must collapse into one session
	var sessionIDs []string
	for i := 0; i < 5; i++ {
		s := tr.Track(ctx, "10.0.0.1", "VLC/3.0", "42")
		sessionIDs = append(sessionIDs, s.SessionID)
	}

	for _, id := range sessionIDs[1:] {
		assert.Equal(t, sessionIDs[0], id, "all requests must map to the same session")
	}
	assert.Equal(t, int64(1), tr.Connections(ctx, "42"))
}

func TestTrackSeparatesDistinctViewers(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	a := tr.Track(ctx, "10.0.0.1", "VLC/3.0", "42")
	b := tr.Track(ctx, "10.0.0.2", "VLC/3.0", "42")
	c := tr.Track(ctx, "10.0.0.1", "Kodi/20", "42")
	d := tr.Track(ctx, "10.0.0.1", "VLC/3.0", "7")

	ids := map[string]bool{a.SessionID: true, b.SessionID: true, c.SessionID: true, d.SessionID: true}
	assert.Len(t, ids, 4, "IP, user agent and channel each distinguish viewers")
	assert.Equal(t, int64(3), tr.Connections(ctx, "42"))
	assert.Equal(t, int64(1), tr.Connections(ctx, "7"))
}

func TestDisconnectReleasesConnectionSlot(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	tr.Track(ctx, "10.0.0.1", "VLC/3.0", "42")
	require.Equal(t, int64(1), tr.Connections(ctx, "42"))

	tr.Disconnect(ctx, "10.0.0.1", "VLC/3.0", "42")
	assert.Equal(t, int64(0), tr.Connections(ctx, "42"))

	// Double disconnect must not push the counter negative
	tr.Disconnect(ctx, "10.0.0.1", "VLC/3.0", "42")
	assert.Equal(t, int64(0), tr.Connections(ctx, "42"))
}

func TestTrackAfterDisconnectMintsNewSession(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	first := tr.Track(ctx, "10.0.0.1", "VLC/3.0", "42")
	tr.Disconnect(ctx, "10.0.0.1", "VLC/3.0", "42")
	require.Equal(t, int64(0), tr.Connections(ctx, "42"))

	// The viewer coming back is a new arrival even inside the freshness
	// window; the old session ended explicitly
	second := tr.Track(ctx, "10.0.0.1", "VLC/3.0", "42")
	assert.NotEqual(t, first.SessionID, second.SessionID, "a disconnected session must not be revived")
	assert.Equal(t, int64(1), tr.Connections(ctx, "42"), "the returning viewer takes exactly one slot")

	// And a later disconnect releases exactly that one slot
	tr.Disconnect(ctx, "10.0.0.1", "VLC/3.0", "42")
	assert.Equal(t, int64(0), tr.Connections(ctx, "42"))
}

func TestTrackAfterFreshnessWindowMintsNewSession(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	first := tr.Track(ctx, "10.0.0.1", "VLC/3.0", "42")
	require.Equal(t, int64(1), tr.Connections(ctx, "42"))

	// Age the session past the window, as if the viewer paused playback
	identity := types.SessionIdentity("10.0.0.1", "VLC/3.0", "42")
	stale, ok := tr.store.loadSession(ctx, identity)
	require.True(t, ok)
	stale.LastActive = time.Now().Add(-freshnessWindow - time.Second)
	tr.store.saveSession(ctx, identity, stale, sessionTTL)

	second := tr.Track(ctx, "10.0.0.1", "VLC/3.0", "42")
	assert.NotEqual(t, first.SessionID, second.SessionID, "a stale identity starts a new session")
	assert.Equal(t, int64(1), tr.Connections(ctx, "42"), "retiring and recreating moves the counter once each way")
}

func TestTrackAfterReapMintsNewSession(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	first := tr.Track(ctx, "10.0.0.1", "VLC/3.0", "42")
	tr.reap(ctx, time.Now().Add(idleTimeout+time.Second))
	require.Equal(t, int64(0), tr.Connections(ctx, "42"))

	second := tr.Track(ctx, "10.0.0.1", "VLC/3.0", "42")
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, int64(1), tr.Connections(ctx, "42"))
}

func TestReapDisconnectsIdleSessions(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	tr.Track(ctx, "10.0.0.1", "VLC/3.0", "42")
	tr.Track(ctx, "10.0.0.2", "VLC/3.0", "42")
	require.Equal(t, int64(2), tr.Connections(ctx, "42"))

	tr.reap(ctx, time.Now().Add(idleTimeout+time.Second))

	assert.Equal(t, int64(0), tr.Connections(ctx, "42"))
	for _, s := range tr.Sessions(ctx) {
		assert.Equal(t, types.SessionDisconnected, s.Status)
	}

	// Reaping again must be a no-op
	tr.reap(ctx, time.Now().Add(2*idleTimeout))
	assert.Equal(t, int64(0), tr.Connections(ctx, "42"))
}

func TestPlaylistLockSingleHolder(t *testing.T) {
	a := newTestTracker(t)
	b := newTestTracker(t)
	ctx := context.Background()

	// Separate trackers with separate memory stores both win; the store is
	// the sharing boundary, so contention only exists within one store
	require.True(t, a.TryPlaylistLock(ctx, "42"))
	require.True(t, b.TryPlaylistLock(ctx, "42"))

	// Within one store the second instance must lose
	store := newMemoryStore()
	require.True(t, store.acquireLock(ctx, "lock:x", "instance-a", time.Minute))
	assert.False(t, store.acquireLock(ctx, "lock:x", "instance-b", time.Minute))
	assert.True(t, store.acquireLock(ctx, "lock:x", "instance-a", time.Minute), "holder may re-enter")

	store.releaseLock(ctx, "lock:x", "instance-b")
	assert.False(t, store.acquireLock(ctx, "lock:x", "instance-b", time.Minute), "non-holder release is a no-op")

	store.releaseLock(ctx, "lock:x", "instance-a")
	assert.True(t, store.acquireLock(ctx, "lock:x", "instance-b", time.Minute))
}

func TestBandwidthRateComputation(t *testing.T) {
	b := newBandwidth(nil)
	now := time.Now()

	// Bytes accumulate below the minimum window without producing a rate
	b.addTrafficAt("42", 1000, 2000, now)
	b.addTrafficAt("42", 1000, 2000, now.Add(500*time.Millisecond))
	sample := b.Sample("42")
	assert.Zero(t, sample.ReceivedRate)
	assert.Equal(t, int64(2000), sample.BytesReceived)

	// Crossing the window computes delta/elapsed and resets the counters
	b.addTrafficAt("42", 1000, 2000, now.Add(2*time.Second))
	sample = b.Sample("42")
	assert.InDelta(t, 1500.0, sample.ReceivedRate, 1.0, "3000 bytes over 2 seconds")
	assert.InDelta(t, 3000.0, sample.SentRate, 1.0, "6000 bytes over 2 seconds")
	assert.Zero(t, sample.BytesReceived, "counters reset after rate computation")
}

func TestBandwidthElapsedCap(t *testing.T) {
	b := newBandwidth(nil)
	now := time.Now()

	b.addTrafficAt("42", 0, 0, now)
	// A burst after a long idle period is rated over the capped window, not
	// the full idle time
	b.addTrafficAt("42", 300_000, 0, now.Add(10*time.Minute))

	sample := b.Sample("42")
	assert.InDelta(t, 10_000.0, sample.ReceivedRate, 1.0, "300000 bytes over the 30s cap")
}

func TestSessionIdentityStable(t *testing.T) {
	a := types.SessionIdentity("10.0.0.1", "VLC/3.0", "42")
	b := types.SessionIdentity("10.0.0.1", "VLC/3.0", "42")
	c := types.SessionIdentity("10.0.0.1", "VLC/3.0", "7")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
