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

// Package tracker maintains the viewer session table. An HLS player opens a
// short-lived TCP connection for every segment; the tracker folds that churn
// into stable per-viewer sessions keyed by (IP, user agent, channel).
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	satoriuuid "github.com/satori/go.uuid"

	"github.com/lucasduport/hls-relay/pkg/metrics"
	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

const (
	// freshnessWindow is how long a repeat request from the same identity is
	// treated as the same connection burst rather than a new arrival
	freshnessWindow = time.Minute

	// idleTimeout is how long a session may go without activity before the
	// reaper marks it disconnected
	idleTimeout = 180 * time.Second

	// sessionTTL bounds how long a session record outlives its last touch in
	// the shared store
	sessionTTL = 10 * time.Minute

	reapInterval = 30 * time.Second

	playlistLockPrefix = "hlsrelay:lock:playlist:"
	playlistLockTTL    = 5 * time.Second
)

// Audit receives session lifecycle events for persistent records. Satisfied
// by the database manager; may be nil.
type Audit interface {
	OpenConnection(sessionID, channelID, ipAddress, userAgent string) (int64, error)
	CloseConnection(sessionID string, bytesSent int64) error
}

// Tracker deduplicates viewer sessions and keeps per-channel connection
// counts. One Tracker exists per process; with Redis configured the state is
// shared across processes.
type Tracker struct {
	store      sessionStore
	instanceID string
	bandwidth  *Bandwidth
	audit      Audit

	stop     chan struct{}
	stopOnce sync.Once
	reaperWg sync.WaitGroup
}

// New builds a tracker. client and audit may both be nil, in which case all
// state is process-local and nothing is persisted. The instance ID marks
// lock ownership so overlapping relay processes never steal each other's
// playlist fetch.
func New(client *redis.Client, audit Audit) *Tracker {
	var store sessionStore
	if client != nil {
		store = newRedisStore(client)
	} else {
		store = newMemoryStore()
	}
	t := &Tracker{
		store:      store,
		instanceID: satoriuuid.NewV4().String(),
		bandwidth:  newBandwidth(client),
		audit:      audit,
		stop:       make(chan struct{}),
	}
	t.reaperWg.Add(1)
	go t.reapLoop()
	return t
}

// Stop shuts down the background reaper
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.reaperWg.Wait()
}

// Track registers activity from a client. An active session seen again within
// the freshness window only refreshes its last-active time and keeps its ID.
// Anything else, a first sighting, a stale identity, or a session that was
// disconnected in the meantime, mints a new session and takes a connection
// slot, so a viewer coming back after a gap is a new viewer.
func (t *Tracker) Track(ctx context.Context, ip, userAgent, channelID string) *types.ClientSession {
	identity := types.SessionIdentity(ip, userAgent, channelID)
	now := time.Now()

	session, exists := t.store.loadSession(ctx, identity)
	if exists && session.Status == types.SessionActive && now.Sub(session.LastActive) < freshnessWindow {
		session.LastActive = now
		t.store.saveSession(ctx, identity, session, sessionTTL)
		return session
	}

	// A player's first playlist and segment requests land near-simultaneously
	// on separate connections; the marker lets exactly one of them create the
	// session and bump the counter
	if !exists && !t.store.markFresh(ctx, identity, freshnessWindow) {
		if winner, ok := t.store.loadSession(ctx, identity); ok {
			return winner
		}
	}

	// A stale-but-active session is retired before its replacement is
	// created, so the connection counter moves down and up exactly once
	if exists && session.Status == types.SessionActive {
		t.store.adjustConnections(ctx, channelID, -1)
		metrics.ActiveSessions.Dec()
		t.auditClose(session)
		utils.DebugLog("Retired stale session %s on channel %s", session.SessionID, channelID)
	}

	session = &types.ClientSession{
		SessionID:   uuid.NewString(),
		ChannelID:   channelID,
		IPAddress:   ip,
		UserAgent:   userAgent,
		ConnectTime: now,
		LastActive:  now,
		Status:      types.SessionActive,
	}
	t.store.saveSession(ctx, identity, session, sessionTTL)
	t.store.adjustConnections(ctx, channelID, 1)
	metrics.ActiveSessions.Inc()
	t.auditOpen(session)
	utils.InfoLog("New session %s for channel %s from %s", session.SessionID, channelID, ip)
	return session
}

// auditOpen records the session start off the request path; audit storage
// must never slow a serve.
func (t *Tracker) auditOpen(session *types.ClientSession) {
	if t.audit == nil {
		return
	}
	s := *session
	go func() {
		if _, err := t.audit.OpenConnection(s.SessionID, s.ChannelID, s.IPAddress, s.UserAgent); err != nil {
			utils.DebugLog("Audit open failed for session %s: %v", s.SessionID, err)
		}
	}()
}

func (t *Tracker) auditClose(session *types.ClientSession) {
	if t.audit == nil {
		return
	}
	s := *session
	go func() {
		if err := t.audit.CloseConnection(s.SessionID, 0); err != nil {
			utils.DebugLog("Audit close failed for session %s: %v", s.SessionID, err)
		}
	}()
}

// Disconnect marks the identity's session as gone and releases its
// connection slot. Safe to call for unknown identities.
func (t *Tracker) Disconnect(ctx context.Context, ip, userAgent, channelID string) {
	identity := types.SessionIdentity(ip, userAgent, channelID)
	session, ok := t.store.loadSession(ctx, identity)
	if !ok || session.Status == types.SessionDisconnected {
		return
	}
	session.Status = types.SessionDisconnected
	t.store.saveSession(ctx, identity, session, sessionTTL)
	t.store.adjustConnections(ctx, channelID, -1)
	metrics.ActiveSessions.Dec()
	t.auditClose(session)
	utils.InfoLog("Session %s disconnected from channel %s", session.SessionID, channelID)
}

// Sessions returns a copy of all known sessions, active and disconnected
func (t *Tracker) Sessions(ctx context.Context) []*types.ClientSession {
	all := t.store.listSessions(ctx)
	out := make([]*types.ClientSession, 0, len(all))
	for _, s := range all {
		out = append(out, s)
	}
	return out
}

// Connections returns the current connection count for a channel
func (t *Tracker) Connections(ctx context.Context, channelID string) int64 {
	return t.store.connections(ctx, channelID)
}

// TryPlaylistLock attempts to become the single fetcher for a channel's
// playlist. Losers serve from cache or briefly wait; the short TTL frees the
// lock even if the winner dies mid-fetch.
func (t *Tracker) TryPlaylistLock(ctx context.Context, channelID string) bool {
	return t.store.acquireLock(ctx, playlistLockPrefix+channelID, t.instanceID, playlistLockTTL)
}

// ReleasePlaylistLock releases the fetch lock if this instance holds it
func (t *Tracker) ReleasePlaylistLock(ctx context.Context, channelID string) {
	t.store.releaseLock(ctx, playlistLockPrefix+channelID, t.instanceID)
}

// Bandwidth exposes the per-channel traffic accounting
func (t *Tracker) Bandwidth() *Bandwidth {
	return t.bandwidth
}

func (t *Tracker) reapLoop() {
	defer t.reaperWg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.reap(context.Background(), time.Now())
		}
	}
}

// reap disconnects sessions idle past the timeout. Cadence is best-effort;
// a missed cycle only delays the count correction.
func (t *Tracker) reap(ctx context.Context, now time.Time) {
	for identity, session := range t.store.listSessions(ctx) {
		if session.Status != types.SessionActive {
			continue
		}
		if now.Sub(session.LastActive) < idleTimeout {
			continue
		}
		session.Status = types.SessionDisconnected
		t.store.saveSession(ctx, identity, session, sessionTTL)
		t.store.adjustConnections(ctx, session.ChannelID, -1)
		metrics.ActiveSessions.Dec()
		t.auditClose(session)
		utils.DebugLog("Reaped idle session %s on channel %s", session.SessionID, session.ChannelID)
	}
}
