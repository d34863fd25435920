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
	"context"
	"net"
	"sync"
	"time"

	"github.com/lucasduport/hls-relay/pkg/config"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

// connState tracks where a connection is in its lifecycle, for logging and
// the idle sweep
type connState int32

const (
	stateAccepted connState = iota
	stateDispatched
	stateStreaming
	stateClosed
)

// Listener accepts client TCP connections and runs one goroutine per
// connection. HLS players open a fresh connection per request, so every
// connection serves exactly one request and closes.
type Listener struct {
	cfg  *config.ProxyConfig
	core *ProxyCore

	ln       net.Listener
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewListener builds the client-facing listener
func NewListener(cfg *config.ProxyConfig, core *ProxyCore) *Listener {
	return &Listener{
		cfg:  cfg,
		core: core,
		stop: make(chan struct{}),
	}
}

// Serve binds the listen address and accepts until Shutdown. Blocks.
func (l *Listener) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return utils.PrintErrorAndReturn(err)
	}
	l.ln = ln
	utils.InfoLog("Relay listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.stop:
				return nil
			default:
			}
			utils.WarnLog("Accept failed: %v", err)
			continue
		}
		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

// Shutdown stops accepting and waits for in-flight connections
func (l *Listener) Shutdown(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stop)
		if l.ln != nil {
			l.ln.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConn reads one request and serves it. A panic in the serving path
// kills only this connection, never the process.
func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	state := stateAccepted
	defer func() {
		if r := recover(); r != nil {
			utils.ErrorLog("Connection handler panic from %s in state %d: %v", conn.RemoteAddr(), state, r)
		}
	}()

	// The request must arrive promptly; streaming resets the deadline below
	conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))

	br := bufio.NewReader(conn)
	req, err := readRequest(br)
	if err != nil {
		utils.DebugLog("Request parse failed from %s: %v", conn.RemoteAddr(), err)
		writeError(conn, 400, "bad request")
		return
	}
	state = stateDispatched

	remoteIP, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
	if splitErr != nil {
		remoteIP = conn.RemoteAddr().String()
	}

	// Writes get the idle timeout: a client that stops reading mid-segment
	// is cut off rather than pinning the goroutine
	conn.SetWriteDeadline(time.Now().Add(l.cfg.IdleTimeout))
	state = stateStreaming

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.UpstreamTimeout+l.cfg.IdleTimeout)
	defer cancel()

	l.core.Handle(ctx, req, conn, remoteIP)
	state = stateClosed
}
