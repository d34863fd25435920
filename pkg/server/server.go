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

// Package server assembles the relay: channel table, cache engine, prefetch
// engine, session tracker, the client-facing TCP listener and the status API.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucasduport/hls-relay/pkg/cache"
	"github.com/lucasduport/hls-relay/pkg/config"
	"github.com/lucasduport/hls-relay/pkg/database"
	"github.com/lucasduport/hls-relay/pkg/playlist"
	"github.com/lucasduport/hls-relay/pkg/prefetch"
	"github.com/lucasduport/hls-relay/pkg/tracker"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

// Server owns every long-lived component of the relay process
type Server struct {
	cfg *config.ProxyConfig

	db        *database.DBManager
	rdb       *redis.Client
	channels  *ChannelTable
	cache     *cache.Engine
	snapshots *playlist.SnapshotStore
	prefetch  *prefetch.Engine
	tracker   *tracker.Tracker
	core      *ProxyCore
	listener  *Listener
}

// NewServer wires all components together. The database and Redis are both
// optional at runtime; the relay degrades to file-or-M3U channels and a
// memory-only cache when they are unreachable.
func NewServer(cfg *config.ProxyConfig) (*Server, error) {
	cfg.WithDefaults()
	s := &Server{cfg: cfg}

	db, err := database.NewDBManager()
	if err != nil {
		utils.WarnLog("Running without database: %v", err)
	} else {
		s.db = db
	}

	s.channels, err = NewChannelTable(s.db, cfg.ChannelsFile, cfg.ChannelsM3UURL)
	if err != nil {
		return nil, fmt.Errorf("channel table: %w", err)
	}

	if cfg.Cache.RedisEnabled {
		s.rdb = connectRedis(cfg.Redis)
		if s.rdb == nil {
			cfg.Cache.RedisEnabled = false
		}
	}

	s.cache = cache.New(cfg.Cache, s.rdb)
	s.snapshots = playlist.NewSnapshotStore(s.rdb, cfg.Cache.PlaylistTTL)

	// A nil *DBManager must not become a non-nil Audit interface
	var audit tracker.Audit
	if s.db.IsInitialized() {
		audit = s.db
	}
	s.tracker = tracker.New(s.rdb, audit)
	s.prefetch = prefetch.New(cfg.Prefetch, cfg.Cache, s.cache, s.snapshots,
		newUpstreamClient(cfg.Prefetch.TaskTimeout), s.channels.SourceURL)
	s.core = NewProxyCore(cfg, s.channels, s.cache, s.snapshots, s.prefetch, s.tracker, s.db)
	s.listener = NewListener(cfg, s.core)

	return s, nil
}

// connectRedis opens and verifies the shared store connection. Returns nil
// when Redis is unreachable so callers can degrade to memory-only operation.
func connectRedis(cfg config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		utils.WarnLog("Redis unreachable at %s, running memory-only: %v", cfg.Addr, err)
		client.Close()
		return nil
	}
	utils.InfoLog("Connected to Redis at %s", cfg.Addr)
	return client
}

// Serve runs the relay until SIGINT or SIGTERM, then shuts down gracefully.
// Blocks for the life of the process.
func (s *Server) Serve() error {
	if s.cfg.StatusPort > 0 {
		api := NewStatusAPI(s)
		go func() {
			addr := fmt.Sprintf("%s:%d", s.cfg.HostConfig.Hostname, s.cfg.StatusPort)
			if err := api.Run(addr); err != nil {
				utils.ErrorLog("Status API stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		utils.InfoLog("Received %v, shutting down", sig)
		s.Close()
	}()

	addr := fmt.Sprintf("%s:%d", s.cfg.HostConfig.Hostname, s.cfg.HostConfig.Port)
	return s.listener.Serve(addr)
}

// Close tears the relay down in dependency order
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.listener.Shutdown(ctx); err != nil {
		utils.WarnLog("Listener shutdown incomplete: %v", err)
	}
	s.prefetch.Stop()
	s.tracker.Stop()
	s.cache.Close()
	if s.rdb != nil {
		s.rdb.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	utils.InfoLog("Shutdown complete")
}
