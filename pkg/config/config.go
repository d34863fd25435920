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

package config

import "time"

// HostConfiguration holds the client-facing listener address
type HostConfiguration struct {
	Hostname string
	Port     int
}

// CacheConfig configures both tiers of the cache engine
type CacheConfig struct {
	MemoryEnabled   bool
	RedisEnabled    bool
	MemoryMaxBytes  int64
	MemoryTTL       time.Duration
	CleanupInterval time.Duration
	PlaylistTTL     time.Duration
	SegmentTTL      time.Duration
	ChunkSize       int
}

// PrefetchConfig configures the background prefetch engine
type PrefetchConfig struct {
	Workers       int
	Retries       int
	QueueSize     int
	RatePerSecond float64
	TaskTimeout   time.Duration
}

// RedisConfig holds the shared distributed store connection parameters
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProxyConfig represents the whole server configuration
type ProxyConfig struct {
	HostConfig *HostConfiguration

	// Status/metrics API port; 0 disables the API entirely
	StatusPort int

	// Channel table sources, tried in order: postgres, JSON file, M3U URL
	ChannelsFile   string
	ChannelsM3UURL string

	UpstreamTimeout time.Duration
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration

	Cache    CacheConfig
	Prefetch PrefetchConfig
	Redis    RedisConfig
}

// WithDefaults fills zero values with workable defaults so a partially
// populated config (tests, embedding) behaves sanely.
func (c *ProxyConfig) WithDefaults() *ProxyConfig {
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.Cache.MemoryMaxBytes <= 0 {
		c.Cache.MemoryMaxBytes = 256 * 1024 * 1024
	}
	if c.Cache.MemoryTTL <= 0 {
		c.Cache.MemoryTTL = 5 * time.Minute
	}
	if c.Cache.CleanupInterval <= 0 {
		c.Cache.CleanupInterval = 30 * time.Second
	}
	if c.Cache.PlaylistTTL <= 0 {
		c.Cache.PlaylistTTL = 10 * time.Second
	}
	if c.Cache.SegmentTTL <= 0 {
		c.Cache.SegmentTTL = 2 * time.Minute
	}
	if c.Cache.ChunkSize <= 0 {
		c.Cache.ChunkSize = 2 * 1024 * 1024
	}
	if c.Prefetch.Workers <= 0 {
		c.Prefetch.Workers = 5
	}
	if c.Prefetch.Retries <= 0 {
		c.Prefetch.Retries = 2
	}
	if c.Prefetch.QueueSize <= 0 {
		c.Prefetch.QueueSize = 256
	}
	if c.Prefetch.TaskTimeout <= 0 {
		c.Prefetch.TaskTimeout = 15 * time.Second
	}
	return c
}
