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

package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CacheHitsTotal counts cache hits by tier and content type
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsrelay_cache_hits_total",
		Help: "Cache hits by tier and content type.",
	}, []string{"tier", "content_type"})

	// CacheMissesTotal counts cache misses by tier and content type
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsrelay_cache_misses_total",
		Help: "Cache misses by tier and content type.",
	}, []string{"tier", "content_type"})

	// CacheEvictionsTotal counts memory tier evictions under size pressure
	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlsrelay_cache_evictions_total",
		Help: "Memory cache entries evicted under size pressure.",
	})

	// PrefetchTasksTotal counts prefetch task completions by type and outcome
	PrefetchTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsrelay_prefetch_tasks_total",
		Help: "Prefetch task completions by type and outcome.",
	}, []string{"type", "outcome"})

	// PrefetchInFlight tracks currently running prefetch fetches
	PrefetchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hlsrelay_prefetch_in_flight",
		Help: "Prefetch fetches currently in flight.",
	})

	// ActiveSessions tracks deduplicated viewer sessions marked active
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hlsrelay_active_sessions",
		Help: "Client sessions currently marked active.",
	})

	// BytesRelayedTotal counts relayed bytes by channel and direction
	BytesRelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsrelay_bytes_relayed_total",
		Help: "Bytes relayed by channel and direction (received from origin, sent to clients).",
	}, []string{"channel", "direction"})

	// RequestsTotal counts proxy requests by resource kind and status
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsrelay_requests_total",
		Help: "Proxy requests by resource kind and response status.",
	}, []string{"kind", "status"})
)

// Register registers all collectors on the given registerer
func Register(r prometheus.Registerer) {
	r.MustRegister(
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		PrefetchTasksTotal,
		PrefetchInFlight,
		ActiveSessions,
		BytesRelayedTotal,
		RequestsTotal,
	)
}
