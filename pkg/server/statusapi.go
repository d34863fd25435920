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
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasduport/hls-relay/pkg/metrics"
	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

// StatusAPI is the operator-facing HTTP surface: status, cache statistics,
// sessions, bandwidth and prometheus metrics. It runs on its own port, apart
// from the client-facing relay listener.
type StatusAPI struct {
	server *Server
	engine *gin.Engine
}

// NewStatusAPI builds the API router
func NewStatusAPI(s *Server) *StatusAPI {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	engine.Use(cors.New(corsConfig))

	api := &StatusAPI{server: s, engine: engine}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	group := engine.Group("/api")
	{
		group.GET("/status", api.getStatus)
		group.GET("/cache", api.getCacheStats)
		group.POST("/cache/reset", api.resetCacheStats)
		group.POST("/cache/invalidate/:channel", api.invalidateChannel)
		group.GET("/sessions", api.getSessions)
		group.GET("/bandwidth", api.getBandwidth)
		group.GET("/bandwidth/:channel", api.getChannelBandwidth)
	}
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return api
}

// Run starts the API listener. Blocks.
func (a *StatusAPI) Run(addr string) error {
	utils.InfoLog("Status API listening on %s", addr)
	return a.engine.Run(addr)
}

func (a *StatusAPI) getStatus(c *gin.Context) {
	channels := a.server.channels.All()
	status := make([]gin.H, 0, len(channels))
	for _, ch := range channels {
		status = append(status, gin.H{
			"id":          ch.ID,
			"proxy_path":  ch.ProxyPath,
			"status":      ch.Status,
			"connections": a.server.tracker.Connections(c.Request.Context(), ch.ID),
		})
	}
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: gin.H{
		"channels": status,
		"count":    len(status),
	}})
}

func (a *StatusAPI) getCacheStats(c *gin.Context) {
	stats := a.server.cache.Stats(c.Request.Context())
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: stats})
}

func (a *StatusAPI) resetCacheStats(c *gin.Context) {
	a.server.cache.ResetStats(c.Request.Context())
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: "cache statistics reset"})
}

// invalidateChannel drops every cached entry and the playlist snapshot for a
// channel, forcing the next request back to the origin
func (a *StatusAPI) invalidateChannel(c *gin.Context) {
	channelID := c.Param("channel")
	if _, ok := a.server.channels.Get(channelID); !ok {
		c.JSON(http.StatusNotFound, types.APIResponse{Success: false, Error: "unknown channel"})
		return
	}
	a.server.cache.InvalidateChannel(c.Request.Context(), channelID)
	a.server.snapshots.Drop(c.Request.Context(), channelID)
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: "channel cache invalidated"})
}

func (a *StatusAPI) getSessions(c *gin.Context) {
	sessions := a.server.tracker.Sessions(c.Request.Context())
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	}})
}

func (a *StatusAPI) getBandwidth(c *gin.Context) {
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: a.server.tracker.Bandwidth().Samples()})
}

func (a *StatusAPI) getChannelBandwidth(c *gin.Context) {
	channelID := c.Param("channel")
	if _, ok := a.server.channels.Get(channelID); !ok {
		c.JSON(http.StatusNotFound, types.APIResponse{Success: false, Error: "unknown channel"})
		return
	}
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: a.server.tracker.Bandwidth().Sample(channelID)})
}
