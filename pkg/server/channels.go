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
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/buger/jsonparser"
	"github.com/jamesnetherton/m3u"

	"github.com/lucasduport/hls-relay/pkg/database"
	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

// ChannelTable is the read-only channel registry loaded once at startup.
// Sources are tried in order: the database, a JSON file, an M3U playlist URL.
type ChannelTable struct {
	mu       sync.RWMutex
	channels map[string]types.Channel
}

// NewChannelTable builds the table from the first available source
func NewChannelTable(db *database.DBManager, channelsFile, m3uURL string) (*ChannelTable, error) {
	t := &ChannelTable{channels: make(map[string]types.Channel)}

	if db.IsInitialized() {
		channels, err := db.LoadChannels()
		if err == nil && len(channels) > 0 {
			t.put(channels)
			return t, nil
		}
		if err != nil {
			utils.WarnLog("Channel load from database failed, trying next source: %v", err)
		}
	}

	if channelsFile != "" {
		channels, err := LoadChannelsFromJSON(channelsFile)
		if err != nil {
			utils.WarnLog("Channel load from %s failed, trying next source: %v", channelsFile, err)
		} else if len(channels) > 0 {
			t.put(channels)
			return t, nil
		}
	}

	if m3uURL != "" {
		channels, err := LoadChannelsFromM3U(m3uURL)
		if err != nil {
			return nil, fmt.Errorf("failed to load channels from M3U: %w", err)
		}
		t.put(channels)
		return t, nil
	}

	return nil, fmt.Errorf("no channel source available")
}

func (t *ChannelTable) put(channels []types.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range channels {
		t.channels[ch.ID] = ch
	}
	utils.InfoLog("Channel table loaded: %d channels", len(t.channels))
}

// Get returns the channel with the given ID
func (t *ChannelTable) Get(id string) (types.Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.channels[id]
	return ch, ok
}

// SourceURL resolves a channel ID to its upstream playlist URL
func (t *ChannelTable) SourceURL(id string) (string, bool) {
	ch, ok := t.Get(id)
	if !ok {
		return "", false
	}
	return ch.SourceURL, true
}

// All returns a copy of every registered channel
func (t *ChannelTable) All() []types.Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}
	return out
}

// Len returns the number of registered channels
func (t *ChannelTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels)
}

// LoadChannelsFromJSON reads a channel list from a JSON file of the form
// [{"id": "...", "source_url": "...", "status": "active"}, ...]
func LoadChannelsFromJSON(path string) ([]types.Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var channels []types.Channel
	var parseErr error
	_, err = jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, offset int, _ error) {
		id, err := jsonparser.GetString(value, "id")
		if err != nil {
			parseErr = fmt.Errorf("channel entry missing id: %w", err)
			return
		}
		sourceURL, err := jsonparser.GetString(value, "source_url")
		if err != nil {
			parseErr = fmt.Errorf("channel %s missing source_url: %w", id, err)
			return
		}
		status, err := jsonparser.GetString(value, "status")
		if err != nil {
			status = "active"
		}
		if status != "active" {
			return
		}
		channels = append(channels, types.Channel{
			ID:        id,
			SourceURL: sourceURL,
			ProxyPath: "/proxy/" + id + "/stream.m3u8",
			Status:    status,
		})
	})
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, parseErr
	}

	utils.InfoLog("Loaded %d channels from %s", len(channels), path)
	return channels, nil
}

// LoadChannelsFromM3U builds the channel table from an M3U playlist; each
// track becomes one channel with a numeric ID in playlist order.
func LoadChannelsFromM3U(url string) ([]types.Channel, error) {
	playlist, err := m3u.Parse(url)
	if err != nil {
		return nil, utils.PrintErrorAndReturn(err)
	}

	channels := make([]types.Channel, 0, len(playlist.Tracks))
	for i, track := range playlist.Tracks {
		id := strconv.Itoa(i + 1)
		for _, tag := range track.Tags {
			if tag.Name == "tvg-id" && tag.Value != "" {
				id = tag.Value
			}
		}
		channels = append(channels, types.Channel{
			ID:        id,
			SourceURL: track.URI,
			ProxyPath: "/proxy/" + id + "/stream.m3u8",
			Status:    "active",
		})
	}

	utils.InfoLog("Loaded %d channels from M3U playlist", len(channels))
	return channels, nil
}
