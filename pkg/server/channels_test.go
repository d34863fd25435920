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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadChannelsFromJSON(t *testing.T) {
	path := writeTempFile(t, "channels.json", `[
		{"id": "42", "source_url": "http://origin.example/42/stream.m3u8", "status": "active"},
		{"id": "7", "source_url": "http://origin.example/7/stream.m3u8"},
		{"id": "13", "source_url": "http://origin.example/13/stream.m3u8", "status": "disabled"}
	]`)

	channels, err := LoadChannelsFromJSON(path)
	require.NoError(t, err)
	require.Len(t, channels, 2, "disabled channels are skipped")

	assert.Equal(t, "42", channels[0].ID)
	assert.Equal(t, "/proxy/42/stream.m3u8", channels[0].ProxyPath)
	assert.Equal(t, "7", channels[1].ID, "missing status defaults to active")
}

func TestLoadChannelsFromJSONErrors(t *testing.T) {
	_, err := LoadChannelsFromJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := writeTempFile(t, "bad.json", `[{"source_url": "http://x"}]`)
	_, err = LoadChannelsFromJSON(path)
	assert.Error(t, err, "entries without an id are rejected")
}

func TestChannelTableLookup(t *testing.T) {
	path := writeTempFile(t, "channels.json",
		`[{"id": "42", "source_url": "http://origin.example/42/stream.m3u8", "status": "active"}]`)

	table, err := NewChannelTable(nil, path, "")
	require.NoError(t, err)

	ch, ok := table.Get("42")
	require.True(t, ok)
	assert.Equal(t, "http://origin.example/42/stream.m3u8", ch.SourceURL)

	src, ok := table.SourceURL("42")
	require.True(t, ok)
	assert.Equal(t, ch.SourceURL, src)

	_, ok = table.Get("99")
	assert.False(t, ok)
	assert.Equal(t, 1, table.Len())
}

func TestChannelTableNoSource(t *testing.T) {
	_, err := NewChannelTable(nil, "", "")
	assert.Error(t, err)
}

func TestLoadChannelsFromM3U(t *testing.T) {
	path := writeTempFile(t, "channels.m3u", `#EXTM3U
#EXTINF:-1 tvg-id="sports.hd" tvg-name="Sports HD",Sports HD
http://origin.example/sports/stream.m3u8
#EXTINF:-1,News
http://origin.example/news/stream.m3u8
`)

	channels, err := LoadChannelsFromM3U(path)
	require.NoError(t, err)
	require.Len(t, channels, 2)

	assert.Equal(t, "sports.hd", channels[0].ID, "tvg-id wins over positional ID")
	assert.Equal(t, "http://origin.example/sports/stream.m3u8", channels[0].SourceURL)
	assert.Equal(t, "2", channels[1].ID, "fallback is playlist position")
}
