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

package database

import (
	"fmt"

	"github.com/lucasduport/hls-relay/pkg/types"
	"github.com/lucasduport/hls-relay/pkg/utils"
)

// LoadChannels reads all active channels. The relay treats the channel table
// as read-only; rows are created and edited elsewhere.
func (m *DBManager) LoadChannels() ([]types.Channel, error) {
	utils.DebugLog("Database: Loading channel table")
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	rows, err := m.db.Query(`SELECT id, source_url, status FROM channels WHERE status = 'active' ORDER BY id`)
	if err != nil {
		utils.ErrorLog("Database error loading channels: %v", err)
		return nil, err
	}
	defer rows.Close()

	var channels []types.Channel
	for rows.Next() {
		var ch types.Channel
		if err := rows.Scan(&ch.ID, &ch.SourceURL, &ch.Status); err != nil {
			utils.ErrorLog("Database error scanning channel row: %v", err)
			return nil, err
		}
		ch.ProxyPath = "/proxy/" + ch.ID + "/stream.m3u8"
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	utils.InfoLog("Loaded %d channels from database", len(channels))
	return channels, nil
}
