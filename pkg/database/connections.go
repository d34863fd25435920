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

	"github.com/lucasduport/hls-relay/pkg/utils"
)

// OpenConnection records a new viewer session for auditing
func (m *DBManager) OpenConnection(sessionID, channelID, ipAddress, userAgent string) (int64, error) {
	utils.DebugLog("Database: Recording connection - session: %s, channel: %s", sessionID, channelID)
	if m == nil || m.db == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	var id int64
	err := m.db.QueryRow(`
		INSERT INTO connection_history
		  (session_id, channel_id, ip_address, user_agent)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, sessionID, channelID, ipAddress, userAgent).Scan(&id)
	if err != nil {
		utils.ErrorLog("Database error recording connection: %v", err)
		return 0, err
	}
	return id, nil
}

// CloseConnection marks a viewer session as ended and stores its byte total
func (m *DBManager) CloseConnection(sessionID string, bytesSent int64) error {
	utils.DebugLog("Database: Closing connection record for session %s", sessionID)
	if m == nil || m.db == nil {
		return fmt.Errorf("database not initialized")
	}
	_, err := m.db.Exec(`
		UPDATE connection_history
		SET disconnect_time = CURRENT_TIMESTAMP, bytes_sent = $2
		WHERE session_id = $1 AND disconnect_time IS NULL
	`, sessionID, bytesSent)
	if err != nil {
		utils.ErrorLog("Database error closing connection record: %v", err)
		return err
	}
	return nil
}

// ConnectionStats returns aggregate viewing statistics
func (m *DBManager) ConnectionStats() (map[string]interface{}, error) {
	utils.DebugLog("Database: Getting connection statistics")
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	stats := make(map[string]interface{})
	var total int
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM connection_history`).Scan(&total); err != nil {
		utils.ErrorLog("Database error counting connections: %v", err)
		return nil, err
	}
	stats["total_connections"] = total

	var open int
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM connection_history WHERE disconnect_time IS NULL`).Scan(&open); err != nil {
		utils.ErrorLog("Database error counting open connections: %v", err)
		return nil, err
	}
	stats["open_connections"] = open

	return stats, nil
}
