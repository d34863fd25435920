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

// initSchema creates database tables if they don't exist. The channels table
// is written by the admin panel; the relay only reads it.
func (m *DBManager) initSchema() error {
	utils.InfoLog("Initializing database schema")

	if m == nil || m.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if _, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			source_url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		utils.ErrorLog("Failed to create channels table: %v", err)
		return fmt.Errorf("failed to create channels table: %w", err)
	}

	if _, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS connection_history (
			id SERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			ip_address TEXT,
			user_agent TEXT,
			connect_time TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			disconnect_time TIMESTAMP,
			bytes_sent BIGINT DEFAULT 0
		)
	`); err != nil {
		utils.ErrorLog("Failed to create connection_history table: %v", err)
		return fmt.Errorf("failed to create connection_history table: %w", err)
	}

	utils.InfoLog("Database schema initialized successfully")
	return nil
}
