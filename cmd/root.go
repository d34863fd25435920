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

package cmd

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasduport/hls-relay/pkg/config"
	"github.com/lucasduport/hls-relay/pkg/server"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hls-relay",
	Short: "Caching relay proxy for live HLS IPTV channels",
	Long: `hls-relay serves per-channel HLS playlists and video segments through
stable proxy paths while the real upstream URL stays hidden.

It supports:
- Line-oriented playlist rewriting to proxy-local segment URIs
- A tiered cache (in-process memory + Redis) for playlists and segments
- Priority-queued background prefetch of upcoming segments and playlists
- Per-channel bandwidth accounting and client session deduplication`,

	Run: func(cmd *cobra.Command, args []string) {
		log.Printf("[hls-relay] Server is starting...")

		conf := &config.ProxyConfig{
			HostConfig: &config.HostConfiguration{
				Hostname: viper.GetString("hostname"),
				Port:     viper.GetInt("port"),
			},
			StatusPort:      viper.GetInt("status-port"),
			ChannelsFile:    viper.GetString("channels-file"),
			ChannelsM3UURL:  viper.GetString("channels-m3u-url"),
			UpstreamTimeout: viper.GetDuration("upstream-timeout"),
			ReadTimeout:     viper.GetDuration("read-timeout"),
			IdleTimeout:     viper.GetDuration("idle-timeout"),
			Cache: config.CacheConfig{
				MemoryEnabled:   viper.GetBool("cache-memory"),
				RedisEnabled:    viper.GetBool("cache-redis"),
				MemoryMaxBytes:  viper.GetInt64("cache-memory-max-mb") * 1024 * 1024,
				MemoryTTL:       viper.GetDuration("cache-memory-ttl"),
				CleanupInterval: viper.GetDuration("cache-cleanup-interval"),
				PlaylistTTL:     viper.GetDuration("playlist-ttl"),
				SegmentTTL:      viper.GetDuration("segment-ttl"),
				ChunkSize:       viper.GetInt("chunk-size-kb") * 1024,
			},
			Prefetch: config.PrefetchConfig{
				Workers:       viper.GetInt("prefetch-workers"),
				Retries:       viper.GetInt("prefetch-retries"),
				QueueSize:     viper.GetInt("prefetch-queue-size"),
				RatePerSecond: viper.GetFloat64("prefetch-rate"),
				TaskTimeout:   viper.GetDuration("prefetch-timeout"),
			},
			Redis: config.RedisConfig{
				Addr:     viper.GetString("redis-addr"),
				Password: viper.GetString("redis-password"),
				DB:       viper.GetInt("redis-db"),
			},
		}

		srv, err := server.NewServer(conf)
		if err != nil {
			log.Fatal(err)
		}

		if err := srv.Serve(); err != nil {
			log.Fatal(err)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default is $HOME/.hls-relay.yaml)")

	// Listener configuration
	rootCmd.Flags().String("hostname", "", "Hostname to use in generated URLs")
	rootCmd.Flags().Int("port", 8080, "Client-facing proxy listening port")
	rootCmd.Flags().Int("status-port", 8081, "Status/metrics API listening port (0 disables)")
	rootCmd.Flags().Duration("read-timeout", 5*time.Second, "Per-connection request read timeout")
	rootCmd.Flags().Duration("idle-timeout", 30*time.Second, "Idle client connection timeout")

	// Channel table sources
	rootCmd.Flags().String("channels-file", "", "Path to a channels.json exported by the admin panel")
	rootCmd.Flags().String("channels-m3u-url", "", "M3U playlist URL or path used to build the channel table")

	// Upstream fetching
	rootCmd.Flags().Duration("upstream-timeout", 10*time.Second, "Upstream fetch timeout")

	// Cache configuration
	rootCmd.Flags().Bool("cache-memory", true, "Enable the in-process memory cache tier")
	rootCmd.Flags().Bool("cache-redis", true, "Enable the shared Redis cache tier")
	rootCmd.Flags().Int64("cache-memory-max-mb", 256, "Memory cache tier size ceiling in MB")
	rootCmd.Flags().Duration("cache-memory-ttl", 5*time.Minute, "Memory cache entry TTL")
	rootCmd.Flags().Duration("cache-cleanup-interval", 30*time.Second, "Minimum interval between memory cache sweeps")
	rootCmd.Flags().Duration("playlist-ttl", 10*time.Second, "Playlist cache TTL")
	rootCmd.Flags().Duration("segment-ttl", 2*time.Minute, "Segment cache TTL")
	rootCmd.Flags().Int("chunk-size-kb", 2048, "Chunked transfer chunk size ceiling in KB")

	// Prefetch configuration
	rootCmd.Flags().Int("prefetch-workers", 5, "Maximum concurrent prefetch fetches")
	rootCmd.Flags().Int("prefetch-retries", 2, "Prefetch retries before a task is dropped")
	rootCmd.Flags().Int("prefetch-queue-size", 256, "Per-priority prefetch queue capacity")
	rootCmd.Flags().Float64("prefetch-rate", 20, "Prefetch origin fetches per second (0 disables limiting)")
	rootCmd.Flags().Duration("prefetch-timeout", 15*time.Second, "Default prefetch task timeout")

	// Redis connection
	rootCmd.Flags().String("redis-addr", "localhost:6379", "Redis address")
	rootCmd.Flags().String("redis-password", "", "Redis password")
	rootCmd.Flags().Int("redis-db", 0, "Redis database number")

	// Bind all flags to viper
	if err := viper.BindPFlags(rootCmd.Flags()); err != nil {
		log.Fatal("Error binding PFlags to viper")
	}
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory and current directory
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".hls-relay")
	}

	// Replace hyphens with underscores in environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Read environment variables
	viper.AutomaticEnv()

	// Read in config file if found
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
