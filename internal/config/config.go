// Package config reads server settings from the environment, with working
// local defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Addr        string
	RedisAddr   string // empty disables the cross-process bus
	DatabaseURL string // empty disables Postgres persistence

	RoomCapacity        int
	HeartbeatInterval   time.Duration
	HeartbeatMisses     int
	RoomGracePeriod     time.Duration
	CursorFlushInterval time.Duration
	QualityWindow       int
	OfflineMaxRetries   int
}

// Load reads configuration from the environment.
func Load() Config {
	return Config{
		Addr:                getenv("ADDR", ":8081"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RoomCapacity:        getint("ROOM_CAPACITY", 32),
		HeartbeatInterval:   getdur("HEARTBEAT_INTERVAL", 5*time.Second),
		HeartbeatMisses:     getint("HEARTBEAT_MISSES", 3),
		RoomGracePeriod:     getdur("ROOM_GRACE_PERIOD", 60*time.Second),
		CursorFlushInterval: getdur("CURSOR_FLUSH_INTERVAL", 50*time.Millisecond),
		QualityWindow:       getint("QUALITY_WINDOW", 16),
		OfflineMaxRetries:   getint("OFFLINE_MAX_RETRIES", 5),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
