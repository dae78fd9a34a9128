// Package redis provides Redis implementations of the aggregate counter and
// the total publisher.
//
// The counter is a single integer key updated with INCRBY and GETSET, so each
// operation is atomic on the server. Totals are published as JSON on a
// pub/sub channel.
package redis

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to all keys
	KeyPrefix string
	// Channel is the pub/sub channel totals are published on
	Channel string
	// DialTimeout bounds connection establishment
	DialTimeout time.Duration
}

// ConfigDefaults returns the default Redis configuration.
func ConfigDefaults() Config {
	return Config{
		Addr:        "localhost:6379",
		Password:    "",
		DB:          0,
		KeyPrefix:   "stl",
		Channel:     "stl:totals",
		DialTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := ConfigDefaults()
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaults.KeyPrefix
	}
	if c.Channel == "" {
		c.Channel = defaults.Channel
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	return c
}

func newClient(cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}), nil
}
