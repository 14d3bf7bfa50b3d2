package xredis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Host           string
	Port           int
	Password       string
	DB             int
	SSL            bool
	MaxConnections int
	ReadTimeout    time.Duration
	DialTimeout    time.Duration
}

// New builds a go-redis client from the exchange config and pings it
// once so a bad coordinate fails at startup, not on the first order.
func New(c *Config) (*redis.Client, error) {
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}

	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.ReadTimeout,
		PoolSize:     c.MaxConnections,
		MinIdleConns: 10,
	}
	if c.SSL {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return rdb, nil
}
