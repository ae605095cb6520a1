// Package redis implements the ledger's Redis-backed collaborators with
// go-redis/v9: the event signal bus, distributed locks and API rate limiting.
// Every key is namespaced so several ledgers can share one Redis.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes keys when ClientConfig.Namespace is empty.
const DefaultNamespace = "stakeledger"

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// Namespace prefixes every key, channel and stream.
	Namespace string
	// StreamMaxLen caps the event stream (XADD MAXLEN ~). Zero uses
	// defaultStreamMaxLen.
	StreamMaxLen int64
}

// Client wraps a go-redis Client together with the key namespace.
type Client struct {
	rdb       *redis.Client
	ns        string
	streamMax int64
}

// New connects to Redis and pings it.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c := wrap(redis.NewClient(opts), cfg.Namespace, cfg.StreamMaxLen)
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return c, nil
}

func wrap(rdb *redis.Client, ns string, streamMax int64) *Client {
	ns = strings.Trim(ns, ":")
	if ns == "" {
		ns = DefaultNamespace
	}
	if streamMax <= 0 {
		streamMax = defaultStreamMaxLen
	}
	return &Client{rdb: rdb, ns: ns, streamMax: streamMax}
}

// Key joins parts under the client's namespace: Key("lock", "backup") is
// "stakeledger:lock:backup".
func (c *Client) Key(parts ...string) string {
	return Key(c.ns, parts...)
}

// Key joins parts under namespace ns.
func Key(ns string, parts ...string) string {
	return strings.Join(append([]string{ns}, parts...), ":")
}

// Namespace returns the key namespace.
func (c *Client) Namespace() string { return c.ns }

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
