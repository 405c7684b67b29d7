package redisstore

import (
	"context"
	"net/url"
	"time"

	"github.com/geocoder89/forgehub/internal/observability"
	"github.com/redis/go-redis/v9"
)

// Client wraps the shared go-redis connection and routes every operation
// through observability.ObserveRedis so latency/error metrics are uniform
// across every repo method in this package.
type Client struct {
	rdb  *redis.Client
	prom *observability.Prom
}

type Config struct {
	URL      string
	Password string
	DB       int
}

// New parses a redis:// URL (falling back to Addr/Password/DB on parse
// failure) against a flat Config, accepting either connection-string form
// (REDIS_URL/HUB_REDIS_URL).
func New(cfg Config, prom *observability.Prom) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		opts = &redis.Options{
			Addr:     cfg.URL,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second

	return &Client{rdb: redis.NewClient(opts), prom: prom}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.observe("ping", func() error { return c.rdb.Ping(ctx).Err() })
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw exposes the underlying client for the matcher's Lua script and the
// eventbus's stream operations, which need the full go-redis surface.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

func (c *Client) observe(op string, fn func() error) error {
	if c.prom == nil {
		return fn()
	}
	return c.prom.ObserveRedis(op, fn)
}

// AddrFromURL returns the host part of a Redis URL for logging; it never
// includes credentials even if the URL carries userinfo.
func AddrFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.Host
}
