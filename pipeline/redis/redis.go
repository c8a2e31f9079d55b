package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrAddressRequired is returned when no address is configured.
	ErrAddressRequired = errors.New("redis address is required")
	// ErrNilClient is returned when a method is called on a nil client.
	ErrNilClient = errors.New("redis client is nil")
)

// Password hides its value from fmt verbs.
type Password string

// String implements fmt.Stringer.
func (Password) String() string { return "REDACTED" }

// GoString implements fmt.GoStringer.
func (p Password) GoString() string { return p.String() }

// Config configures the client. More than one address selects cluster mode.
type Config struct {
	Addresses    []string
	Password     Password
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       log.Logger
}

func (c Config) normalize() Config {
	if nilcheck.Interface(c.Logger) {
		c.Logger = log.NewNop()
	}

	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}

	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}

	return c
}

// Client owns a go-redis universal client.
type Client struct {
	rdb    redis.UniversalClient
	logger log.Logger
}

// New creates the client and verifies it with PING.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, ErrAddressRequired
	}

	cfg = cfg.normalize()

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     string(cfg.Password),
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		cfg.Logger.Log(ctx, log.LevelError, "failed to ping redis", log.Err(err))

		return nil, fmt.Errorf("ping redis: %w", err)
	}

	cfg.Logger.Log(ctx, log.LevelInfo, "connected to redis", log.Int("addresses", len(cfg.Addresses)))

	return &Client{rdb: rdb, logger: cfg.Logger}, nil
}

// Universal returns the underlying client.
//
//nolint:ireturn
func (c *Client) Universal() (redis.UniversalClient, error) {
	if c == nil || c.rdb == nil {
		return nil, ErrNilClient
	}

	return c.rdb, nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}

	return c.rdb.Close()
}
