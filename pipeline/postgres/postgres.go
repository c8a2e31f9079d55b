package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	driverName = "pgx"

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrPrimaryDSNRequired is returned when Config.PrimaryDSN is empty.
	ErrPrimaryDSNRequired = errors.New("primary dsn is required")
	// ErrNotConnected is returned by accessors before Connect succeeds.
	ErrNotConnected = errors.New("postgres client is not connected")
	// ErrNilClient is returned when a method is called on a nil client.
	ErrNilClient = errors.New("postgres client is nil")

	dbOpenFn = sql.Open

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config configures the client. ReplicaDSN defaults to PrimaryDSN.
type Config struct {
	PrimaryDSN      string
	ReplicaDSN      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Logger          log.Logger
}

func (c Config) normalize() Config {
	if nilcheck.Interface(c.Logger) {
		c.Logger = log.NewNop()
	}

	if strings.TrimSpace(c.ReplicaDSN) == "" {
		c.ReplicaDSN = c.PrimaryDSN
	}

	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}

	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}

	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return c
}

// Client routes writes to the primary and reads to the replica.
type Client struct {
	cfg      Config
	mu       sync.RWMutex
	primary  *sql.DB
	replica  *sql.DB
	resolver dbresolver.DB
}

// New validates cfg and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return nil, ErrPrimaryDSNRequired
	}

	return &Client{cfg: cfg.normalize()}, nil
}

// Connect opens both pools, builds the resolver and pings it. Calling it on
// a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return nil
	}

	logger := c.cfg.Logger

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to open primary database", log.String("error", sanitizeSensitiveError(err)))

		return fmt.Errorf("open primary: %s", sanitizeSensitiveError(err))
	}

	replica, err := c.open(c.cfg.ReplicaDSN)
	if err != nil {
		_ = primary.Close()

		logger.Log(ctx, log.LevelError, "failed to open replica database", log.String("error", sanitizeSensitiveError(err)))

		return fmt.Errorf("open replica: %s", sanitizeSensitiveError(err))
	}

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := resolver.PingContext(ctx); err != nil {
		_ = resolver.Close()

		logger.Log(ctx, log.LevelError, "failed to ping database", log.String("error", sanitizeSensitiveError(err)))

		return fmt.Errorf("ping database: %s", sanitizeSensitiveError(err))
	}

	c.primary, c.replica, c.resolver = primary, replica, resolver

	logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn(driverName, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	return db, nil
}

// Resolver returns the primary/replica resolver.
//
//nolint:ireturn
func (c *Client) Resolver() (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.resolver == nil {
		return nil, ErrNotConnected
	}

	return c.resolver, nil
}

// Primary returns the write pool.
func (c *Client) Primary() (*sql.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// Replica returns the read pool.
func (c *Client) Replica() (*sql.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.replica == nil {
		return nil, ErrNotConnected
	}

	return c.replica, nil
}

// IsConnected reports whether Connect has succeeded.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

// Ping checks the primary pool.
func (c *Client) Ping(ctx context.Context) error {
	db, err := c.Primary()
	if err != nil {
		return err
	}

	return db.PingContext(ctx)
}

// Close releases both pools.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.primary, c.replica, c.resolver = nil, nil, nil

	return err
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := credentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return passwordPattern.ReplaceAllString(sanitized, "${1}***")
}
