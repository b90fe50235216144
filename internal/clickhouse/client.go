// Package clickhouse owns the process-wide ClickHouse connection pool. The pool is opened and
// pinged once at startup, handed out as Connection handles that must be closed after use, and
// torn down with Client.Close on shutdown.
package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/malbeclabs/servicegraph/internal/metrics"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultMaxExecutionTime = 60
	defaultMaxOpenConns     = 20
	defaultMaxIdleConns     = 5
)

var ErrClientClosed = errors.New("clickhouse client is closed")

// Client represents a ClickHouse connection pool.
type Client interface {
	Conn(ctx context.Context) (Connection, error)
	Ping(ctx context.Context) error
	Close() error
}

// Connection is a handle checked out of the pool. Close returns it.
type Connection interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
	Close() error
}

// Option configures the Client.
type Option func(*config)

type config struct {
	addr         string
	database     string
	username     string
	password     string
	secure       bool
	maxOpenConns int
	maxIdleConns int
	dialTimeout  time.Duration
	logger       *slog.Logger
}

// WithAddr sets the ClickHouse native protocol address.
func WithAddr(addr string) Option {
	return func(c *config) {
		c.addr = addr
	}
}

// WithDatabase sets the ClickHouse database.
func WithDatabase(database string) Option {
	return func(c *config) {
		c.database = database
	}
}

// WithUser sets the ClickHouse username.
func WithUser(username string) Option {
	return func(c *config) {
		c.username = username
	}
}

// WithPassword sets the ClickHouse password.
func WithPassword(password string) Option {
	return func(c *config) {
		c.password = password
	}
}

// WithSecure enables TLS for the connection.
func WithSecure(secure bool) Option {
	return func(c *config) {
		c.secure = secure
	}
}

// WithPoolSize bounds the number of open and idle connections in the pool. Non-positive values
// keep the defaults.
func WithPoolSize(maxOpen, maxIdle int) Option {
	return func(c *config) {
		if maxOpen > 0 {
			c.maxOpenConns = maxOpen
		}
		if maxIdle > 0 {
			c.maxIdleConns = maxIdle
		}
	}
}

// WithDialTimeout sets the dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

type client struct {
	conn   driver.Conn
	log    *slog.Logger
	closed atomic.Bool
}

// NewClient opens the pool and verifies it with a ping.
func NewClient(ctx context.Context, opts ...Option) (Client, error) {
	cfg := &config{
		addr:         "localhost:9000",
		database:     "default",
		username:     "default",
		maxOpenConns: defaultMaxOpenConns,
		maxIdleConns: defaultMaxIdleConns,
		dialTimeout:  defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.maxIdleConns > cfg.maxOpenConns {
		cfg.maxIdleConns = cfg.maxOpenConns
	}

	chOpts := &clickhouse.Options{
		Addr: []string{cfg.addr},
		Auth: clickhouse.Auth{
			Database: cfg.database,
			Username: cfg.username,
			Password: cfg.password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": defaultMaxExecutionTime,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:  cfg.dialTimeout,
		MaxOpenConns: cfg.maxOpenConns,
		MaxIdleConns: cfg.maxIdleConns,
	}
	if cfg.secure {
		chOpts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	cfg.logger.Info("ClickHouse client initialized",
		"addr", cfg.addr,
		"database", cfg.database,
		"maxOpenConns", cfg.maxOpenConns,
		"maxIdleConns", cfg.maxIdleConns,
	)

	return &client{conn: conn, log: cfg.logger}, nil
}

// Conn checks out a connection handle. The underlying driver multiplexes handles over its own
// pool, so checkout never blocks; acquiring a physical connection happens per statement.
func (c *client) Conn(ctx context.Context) (Connection, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.ConnectionsCheckedOut.Inc()
	return &connection{conn: c.conn}, nil
}

func (c *client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.conn.Ping(ctx)
}

func (c *client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.log.Info("closing ClickHouse client")
	return c.conn.Close()
}

type connection struct {
	conn     driver.Conn
	returned atomic.Bool
}

func (c *connection) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *connection) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *connection) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// Close returns the handle to the pool. The shared driver connection stays open.
func (c *connection) Close() error {
	if c.returned.CompareAndSwap(false, true) {
		metrics.ConnectionsCheckedOut.Dec()
	}
	return nil
}
