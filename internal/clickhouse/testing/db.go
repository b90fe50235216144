// Package clickhousetesting starts a disposable ClickHouse server for integration tests.
package clickhousetesting

import (
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/malbeclabs/servicegraph/internal/clickhouse"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "servicegraph"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// DB is a migrated ClickHouse client backed by a container that lives for the test.
type DB struct {
	clickhouse.Client
	t testing.TB
}

// NewMigratedDB starts a container, connects to it and applies the embedded migrations.
// The container and client are released in t.Cleanup.
func NewMigratedDB(t testing.TB, cfg *DBConfig) *DB {
	t.Helper()
	ctx := t.Context()

	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("failed to validate DB config: %v", err)
	}

	var container *tcch.ClickHouseContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		if err != nil {
			lastErr = err
			if isRetryableErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			require.NoError(t, err)
		}
		break
	}
	if container == nil {
		t.Fatalf("failed to start ClickHouse container after retries: %v", lastErr)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate ClickHouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, nat.Port(fmt.Sprintf("%s/tcp", cfg.Port)))
	require.NoError(t, err)
	addr := fmt.Sprintf("%s:%s", host, mappedPort.Port())

	log := slog.Default()

	// The server may need a moment after the container reports ready.
	var client clickhouse.Client
	for attempt := 1; attempt <= 3; attempt++ {
		client, err = clickhouse.NewClient(ctx,
			clickhouse.WithAddr(addr),
			clickhouse.WithDatabase(cfg.Database),
			clickhouse.WithUser(cfg.Username),
			clickhouse.WithPassword(cfg.Password),
			clickhouse.WithLogger(log),
		)
		if err != nil && isRetryableErr(err) && attempt < 3 {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		break
	}

	db := &DB{Client: client, t: t}
	t.Cleanup(func() {
		if err := db.Client.Close(); err != nil {
			t.Logf("failed to close ClickHouse: %v", err)
		}
	})

	conn := db.Conn()
	defer conn.Close()
	require.NoError(t, clickhouse.RunMigrations(ctx, log, conn))

	return db
}

// Conn checks out a connection handle and fails the test on error.
func (db *DB) Conn() clickhouse.Connection {
	conn, err := db.Client.Conn(db.t.Context())
	require.NoError(db.t, err, "failed to get ClickHouse connection")
	return conn
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, needle := range []string{
		"wait until ready",
		"mapped port",
		"handshake",
		"unexpected packet",
		"failed to ping",
		"connection refused",
		"connection reset",
		"timeout",
		"context deadline exceeded",
		"dial tcp",
	} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
