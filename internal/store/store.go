// Package store is the ClickHouse-backed event store: an append-only writer for node and edge
// observations and the aggregate readers the engine is built on.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/malbeclabs/servicegraph/internal/clickhouse"
	"github.com/malbeclabs/servicegraph/internal/metrics"
	"github.com/malbeclabs/servicegraph/internal/params"
	"github.com/malbeclabs/servicegraph/pkg/topology"
)

type Config struct {
	Logger *slog.Logger
	Client clickhouse.Client
}

func (c *Config) Validate() error {
	if c.Client == nil {
		return errors.New("client is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

type Store struct {
	log    *slog.Logger
	client clickhouse.Client
	qb     *QueryBuilder
	parser *ResultParser
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:    cfg.Logger,
		client: cfg.Client,
		qb:     NewQueryBuilder(),
		parser: NewResultParser(),
	}, nil
}

// Ping checks that the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// InsertNodes appends one observation per node, all stamped with ts.
func (s *Store) InsertNodes(ctx context.Context, projectID uint64, ts time.Time, nodes []topology.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	return s.insert(ctx, nodesTable, insertNodesQuery(), len(nodes), func(batch driver.Batch) error {
		for _, n := range nodes {
			if err := batch.Append(
				projectID,
				n.NodeID,
				uint8(n.NodeType),
				n.Name,
				n.Description,
				n.Class,
				n.ParentID,
				ts,
			); err != nil {
				return fmt.Errorf("failed to append node %s: %w", n.NodeID, err)
			}
		}
		return nil
	})
}

// InsertEdges appends the raw edge observations.
func (s *Store) InsertEdges(ctx context.Context, projectID uint64, edges []topology.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	return s.insert(ctx, edgesTable, insertEdgesQuery(), len(edges), func(batch driver.Batch) error {
		for _, e := range edges {
			if err := batch.Append(
				projectID,
				e.Ts.UTC(),
				e.FromNodeID,
				e.ToNodeID,
				uint8(e.Status),
				e.N,
				e.Description,
				e.Class,
			); err != nil {
				return fmt.Errorf("failed to append edge %s->%s: %w", e.FromNodeID, e.ToNodeID, err)
			}
		}
		return nil
	})
}

func (s *Store) insert(ctx context.Context, table, query string, n int, fill func(driver.Batch) error) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("insert_"+table, start, err) }()

	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare %s batch: %w", table, err)
	}
	if err := fill(batch); err != nil {
		_ = batch.Abort()
		return err
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send %s batch: %w", table, err)
	}

	metrics.StoreRowsInsertedTotal.WithLabelValues(table).Add(float64(n))
	s.log.Debug("inserted rows", "table", table, "count", n)
	return nil
}

// GraphEdges returns every combined edge in the query window joined with current node metadata.
func (s *Store) GraphEdges(ctx context.Context, q params.GraphQuery) ([]topology.JoinedEdge, error) {
	var out []topology.JoinedEdge
	err := s.query(ctx, "graph", s.qb.GraphEdges(q), func(rows driver.Rows) (err error) {
		out, err = s.parser.ParseGraphEdges(rows)
		return err
	})
	return out, err
}

// ActiveNodes returns the last activity of every node seen on an edge in the query window.
func (s *Store) ActiveNodes(ctx context.Context, q params.ActiveNodesQuery) ([]topology.ActiveNode, error) {
	var out []topology.ActiveNode
	err := s.query(ctx, "active_nodes", s.qb.ActiveNodes(q), func(rows driver.Rows) (err error) {
		out, err = s.parser.ParseActiveNodes(rows)
		return err
	})
	return out, err
}

// Histogram returns the non-empty one-minute buckets in the query window, ascending.
func (s *Store) Histogram(ctx context.Context, q params.HistogramQuery) ([]topology.Bucket, error) {
	var out []topology.Bucket
	err := s.query(ctx, "histogram", s.qb.Histogram(q), func(rows driver.Rows) (err error) {
		out, err = s.parser.ParseHistogram(rows)
		return err
	})
	return out, err
}

func (s *Store) query(ctx context.Context, name string, built *BuildResult, parse func(driver.Rows) error) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery(name, start, err) }()

	conn, err := s.client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, built.Query, built.Args...)
	if err != nil {
		return fmt.Errorf("%s query failed: %w", name, err)
	}
	defer rows.Close()

	if err := parse(rows); err != nil {
		return fmt.Errorf("%s query: %w", name, err)
	}
	return nil
}
