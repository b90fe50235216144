// Package engine exposes the service-graph operations independent of any transport.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/servicegraph/internal/graph"
	"github.com/malbeclabs/servicegraph/internal/params"
	"github.com/malbeclabs/servicegraph/pkg/topology"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidRequest wraps every input validation failure. Nothing reaches the store when it is
// returned.
var ErrInvalidRequest = errors.New("invalid request")

// Store is the event store the engine reads from and appends to.
type Store interface {
	InsertNodes(ctx context.Context, projectID uint64, ts time.Time, nodes []topology.Node) error
	InsertEdges(ctx context.Context, projectID uint64, edges []topology.Edge) error
	GraphEdges(ctx context.Context, q params.GraphQuery) ([]topology.JoinedEdge, error)
	ActiveNodes(ctx context.Context, q params.ActiveNodesQuery) ([]topology.ActiveNode, error)
	Histogram(ctx context.Context, q params.HistogramQuery) ([]topology.Bucket, error)
	Ping(ctx context.Context) error
}

type Config struct {
	Logger *slog.Logger
	Store  Store
	Clock  clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Engine struct {
	log      *slog.Logger
	store    Store
	clock    clockwork.Clock
	resolver *params.Resolver
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:      cfg.Logger,
		store:    cfg.Store,
		clock:    cfg.Clock,
		resolver: params.NewResolver(cfg.Clock),
	}, nil
}

// SubmitRequest is a batch of node and edge observations for one project.
type SubmitRequest struct {
	ProjectID *uint64         `json:"project_id"`
	Nodes     []topology.Node `json:"nodes"`
	Edges     []topology.Edge `json:"edges"`
}

func (r SubmitRequest) validate() error {
	if r.ProjectID == nil {
		return params.ErrMissingProjectID
	}
	for _, n := range r.Nodes {
		if !n.NodeType.Valid() {
			return fmt.Errorf("node %s: %w", n.NodeID, topology.ErrUnknownNodeType)
		}
	}
	for _, e := range r.Edges {
		if !e.Status.Valid() {
			return fmt.Errorf("edge %s->%s: %w", e.FromNodeID, e.ToNodeID, topology.ErrUnknownEdgeStatus)
		}
	}
	return nil
}

// Submit appends a batch. Nodes are stamped with the current time and written before edges.
// A failure in either write fails the whole call; nodes may already have been written.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) error {
	if err := req.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	projectID := *req.ProjectID

	if err := e.store.InsertNodes(ctx, projectID, e.clock.Now().UTC(), req.Nodes); err != nil {
		return fmt.Errorf("failed to insert nodes: %w", err)
	}
	if err := e.store.InsertEdges(ctx, projectID, req.Edges); err != nil {
		return fmt.Errorf("failed to insert edges: %w", err)
	}

	e.log.Debug("submitted batch", "project_id", projectID, "nodes", len(req.Nodes), "edges", len(req.Edges))
	return nil
}

func (e *Engine) QueryGraph(ctx context.Context, req params.GraphRequest) (topology.Graph, error) {
	q, err := e.resolver.Graph(req)
	if err != nil {
		return topology.Graph{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return e.graph(ctx, q)
}

func (e *Engine) graph(ctx context.Context, q params.GraphQuery) (topology.Graph, error) {
	rows, err := e.graphRows(ctx, q)
	if err != nil {
		return topology.Graph{}, err
	}
	return graph.Build(rows, q.EdgeStatuses), nil
}

func (e *Engine) graphRows(ctx context.Context, q params.GraphQuery) ([]topology.JoinedEdge, error) {
	if q.Window.Empty() {
		return nil, nil
	}
	return e.store.GraphEdges(ctx, q)
}

func (e *Engine) QueryActiveNodes(ctx context.Context, req params.ActiveNodesRequest) (topology.ActiveNodes, error) {
	q, err := e.resolver.ActiveNodes(req)
	if err != nil {
		return topology.ActiveNodes{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return e.activeNodes(ctx, q)
}

func (e *Engine) activeNodes(ctx context.Context, q params.ActiveNodesQuery) (topology.ActiveNodes, error) {
	out := topology.ActiveNodes{Nodes: []topology.ActiveNode{}}
	if q.Window.Empty() {
		return out, nil
	}
	nodes, err := e.store.ActiveNodes(ctx, q)
	if err != nil {
		return topology.ActiveNodes{}, err
	}
	out.Nodes = append(out.Nodes, nodes...)
	return out, nil
}

// QueryServiceMap builds the graph and the active-node list of the same window concurrently and
// reduces the graph with the service-map view filter. Active nodes are not type filtered.
func (e *Engine) QueryServiceMap(ctx context.Context, req params.ServiceMapRequest) (topology.ServiceMap, error) {
	q, err := e.resolver.ServiceMap(req)
	if err != nil {
		return topology.ServiceMap{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	var (
		rows   []topology.JoinedEdge
		active topology.ActiveNodes
		eg     errgroup.Group
	)
	eg.Go(func() error {
		var err error
		rows, err = e.graphRows(ctx, q.GraphQuery)
		return err
	})
	eg.Go(func() error {
		var err error
		active, err = e.activeNodes(ctx, params.ActiveNodesQuery{ProjectID: q.ProjectID, Window: q.Window})
		return err
	})
	if err := eg.Wait(); err != nil {
		return topology.ServiceMap{}, err
	}

	return graph.ServiceMap(rows, active, graph.ServiceMapOptions{
		FromTypes:               q.FromTypes,
		ToTypes:                 q.ToTypes,
		EdgeStatuses:            q.EdgeStatuses,
		TrafficVolumePercentile: q.TrafficVolumePercentile,
	}), nil
}

func (e *Engine) QueryHistogram(ctx context.Context, req params.HistogramRequest) (topology.Histogram, error) {
	q, err := e.resolver.Histogram(req)
	if err != nil {
		return topology.Histogram{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	out := topology.Histogram{Buckets: []topology.Bucket{}}
	if q.Window.Empty() {
		return out, nil
	}
	buckets, err := e.store.Histogram(ctx, q)
	if err != nil {
		return topology.Histogram{}, err
	}
	out.Buckets = append(out.Buckets, buckets...)
	return out, nil
}

// Health is the constant liveness signal.
func (e *Engine) Health() string {
	return "OK"
}

// Ready reports whether the event store is reachable.
func (e *Engine) Ready(ctx context.Context) error {
	return e.store.Ping(ctx)
}
