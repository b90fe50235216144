// Package sampledata generates synthetic service-topology traffic for local development.
package sampledata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/servicegraph/pkg/client"
	"github.com/malbeclabs/servicegraph/pkg/topology"
)

const (
	defaultServices               = 10
	defaultTransactionsPerService = 2
	defaultEdgesPerPeriod         = 1
	defaultInterval               = 10 * time.Second

	// Traffic weights decay geometrically so a few services dominate.
	weightBase  = 100.0
	weightDecay = 1.2
	maxCalls    = 10
)

// statusWeights are the relative odds of ok, expected_error and unexpected_error.
var statusWeights = []float64{98, 1, 1}

// Submitter sends a batch of observations.
type Submitter interface {
	Submit(ctx context.Context, nodes []topology.Node, edges []topology.Edge) error
}

type Config struct {
	Logger    *slog.Logger
	Submitter Submitter

	// Optional configuration.
	Clock                  clockwork.Clock
	Rand                   *rand.Rand
	Services               int
	TransactionsPerService int
	EdgesPerPeriod         int
	Interval               time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Submitter == nil {
		return errors.New("submitter is required")
	}

	// Optional configuration.
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if c.Services <= 0 {
		c.Services = defaultServices
	}
	if c.Services < 2 {
		return errors.New("at least two services are required")
	}
	if c.TransactionsPerService < 0 {
		return errors.New("transactions per service must not be negative")
	}
	if c.TransactionsPerService == 0 {
		c.TransactionsPerService = defaultTransactionsPerService
	}
	if c.EdgesPerPeriod <= 0 {
		c.EdgesPerPeriod = defaultEdgesPerPeriod
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	return nil
}

type Generator struct {
	log *slog.Logger
	cfg Config

	services       []topology.Node
	transactions   map[uuid.UUID][]topology.Node
	serviceWeights []float64
}

func New(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Generator{
		log:          cfg.Logger,
		cfg:          cfg,
		transactions: make(map[uuid.UUID][]topology.Node, cfg.Services),
	}
	for i := range cfg.Services {
		name := fmt.Sprintf("service-%02d", i+1)
		svc := topology.Node{NodeID: client.ServiceNodeID(name), NodeType: topology.NodeTypeService, Name: name}
		g.services = append(g.services, svc)
		g.serviceWeights = append(g.serviceWeights, weightBase/math.Pow(weightDecay, float64(i+1)))
		for j := range cfg.TransactionsPerService {
			txnName := fmt.Sprintf("%s/txn-%d", name, j+1)
			parent := svc.NodeID
			g.transactions[svc.NodeID] = append(g.transactions[svc.NodeID], topology.Node{
				NodeID:   client.TransactionNodeID(svc.NodeID, txnName),
				NodeType: topology.NodeTypeTransaction,
				Name:     txnName,
				ParentID: &parent,
			})
		}
	}
	return g, nil
}

// Batch builds one period of traffic stamped at ts. Each sampled call is a service to service
// edge plus the callee service fanning out to one of its transactions. Only nodes touched by the
// batch are included.
func (g *Generator) Batch(ts time.Time) ([]topology.Node, []topology.Edge) {
	seen := make(map[uuid.UUID]bool)
	var nodes []topology.Node
	addNode := func(n topology.Node) {
		if !seen[n.NodeID] {
			seen[n.NodeID] = true
			nodes = append(nodes, n)
		}
	}

	edges := make([]topology.Edge, 0, 2*g.cfg.EdgesPerPeriod)
	for range g.cfg.EdgesPerPeriod {
		from := g.services[weightedIndex(g.cfg.Rand, g.serviceWeights)]
		to := from
		for to.NodeID == from.NodeID {
			to = g.services[weightedIndex(g.cfg.Rand, g.serviceWeights)]
		}
		addNode(from)
		addNode(to)
		edges = append(edges, g.edge(ts, from.NodeID, to.NodeID))

		txns := g.transactions[to.NodeID]
		txn := txns[g.cfg.Rand.IntN(len(txns))]
		addNode(txn)
		edges = append(edges, g.edge(ts, to.NodeID, txn.NodeID))
	}
	return nodes, edges
}

func (g *Generator) edge(ts time.Time, from, to uuid.UUID) topology.Edge {
	return topology.Edge{
		Ts:         ts,
		FromNodeID: from,
		ToNodeID:   to,
		Status:     topology.AllEdgeStatuses[weightedIndex(g.cfg.Rand, statusWeights)],
		N:          uint32(g.cfg.Rand.IntN(maxCalls) + 1),
	}
}

// Run submits one batch per interval until ctx is done. Submission failures are logged and the
// generator keeps going.
func (g *Generator) Run(ctx context.Context) error {
	for {
		ts := g.cfg.Clock.Now().UTC().Round(g.cfg.Interval)
		nodes, edges := g.Batch(ts)
		if err := g.cfg.Submitter.Submit(ctx, nodes, edges); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.log.Error("failed to submit sample data", "error", err)
		} else {
			g.log.Info("submitted sample data", "ts", ts, "nodes", len(nodes), "edges", len(edges))
		}

		wait := ts.Add(g.cfg.Interval).Sub(g.cfg.Clock.Now())
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-g.cfg.Clock.After(wait):
		}
	}
}

func weightedIndex(r *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	x := r.Float64() * total
	for i, w := range weights {
		if x < w {
			return i
		}
		x -= w
	}
	return len(weights) - 1
}
