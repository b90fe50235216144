package client

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/servicegraph/pkg/topology"
)

const defaultFlushInterval = time.Second

// Submitter sends a batch of observations. *Client implements it.
type Submitter interface {
	Submit(ctx context.Context, nodes []topology.Node, edges []topology.Edge) error
}

// NodeInfo describes a node to report. ParentID is required for transactions.
type NodeInfo struct {
	Name        string
	Type        topology.NodeType
	ParentID    *uuid.UUID
	Description *string
	Class       *string
}

type edgeKey struct {
	from, to uuid.UUID
	minute   time.Time
}

type edgeMeta struct {
	description *string
	class       *string
}

// Reporter accumulates node and edge observations in memory and submits them in batches. Edge
// counts are summed per (from, to, minute, status) so a busy caller sends one row per minute, or
// several when the sum exceeds what a single row can carry.
type Reporter struct {
	log       *slog.Logger
	submitter Submitter
	clock     clockwork.Clock

	mu      sync.Mutex
	known   map[uuid.UUID]struct{}
	nodes   map[uuid.UUID]topology.Node
	counts  map[edgeKey]map[topology.EdgeStatus]uint64
	meta    map[edgeKey]edgeMeta
	pending []edgeKey
}

func NewReporter(log *slog.Logger, submitter Submitter, clock clockwork.Clock) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Reporter{
		log:       log,
		submitter: submitter,
		clock:     clock,
		known:     make(map[uuid.UUID]struct{}),
	}
	r.reset()
	return r
}

func (r *Reporter) reset() {
	r.nodes = make(map[uuid.UUID]topology.Node)
	r.counts = make(map[edgeKey]map[topology.EdgeStatus]uint64)
	r.meta = make(map[edgeKey]edgeMeta)
	r.pending = nil
}

// ReportNode queues a node observation and returns its deterministic id. A node is only sent
// the first time it is reported.
func (r *Reporter) ReportNode(info NodeInfo) (uuid.UUID, error) {
	var id uuid.UUID
	switch info.Type {
	case topology.NodeTypeService:
		id = ServiceNodeID(info.Name)
	case topology.NodeTypeTransaction:
		if info.ParentID == nil {
			return uuid.Nil, errors.New("transaction node requires a parent id")
		}
		id = TransactionNodeID(*info.ParentID, info.Name)
	default:
		return uuid.Nil, topology.ErrUnknownNodeType
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[id]; ok {
		return id, nil
	}
	r.known[id] = struct{}{}
	r.nodes[id] = topology.Node{
		NodeID:      id,
		NodeType:    info.Type,
		Name:        info.Name,
		Description: info.Description,
		Class:       info.Class,
		ParentID:    info.ParentID,
	}
	return id, nil
}

// ReportEdge adds n calls with the given outcome to the current minute's counters. The latest
// description and class reported for a pair within a minute are kept.
func (r *Reporter) ReportEdge(from, to uuid.UUID, status topology.EdgeStatus, n uint32, description, class *string) {
	key := edgeKey{from: from, to: to, minute: r.clock.Now().UTC().Truncate(time.Minute)}

	r.mu.Lock()
	defer r.mu.Unlock()
	counters, ok := r.counts[key]
	if !ok {
		counters = make(map[topology.EdgeStatus]uint64)
		r.counts[key] = counters
		r.pending = append(r.pending, key)
	}
	counters[status] += uint64(n)
	r.meta[key] = edgeMeta{description: description, class: class}
}

// Flush submits everything queued since the last flush. On failure the batch is dropped.
func (r *Reporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	nodes := make([]topology.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	var edges []topology.Edge
	for _, key := range r.pending {
		m := r.meta[key]
		for _, status := range topology.AllEdgeStatuses {
			total, ok := r.counts[key][status]
			if !ok {
				continue
			}
			for {
				n := uint32(min(total, math.MaxUint32))
				edges = append(edges, topology.Edge{
					Ts:          key.minute,
					FromNodeID:  key.from,
					ToNodeID:    key.to,
					Status:      status,
					N:           n,
					Description: m.description,
					Class:       m.class,
				})
				total -= uint64(n)
				if total == 0 {
					break
				}
			}
		}
	}
	r.reset()
	r.mu.Unlock()

	if len(nodes) == 0 && len(edges) == 0 {
		return nil
	}
	return r.submitter.Submit(ctx, nodes, edges)
}

// Run flushes every interval until ctx is done, then flushes once more.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			if err := r.Flush(flushCtx); err != nil {
				r.log.Error("final flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.Chan():
			if err := r.Flush(ctx); err != nil {
				r.log.Error("flush failed", "error", err)
			}
		}
	}
}
