// Package graph assembles store rows into a topology graph and into the presentation-oriented
// service map.
package graph

import (
	"github.com/google/uuid"
	"github.com/malbeclabs/servicegraph/internal/params"
	"github.com/malbeclabs/servicegraph/pkg/topology"
)

// Build assembles joined edge rows into a graph.
//
// Every edge's counters are attributed to its destination node only; a node that only ever
// appears as a source keeps zero counters. When statuses is non-empty, edges and nodes are both
// kept only if every requested status has a non-zero count on their own counters.
func Build(rows []topology.JoinedEdge, statuses params.EdgeStatuses) topology.Graph {
	g, _ := assemble(rows, statuses)
	return g
}

// assemble builds the graph and also returns every endpoint seen on rows, keyed by id, with its
// attributed counters. The endpoint index ignores the status filter.
func assemble(rows []topology.JoinedEdge, statuses params.EdgeStatuses) (topology.Graph, map[uuid.UUID]topology.NodeWithStatus) {
	nodes := make(map[uuid.UUID]*topology.NodeWithStatus, len(rows))
	order := make([]uuid.UUID, 0, len(rows))
	upsert := func(n topology.Node) *topology.NodeWithStatus {
		existing, ok := nodes[n.NodeID]
		if !ok {
			existing = &topology.NodeWithStatus{}
			nodes[n.NodeID] = existing
			order = append(order, n.NodeID)
		}
		existing.Node = n
		return existing
	}

	g := topology.Graph{
		Edges: make([]topology.CombinedEdge, 0, len(rows)),
		Nodes: make([]topology.NodeWithStatus, 0, len(rows)),
	}
	for _, row := range rows {
		upsert(row.From)
		to := upsert(row.To)
		to.StatusCounts = to.StatusCounts.Add(row.Edge.StatusCounts)

		if statuses.Matches(row.Edge.StatusCounts) {
			g.Edges = append(g.Edges, row.Edge)
		}
	}

	endpoints := make(map[uuid.UUID]topology.NodeWithStatus, len(nodes))
	for _, id := range order {
		n := nodes[id]
		endpoints[id] = *n
		if statuses.Matches(n.StatusCounts) {
			g.Nodes = append(g.Nodes, *n)
		}
	}
	return g, endpoints
}
