package graph

import (
	"github.com/google/uuid"
	"github.com/malbeclabs/servicegraph/internal/params"
	"github.com/malbeclabs/servicegraph/pkg/topology"
)

// ServiceMapOptions carries the request parameters the view filter depends on.
type ServiceMapOptions struct {
	FromTypes    params.NodeTypes
	ToTypes      params.NodeTypes
	EdgeStatuses params.EdgeStatuses
	// TrafficVolumePercentile enables volume pruning when non-nil. Values are clamped to
	// [0, 100].
	TrafficVolumePercentile *float64
}

// ServiceMap builds the graph for rows, reduces it to a presentation-oriented view and pairs it
// with active.
//
// Edges are first collapsed by endpoint type, keeping every node of the built graph. If a
// percentile is given and edges remain, edges below the min-max normalized volume threshold are
// pruned and the node set becomes the endpoints of the surviving edges. Endpoint types and
// transaction children come from every row in the window, so nodes the status filter hides from
// the node list still classify their edges.
func ServiceMap(rows []topology.JoinedEdge, active topology.ActiveNodes, opts ServiceMapOptions) topology.ServiceMap {
	g, endpoints := assemble(rows, opts.EdgeStatuses)
	out := topology.Graph{
		Edges: collapseEdges(g.Edges, endpoints, opts.FromTypes, opts.ToTypes),
		Nodes: g.Nodes,
	}
	if opts.TrafficVolumePercentile != nil && len(out.Edges) > 0 {
		out = pruneByVolume(out.Edges, endpoints, params.ClampPercentile(*opts.TrafficVolumePercentile))
	}
	if out.Nodes == nil {
		out.Nodes = []topology.NodeWithStatus{}
	}
	return topology.ServiceMap{Graph: out, ActiveNodes: active}
}

type edgeShape int

const (
	shapeOther edgeShape = iota
	shapeServiceToService
	shapeServiceToTransaction
	shapeTransactionToService
)

func classify(from, to topology.NodeType) edgeShape {
	switch {
	case from == topology.NodeTypeService && to == topology.NodeTypeService:
		return shapeServiceToService
	case from == topology.NodeTypeService && to == topology.NodeTypeTransaction:
		return shapeServiceToTransaction
	case from == topology.NodeTypeTransaction && to == topology.NodeTypeService:
		return shapeTransactionToService
	default:
		return shapeOther
	}
}

// collapseEdges drops edges that are redundant with finer-grained transaction edges. An
// endpoint missing from endpoints has no known type and its edge is classified as other.
func collapseEdges(in []topology.CombinedEdge, endpoints map[uuid.UUID]topology.NodeWithStatus, fromTypes, toTypes params.NodeTypes) []topology.CombinedEdge {
	withChildren := make(map[uuid.UUID]bool)
	for _, n := range endpoints {
		if n.NodeType == topology.NodeTypeTransaction && n.ParentID != nil {
			withChildren[*n.ParentID] = true
		}
	}

	serviceOnly := fromTypes.Is(topology.NodeTypeService) && toTypes.Is(topology.NodeTypeService)

	edges := make([]topology.CombinedEdge, 0, len(in))
	for _, e := range in {
		shape := classify(endpoints[e.FromNodeID].NodeType, endpoints[e.ToNodeID].NodeType)
		var keep bool
		switch {
		case serviceOnly:
			keep = shape == shapeServiceToService
		case shape == shapeServiceToService, shape == shapeServiceToTransaction:
			keep = false
		case shape == shapeTransactionToService:
			keep = !withChildren[e.ToNodeID]
		default:
			keep = true
		}
		if keep {
			edges = append(edges, e)
		}
	}
	return edges
}

// pruneByVolume keeps edges whose min-max normalized volume is at least p percent and returns
// them with their endpoints as the node set. When every edge has the same volume nothing can be
// discriminated and all edges are dropped.
func pruneByVolume(in []topology.CombinedEdge, endpoints map[uuid.UUID]topology.NodeWithStatus, p float64) topology.Graph {
	minVolume, maxVolume := in[0].Total(), in[0].Total()
	for _, e := range in[1:] {
		v := e.Total()
		minVolume = min(minVolume, v)
		maxVolume = max(maxVolume, v)
	}

	edges := make([]topology.CombinedEdge, 0, len(in))
	if minVolume != maxVolume {
		span := float64(maxVolume - minVolume)
		for _, e := range in {
			percentage := 100 * float64(e.Total()-minVolume) / span
			if percentage >= p {
				edges = append(edges, e)
			}
		}
	}

	seen := make(map[uuid.UUID]bool, 2*len(edges))
	nodes := make([]topology.NodeWithStatus, 0, 2*len(edges))
	for _, e := range edges {
		for _, id := range [2]uuid.UUID{e.FromNodeID, e.ToNodeID} {
			if seen[id] {
				continue
			}
			seen[id] = true
			if n, ok := endpoints[id]; ok {
				nodes = append(nodes, n)
			}
		}
	}
	return topology.Graph{Edges: edges, Nodes: nodes}
}
