package params

import (
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/servicegraph/pkg/topology"
)

// WindowRequest is the optional time bound shared by every query request.
type WindowRequest struct {
	ProjectID *uint64    `json:"project_id"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// GraphRequest is a graph query as received from a client.
type GraphRequest struct {
	WindowRequest
	FromTypes    []topology.NodeType   `json:"from_types,omitempty"`
	ToTypes      []topology.NodeType   `json:"to_types,omitempty"`
	EdgeStatuses []topology.EdgeStatus `json:"edge_statuses,omitempty"`
}

// ActiveNodesRequest is an active-node query as received from a client.
type ActiveNodesRequest struct {
	WindowRequest
	Types []topology.NodeType `json:"types,omitempty"`
}

// ServiceMapRequest is a service-map query as received from a client.
type ServiceMapRequest struct {
	GraphRequest
	TrafficVolumePercentile *float64 `json:"traffic_volume_percentile,omitempty"`
}

// HistogramRequest is a histogram query as received from a client.
type HistogramRequest struct {
	WindowRequest
}

// GraphQuery is the canonical form of a GraphRequest.
type GraphQuery struct {
	ProjectID    uint64
	Window       Window
	FromTypes    NodeTypes
	ToTypes      NodeTypes
	EdgeStatuses EdgeStatuses
}

// ActiveNodesQuery is the canonical form of an ActiveNodesRequest.
type ActiveNodesQuery struct {
	ProjectID uint64
	Window    Window
	Types     NodeTypes
}

// ServiceMapQuery is the canonical form of a ServiceMapRequest. A nil percentile disables
// traffic-volume pruning.
type ServiceMapQuery struct {
	GraphQuery
	TrafficVolumePercentile *float64
}

// HistogramQuery is the canonical form of a HistogramRequest.
type HistogramQuery struct {
	ProjectID uint64
	Window    Window
}

// Resolver applies defaults relative to the current time.
type Resolver struct {
	clock clockwork.Clock
}

func NewResolver(clock clockwork.Clock) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{clock: clock}
}

// Window resolves the project and window of a request. A missing end defaults to now and a
// missing start defaults to one hour before now. start > end is allowed and yields an empty
// window.
func (r *Resolver) Window(req WindowRequest) (uint64, Window, error) {
	if req.ProjectID == nil {
		return 0, Window{}, ErrMissingProjectID
	}
	now := r.clock.Now().UTC()
	w := Window{Start: now.Add(-DefaultLookback), End: now}
	if req.StartDate != nil {
		w.Start = req.StartDate.UTC()
	}
	if req.EndDate != nil {
		w.End = req.EndDate.UTC()
	}
	return *req.ProjectID, w, nil
}

func (r *Resolver) Graph(req GraphRequest) (GraphQuery, error) {
	projectID, w, err := r.Window(req.WindowRequest)
	if err != nil {
		return GraphQuery{}, err
	}
	from, err := NewNodeTypes(req.FromTypes)
	if err != nil {
		return GraphQuery{}, err
	}
	to, err := NewNodeTypes(req.ToTypes)
	if err != nil {
		return GraphQuery{}, err
	}
	statuses, err := NewEdgeStatuses(req.EdgeStatuses)
	if err != nil {
		return GraphQuery{}, err
	}
	return GraphQuery{
		ProjectID:    projectID,
		Window:       w,
		FromTypes:    from,
		ToTypes:      to,
		EdgeStatuses: statuses,
	}, nil
}

func (r *Resolver) ActiveNodes(req ActiveNodesRequest) (ActiveNodesQuery, error) {
	projectID, w, err := r.Window(req.WindowRequest)
	if err != nil {
		return ActiveNodesQuery{}, err
	}
	types, err := NewNodeTypes(req.Types)
	if err != nil {
		return ActiveNodesQuery{}, err
	}
	return ActiveNodesQuery{ProjectID: projectID, Window: w, Types: types}, nil
}

func (r *Resolver) ServiceMap(req ServiceMapRequest) (ServiceMapQuery, error) {
	gq, err := r.Graph(req.GraphRequest)
	if err != nil {
		return ServiceMapQuery{}, err
	}
	q := ServiceMapQuery{GraphQuery: gq}
	if p := req.TrafficVolumePercentile; p != nil && !math.IsNaN(*p) {
		clamped := ClampPercentile(*p)
		q.TrafficVolumePercentile = &clamped
	}
	return q, nil
}

func (r *Resolver) Histogram(req HistogramRequest) (HistogramQuery, error) {
	projectID, w, err := r.Window(req.WindowRequest)
	if err != nil {
		return HistogramQuery{}, err
	}
	return HistogramQuery{ProjectID: projectID, Window: w}, nil
}

// ClampPercentile bounds p to [0, 100].
func ClampPercentile(p float64) float64 {
	return math.Min(math.Max(p, 0), 100)
}
