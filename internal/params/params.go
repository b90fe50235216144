// Package params normalizes query requests into their canonical form: a resolved time window
// and filter sets in which "empty" and "everything" are the same value.
package params

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/malbeclabs/servicegraph/pkg/topology"
)

const DefaultLookback = time.Hour

var (
	ErrMissingProjectID = errors.New("project_id is required")
	ErrInvalidFilter    = errors.New("invalid filter value")
)

// Window is the inclusive [Start, End] time bound of a query.
type Window struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether no timestamp can fall inside the window.
func (w Window) Empty() bool {
	return w.Start.After(w.End)
}

// Contains reports whether ts is inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && !ts.After(w.End)
}

// NodeTypes is a normalized node-type filter. A nil value matches every type.
type NodeTypes []topology.NodeType

// NewNodeTypes deduplicates and sorts types. Empty and full sets both normalize to nil.
func NewNodeTypes(types []topology.NodeType) (NodeTypes, error) {
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, topology.ErrUnknownNodeType)
		}
	}
	return NodeTypes(normalize(types, topology.AllNodeTypes)), nil
}

// Matches reports whether t passes the filter.
func (s NodeTypes) Matches(t topology.NodeType) bool {
	return len(s) == 0 || slices.Contains(s, t)
}

// Is reports whether the filter is exactly the given set of types.
func (s NodeTypes) Is(types ...topology.NodeType) bool {
	return slices.Equal(s, normalize(types, topology.AllNodeTypes))
}

// EdgeStatuses is a normalized edge-status filter. A nil value matches every edge.
type EdgeStatuses []topology.EdgeStatus

// NewEdgeStatuses deduplicates and sorts statuses. Empty and full sets both normalize to nil.
func NewEdgeStatuses(statuses []topology.EdgeStatus) (EdgeStatuses, error) {
	for _, s := range statuses {
		if !s.Valid() {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, topology.ErrUnknownEdgeStatus)
		}
	}
	return EdgeStatuses(normalize(statuses, topology.AllEdgeStatuses)), nil
}

// Matches reports whether every requested status has a non-zero count in c.
func (s EdgeStatuses) Matches(c topology.StatusCounts) bool {
	for _, status := range s {
		if c.Get(status) == 0 {
			return false
		}
	}
	return true
}

func normalize[T ~uint8](values, universe []T) []T {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == len(universe) {
		return nil
	}
	return out
}
