// Package topology defines the service-topology data model shared by the store, the graph
// builder and the HTTP transport.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownNodeType   = errors.New("unknown node type")
	ErrUnknownEdgeStatus = errors.New("unknown edge status")
)

// NodeType is the kind of a node. The numeric values are the stored column values.
type NodeType uint8

const (
	NodeTypeService     NodeType = 1
	NodeTypeTransaction NodeType = 2
)

// AllNodeTypes lists every node type in stored-value order.
var AllNodeTypes = []NodeType{NodeTypeService, NodeTypeTransaction}

func (t NodeType) String() string {
	switch t {
	case NodeTypeService:
		return "service"
	case NodeTypeTransaction:
		return "transaction"
	default:
		return fmt.Sprintf("node_type(%d)", uint8(t))
	}
}

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	return t == NodeTypeService || t == NodeTypeTransaction
}

// ParseNodeType parses the snake_case wire name of a node type.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "service":
		return NodeTypeService, nil
	case "transaction":
		return NodeTypeTransaction, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownNodeType, s)
	}
}

func (t NodeType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNodeType, uint8(t))
	}
	return json.Marshal(t.String())
}

func (t *NodeType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownNodeType, string(b))
	}
	v, err := ParseNodeType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// EdgeStatus classifies the outcome of the calls an edge observation counts.
type EdgeStatus uint8

const (
	EdgeStatusOk              EdgeStatus = 1
	EdgeStatusExpectedError   EdgeStatus = 2
	EdgeStatusUnexpectedError EdgeStatus = 3
)

// AllEdgeStatuses lists every edge status in stored-value order.
var AllEdgeStatuses = []EdgeStatus{EdgeStatusOk, EdgeStatusExpectedError, EdgeStatusUnexpectedError}

func (s EdgeStatus) String() string {
	switch s {
	case EdgeStatusOk:
		return "ok"
	case EdgeStatusExpectedError:
		return "expected_error"
	case EdgeStatusUnexpectedError:
		return "unexpected_error"
	default:
		return fmt.Sprintf("edge_status(%d)", uint8(s))
	}
}

// Valid reports whether s is a known edge status.
func (s EdgeStatus) Valid() bool {
	return s >= EdgeStatusOk && s <= EdgeStatusUnexpectedError
}

// ParseEdgeStatus parses the snake_case wire name of an edge status.
func ParseEdgeStatus(s string) (EdgeStatus, error) {
	switch s {
	case "ok":
		return EdgeStatusOk, nil
	case "expected_error":
		return EdgeStatusExpectedError, nil
	case "unexpected_error":
		return EdgeStatusUnexpectedError, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEdgeStatus, s)
	}
}

func (s EdgeStatus) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEdgeStatus, uint8(s))
	}
	return json.Marshal(s.String())
}

func (s *EdgeStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownEdgeStatus, string(b))
	}
	v, err := ParseEdgeStatus(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Node is a single observation of a service or transaction. Observations are append-only; the
// current state of a node is the latest observation by timestamp.
type Node struct {
	NodeID      uuid.UUID  `json:"node_id"`
	NodeType    NodeType   `json:"node_type"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	Class       *string    `json:"class"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
}

// Edge is a raw observation of N calls from one node to another with a single outcome.
type Edge struct {
	Ts          time.Time  `json:"ts"`
	FromNodeID  uuid.UUID  `json:"from_node_id"`
	ToNodeID    uuid.UUID  `json:"to_node_id"`
	Status      EdgeStatus `json:"status"`
	N           uint32     `json:"n"`
	Description *string    `json:"description,omitempty"`
	Class       *string    `json:"class,omitempty"`
}

// StatusCounts holds call counts per edge status.
type StatusCounts struct {
	StatusOk              uint64 `json:"status_ok"`
	StatusExpectedError   uint64 `json:"status_expected_error"`
	StatusUnexpectedError uint64 `json:"status_unexpected_error"`
}

// Total is the total call volume across all statuses.
func (c StatusCounts) Total() uint64 {
	return c.StatusOk + c.StatusExpectedError + c.StatusUnexpectedError
}

// Get returns the counter for a single status.
func (c StatusCounts) Get(s EdgeStatus) uint64 {
	switch s {
	case EdgeStatusOk:
		return c.StatusOk
	case EdgeStatusExpectedError:
		return c.StatusExpectedError
	case EdgeStatusUnexpectedError:
		return c.StatusUnexpectedError
	default:
		return 0
	}
}

// Add returns the element-wise sum of c and o.
func (c StatusCounts) Add(o StatusCounts) StatusCounts {
	return StatusCounts{
		StatusOk:              c.StatusOk + o.StatusOk,
		StatusExpectedError:   c.StatusExpectedError + o.StatusExpectedError,
		StatusUnexpectedError: c.StatusUnexpectedError + o.StatusUnexpectedError,
	}
}

// CombinedEdge is every observation of one (from, to) pair within a window, merged.
type CombinedEdge struct {
	FromNodeID  uuid.UUID `json:"from_node_id"`
	ToNodeID    uuid.UUID `json:"to_node_id"`
	Description *string   `json:"description"`
	Class       *string   `json:"class"`
	StatusCounts
}

// JoinedEdge is a combined edge together with the current metadata of both endpoints, as read
// from the store.
type JoinedEdge struct {
	Edge CombinedEdge
	From Node
	To   Node
}

// NodeWithStatus is a node with the status counters attributed to it.
type NodeWithStatus struct {
	Node
	StatusCounts
}

// Graph is a directed multigraph of combined edges and the nodes they connect.
type Graph struct {
	Edges []CombinedEdge   `json:"edges"`
	Nodes []NodeWithStatus `json:"nodes"`
}

// ActiveNode is a node with the latest time it took part in an edge.
type ActiveNode struct {
	Node
	LastActivity time.Time `json:"last_activity"`
}

// ActiveNodes is the result of an active-node query.
type ActiveNodes struct {
	Nodes []ActiveNode `json:"nodes"`
}

// ServiceMap pairs a simplified graph with the active nodes of the same window.
type ServiceMap struct {
	Graph       Graph       `json:"graph"`
	ActiveNodes ActiveNodes `json:"active_nodes"`
}

// Bucket is the traffic volume of a single one-minute bucket.
type Bucket struct {
	Ts time.Time `json:"ts"`
	N  uint64    `json:"n"`
}

// Histogram is an ascending sequence of non-empty buckets.
type Histogram struct {
	Buckets []Bucket `json:"buckets"`
}
