package store

import (
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/malbeclabs/servicegraph/pkg/topology"
)

// ResultParser converts ClickHouse rows into topology values. A row that cannot be scanned
// fails the whole result.
type ResultParser struct{}

func NewResultParser() *ResultParser {
	return &ResultParser{}
}

// nodeColumns scans the six node columns shared by the graph and active-node queries.
type nodeColumns struct {
	id          uuid.UUID
	nodeType    uint8
	name        string
	description *string
	class       *string
	parentID    *uuid.UUID
}

func (c *nodeColumns) dest() []any {
	return []any{&c.id, &c.nodeType, &c.name, &c.description, &c.class, &c.parentID}
}

func (c *nodeColumns) node() (topology.Node, error) {
	t := topology.NodeType(c.nodeType)
	if !t.Valid() {
		return topology.Node{}, fmt.Errorf("node %s: %w: %d", c.id, topology.ErrUnknownNodeType, c.nodeType)
	}
	return topology.Node{
		NodeID:      c.id,
		NodeType:    t,
		Name:        c.name,
		Description: c.description,
		Class:       c.class,
		ParentID:    c.parentID,
	}, nil
}

// ParseGraphEdges reads rows produced by QueryBuilder.GraphEdges.
func (p *ResultParser) ParseGraphEdges(rows driver.Rows) ([]topology.JoinedEdge, error) {
	var out []topology.JoinedEdge
	for rows.Next() {
		var (
			from, to    nodeColumns
			counts      topology.StatusCounts
			description *string
			class       *string
		)
		dest := make([]any, 0, 17)
		dest = append(dest, from.dest()...)
		dest = append(dest, to.dest()...)
		dest = append(dest, &counts.StatusOk, &counts.StatusExpectedError, &counts.StatusUnexpectedError, &description, &class)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan graph edge: %w", err)
		}

		fromNode, err := from.node()
		if err != nil {
			return nil, err
		}
		toNode, err := to.node()
		if err != nil {
			return nil, err
		}
		out = append(out, topology.JoinedEdge{
			Edge: topology.CombinedEdge{
				FromNodeID:   from.id,
				ToNodeID:     to.id,
				Description:  description,
				Class:        class,
				StatusCounts: counts,
			},
			From: fromNode,
			To:   toNode,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// ParseActiveNodes reads rows produced by QueryBuilder.ActiveNodes.
func (p *ResultParser) ParseActiveNodes(rows driver.Rows) ([]topology.ActiveNode, error) {
	var out []topology.ActiveNode
	for rows.Next() {
		var (
			cols         nodeColumns
			lastActivity time.Time
		)
		if err := rows.Scan(append(cols.dest(), &lastActivity)...); err != nil {
			return nil, fmt.Errorf("failed to scan active node: %w", err)
		}
		node, err := cols.node()
		if err != nil {
			return nil, err
		}
		out = append(out, topology.ActiveNode{Node: node, LastActivity: lastActivity.UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// ParseHistogram reads rows produced by QueryBuilder.Histogram.
func (p *ResultParser) ParseHistogram(rows driver.Rows) ([]topology.Bucket, error) {
	var out []topology.Bucket
	for rows.Next() {
		var b topology.Bucket
		if err := rows.Scan(&b.Ts, &b.N); err != nil {
			return nil, fmt.Errorf("failed to scan histogram bucket: %w", err)
		}
		b.Ts = b.Ts.UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
