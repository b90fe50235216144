package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/servicegraph/pkg/topology"
	"github.com/olekukonko/tablewriter"
)

const histogramBarWidth = 40

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(header)
	return table
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func renderGraph(w io.Writer, g topology.Graph) {
	names := make(map[uuid.UUID]string, len(g.Nodes))
	for _, n := range g.Nodes {
		names[n.NodeID] = n.Name
	}
	name := func(id uuid.UUID) string {
		if n, ok := names[id]; ok {
			return n
		}
		return id.String()
	}

	edges := append([]topology.CombinedEdge(nil), g.Edges...)
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Total() > edges[j].Total()
	})

	table := newTable(w, []string{"From", "To", "OK", "Expected\nError", "Unexpected\nError", "Total", "Description"})
	for _, e := range edges {
		table.Append([]string{
			name(e.FromNodeID),
			name(e.ToNodeID),
			fmt.Sprintf("%d", e.StatusOk),
			fmt.Sprintf("%d", e.StatusExpectedError),
			fmt.Sprintf("%d", e.StatusUnexpectedError),
			fmt.Sprintf("%d", e.Total()),
			deref(e.Description),
		})
	}
	table.Render()

	nodes := append([]topology.NodeWithStatus(nil), g.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].NodeType != nodes[j].NodeType {
			return nodes[i].NodeType < nodes[j].NodeType
		}
		return nodes[i].Name < nodes[j].Name
	})

	table = newTable(w, []string{"Node", "Type", "Parent", "OK", "Expected\nError", "Unexpected\nError"})
	for _, n := range nodes {
		parent := ""
		if n.ParentID != nil {
			parent = name(*n.ParentID)
		}
		table.Append([]string{
			n.Name,
			n.NodeType.String(),
			parent,
			fmt.Sprintf("%d", n.StatusOk),
			fmt.Sprintf("%d", n.StatusExpectedError),
			fmt.Sprintf("%d", n.StatusUnexpectedError),
		})
	}
	table.Render()
}

func renderActiveNodes(w io.Writer, a topology.ActiveNodes) {
	nodes := append([]topology.ActiveNode(nil), a.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].LastActivity.After(nodes[j].LastActivity)
	})

	table := newTable(w, []string{"Node", "Type", "ID", "Last Activity"})
	for _, n := range nodes {
		table.Append([]string{
			n.Name,
			n.NodeType.String(),
			n.NodeID.String(),
			n.LastActivity.UTC().Format(time.RFC3339),
		})
	}
	table.Render()
}

func renderHistogram(w io.Writer, h topology.Histogram) {
	var peak uint64
	for _, b := range h.Buckets {
		peak = max(peak, b.N)
	}

	table := newTable(w, []string{"Minute", "Calls", ""})
	for _, b := range h.Buckets {
		bar := 0
		if peak > 0 {
			bar = int(b.N * histogramBarWidth / peak)
		}
		table.Append([]string{
			b.Ts.UTC().Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", b.N),
			strings.Repeat("#", bar),
		})
	}
	table.Render()
}
