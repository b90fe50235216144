package store

import (
	"strings"
	"testing"
	"time"

	"github.com/malbeclabs/servicegraph/internal/params"
	"github.com/malbeclabs/servicegraph/pkg/topology"
	"github.com/stretchr/testify/require"
)

var (
	testStart = time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)
	testEnd   = time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
)

func TestStore_BuildWhere(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		preds     []Predicate
		wantWhere string
		wantArgs  []any
	}{
		{
			name: "no predicates",
		},
		{
			name:  "empty predicates are skipped",
			preds: []Predicate{{}, nodeTypeIn("node_type", nil)},
		},
		{
			name:      "single",
			preds:     []Predicate{eq("project_id", uint64(0))},
			wantWhere: "WHERE project_id = ?",
			wantArgs:  []any{uint64(0)},
		},
		{
			name: "args follow predicate order",
			preds: []Predicate{
				eq("project_id", uint64(7)),
				gte("ts", testStart),
				{},
				nodeTypeIn("node_type", params.NodeTypes{topology.NodeTypeService, topology.NodeTypeTransaction}),
				lte("ts", testEnd),
			},
			wantWhere: "WHERE project_id = ? AND ts >= ? AND node_type IN (?, ?) AND ts <= ?",
			wantArgs:  []any{uint64(7), testStart, uint8(1), uint8(2), testEnd},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			where, args := buildWhere(tt.preds...)
			require.Equal(t, tt.wantWhere, where)
			require.Equal(t, tt.wantArgs, args)
		})
	}
}

func requirePlaceholders(t *testing.T, built *BuildResult) {
	t.Helper()
	require.Equal(t, strings.Count(built.Query, "?"), len(built.Args), "placeholder count must match args")
}

func TestStore_QueryBuilder_GraphEdges(t *testing.T) {
	t.Parallel()

	qb := NewQueryBuilder()
	w := params.Window{Start: testStart, End: testEnd}

	t.Run("no type filters", func(t *testing.T) {
		t.Parallel()
		built := qb.GraphEdges(params.GraphQuery{ProjectID: 3, Window: w})
		requirePlaceholders(t, built)
		require.Equal(t, []any{uint64(3), uint64(3), testStart, testEnd}, built.Args)
		require.Contains(t, built.Query, "FROM edges\n")
		require.NotContains(t, built.Query, "edges_by_minute")
		require.Contains(t, built.Query, "WHERE project_id = ? AND ts >= ? AND ts <= ?")
		require.Contains(t, built.Query, "argMaxIf(description, ts, isNotNull(description))")
		require.Contains(t, built.Query, "INNER JOIN current_nodes AS f ON f.node_id = e.from_node_id")
		require.NotContains(t, built.Query, "node_type IN")
	})

	t.Run("from and to filters", func(t *testing.T) {
		t.Parallel()
		built := qb.GraphEdges(params.GraphQuery{
			ProjectID: 3,
			Window:    w,
			FromTypes: params.NodeTypes{topology.NodeTypeService},
			ToTypes:   params.NodeTypes{topology.NodeTypeTransaction},
		})
		requirePlaceholders(t, built)
		require.Contains(t, built.Query, "WHERE f.node_type IN (?) AND t.node_type IN (?)")
		require.Equal(t, []any{uint64(3), uint64(3), testStart, testEnd, uint8(1), uint8(2)}, built.Args)
	})

	t.Run("status filter is not pushed down", func(t *testing.T) {
		t.Parallel()
		built := qb.GraphEdges(params.GraphQuery{
			ProjectID:    3,
			Window:       w,
			EdgeStatuses: params.EdgeStatuses{topology.EdgeStatusOk},
		})
		requirePlaceholders(t, built)
		require.Len(t, built.Args, 4)
	})
}

func TestStore_QueryBuilder_ActiveNodes(t *testing.T) {
	t.Parallel()

	qb := NewQueryBuilder()
	built := qb.ActiveNodes(params.ActiveNodesQuery{
		ProjectID: 9,
		Window:    params.Window{Start: testStart, End: testEnd},
		Types:     params.NodeTypes{topology.NodeTypeTransaction},
	})
	requirePlaceholders(t, built)
	require.Contains(t, built.Query, "arrayJoin([from_node_id, to_node_id]) AS node_id, max(ts) AS last_activity")
	require.Contains(t, built.Query, "FROM edges\n")
	require.Contains(t, built.Query, "WHERE project_id = ? AND ts >= ? AND ts <= ?")
	require.Contains(t, built.Query, "WHERE n.node_type IN (?)")
	require.Equal(t, []any{uint64(9), uint64(9), testStart, testEnd, uint8(2)}, built.Args)
}

func TestStore_QueryBuilder_Histogram(t *testing.T) {
	t.Parallel()

	qb := NewQueryBuilder()
	built := qb.Histogram(params.HistogramQuery{
		ProjectID: 1,
		Window:    params.Window{Start: testStart, End: testEnd},
	})
	requirePlaceholders(t, built)
	require.Contains(t, built.Query, "FROM edges_by_minute")
	require.Contains(t, built.Query, "WHERE project_id = ? AND minute >= toStartOfMinute(?) AND minute <= ?")
	require.Contains(t, built.Query, "HAVING n > 0")
	require.Contains(t, built.Query, "ORDER BY minute ASC")
	require.Equal(t, []any{uint64(1), testStart, testEnd}, built.Args)
}

func TestStore_QueryBuilder_NoValueInterpolation(t *testing.T) {
	t.Parallel()

	qb := NewQueryBuilder()
	q := params.GraphQuery{
		ProjectID: 123456789,
		Window:    params.Window{Start: testStart, End: testEnd},
		FromTypes: params.NodeTypes{topology.NodeTypeService},
	}
	built := qb.GraphEdges(q)
	require.NotContains(t, built.Query, "123456789")
	require.NotContains(t, built.Query, "2024")
}
