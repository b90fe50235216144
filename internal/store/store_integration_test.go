package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	clickhousetesting "github.com/malbeclabs/servicegraph/internal/clickhouse/testing"
	"github.com/malbeclabs/servicegraph/internal/params"
	"github.com/malbeclabs/servicegraph/pkg/topology"
	"github.com/stretchr/testify/require"
)

func TestStore_Integration_ClickHouse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ClickHouse integration test in short mode")
	}

	db := clickhousetesting.NewMigratedDB(t, nil)
	s := newTestStoreWithClient(t, db)
	ctx := t.Context()

	const project = uint64(42)
	minute := time.Now().UTC().Truncate(time.Minute).Add(-10 * time.Minute)
	window := params.Window{Start: minute.Add(-time.Minute), End: minute.Add(5 * time.Minute)}

	svc1, svc2 := uuid.New(), uuid.New()
	txn := uuid.New()

	require.NoError(t, s.InsertNodes(ctx, project, minute.Add(-time.Hour), []topology.Node{
		{NodeID: svc1, NodeType: topology.NodeTypeService, Name: "api-old", Description: strPtr("old")},
	}))
	require.NoError(t, s.InsertNodes(ctx, project, minute.Add(-time.Minute), []topology.Node{
		{NodeID: svc1, NodeType: topology.NodeTypeService, Name: "api"},
		{NodeID: svc2, NodeType: topology.NodeTypeService, Name: "billing"},
		{NodeID: txn, NodeType: topology.NodeTypeTransaction, Name: "charge", ParentID: &svc2},
	}))
	// Another project must never leak into results.
	require.NoError(t, s.InsertNodes(ctx, project+1, minute, []topology.Node{
		{NodeID: svc1, NodeType: topology.NodeTypeTransaction, Name: "other"},
	}))

	require.NoError(t, s.InsertEdges(ctx, project, []topology.Edge{
		{Ts: minute.Add(5 * time.Second), FromNodeID: svc1, ToNodeID: svc2, Status: topology.EdgeStatusOk, N: 10, Description: strPtr("first")},
		{Ts: minute.Add(15 * time.Second), FromNodeID: svc1, ToNodeID: svc2, Status: topology.EdgeStatusUnexpectedError, N: 20, Description: strPtr("latest")},
		{Ts: minute.Add(25 * time.Second), FromNodeID: svc1, ToNodeID: txn, Status: topology.EdgeStatusOk, N: 5},
		{Ts: minute.Add(2 * time.Minute), FromNodeID: txn, ToNodeID: svc2, Status: topology.EdgeStatusExpectedError, N: 1},
	}))

	t.Run("graph edges", func(t *testing.T) {
		got, err := s.GraphEdges(ctx, params.GraphQuery{ProjectID: project, Window: window})
		require.NoError(t, err)
		require.Len(t, got, 3)

		byPair := make(map[[2]uuid.UUID]topology.JoinedEdge)
		for _, e := range got {
			byPair[[2]uuid.UUID{e.Edge.FromNodeID, e.Edge.ToNodeID}] = e
		}
		ab := byPair[[2]uuid.UUID{svc1, svc2}]
		require.Equal(t, topology.StatusCounts{StatusOk: 10, StatusUnexpectedError: 20}, ab.Edge.StatusCounts)
		require.Equal(t, "latest", *ab.Edge.Description)
		require.Equal(t, "api", ab.From.Name)
		require.Nil(t, ab.From.Description, "latest observation wins even when it clears a field")

		tx := byPair[[2]uuid.UUID{txn, svc2}]
		require.Equal(t, svc2, *tx.From.ParentID)
	})

	t.Run("graph window is exact to the second", func(t *testing.T) {
		got, err := s.GraphEdges(ctx, params.GraphQuery{
			ProjectID: project,
			Window:    params.Window{Start: minute.Add(20 * time.Second), End: minute.Add(time.Minute)},
		})
		require.NoError(t, err)
		require.Len(t, got, 1, "edges at :05 and :15 share the minute bucket but precede the start")
		require.Equal(t, txn, got[0].Edge.ToNodeID)
		require.Equal(t, topology.StatusCounts{StatusOk: 5}, got[0].Edge.StatusCounts)
	})

	t.Run("graph type filter", func(t *testing.T) {
		got, err := s.GraphEdges(ctx, params.GraphQuery{
			ProjectID: project,
			Window:    window,
			FromTypes: params.NodeTypes{topology.NodeTypeService},
			ToTypes:   params.NodeTypes{topology.NodeTypeService},
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, svc2, got[0].Edge.ToNodeID)
	})

	t.Run("active nodes", func(t *testing.T) {
		got, err := s.ActiveNodes(ctx, params.ActiveNodesQuery{ProjectID: project, Window: window})
		require.NoError(t, err)
		require.Len(t, got, 3)
		last := make(map[uuid.UUID]time.Time)
		for _, n := range got {
			last[n.NodeID] = n.LastActivity
		}
		require.True(t, last[svc1].Equal(minute.Add(25*time.Second)))
		require.True(t, last[svc2].Equal(minute.Add(2*time.Minute)))
		require.True(t, last[txn].Equal(minute.Add(2*time.Minute)))
	})

	t.Run("histogram", func(t *testing.T) {
		got, err := s.Histogram(ctx, params.HistogramQuery{ProjectID: project, Window: window})
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.True(t, got[0].Ts.Equal(minute))
		require.Equal(t, uint64(35), got[0].N)
		require.True(t, got[1].Ts.Equal(minute.Add(2*time.Minute)))
		require.Equal(t, uint64(1), got[1].N)
	})

	t.Run("empty window", func(t *testing.T) {
		got, err := s.GraphEdges(ctx, params.GraphQuery{
			ProjectID: project,
			Window:    params.Window{Start: minute.Add(-time.Hour), End: minute.Add(-30 * time.Minute)},
		})
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func newTestStoreWithClient(t *testing.T, db *clickhousetesting.DB) *Store {
	t.Helper()
	s, err := New(Config{Client: db.Client})
	require.NoError(t, err)
	return s
}
