package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/servicegraph/internal/params"
	"github.com/malbeclabs/servicegraph/pkg/topology"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu sync.Mutex

	nodesErr  error
	edgesErr  error
	graphErr  error
	activeErr error
	pingErr   error

	graphRows []topology.JoinedEdge
	active    []topology.ActiveNode
	buckets   []topology.Bucket

	calls       []string
	nodeTs      time.Time
	insertedN   []topology.Node
	insertedE   []topology.Edge
	graphQuery  params.GraphQuery
	activeQuery params.ActiveNodesQuery
}

func (s *fakeStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeStore) InsertNodes(_ context.Context, _ uint64, ts time.Time, nodes []topology.Node) error {
	s.record("nodes")
	s.nodeTs = ts
	s.insertedN = nodes
	return s.nodesErr
}

func (s *fakeStore) InsertEdges(_ context.Context, _ uint64, edges []topology.Edge) error {
	s.record("edges")
	s.insertedE = edges
	return s.edgesErr
}

func (s *fakeStore) GraphEdges(_ context.Context, q params.GraphQuery) ([]topology.JoinedEdge, error) {
	s.record("graph")
	s.mu.Lock()
	s.graphQuery = q
	s.mu.Unlock()
	return s.graphRows, s.graphErr
}

func (s *fakeStore) ActiveNodes(_ context.Context, q params.ActiveNodesQuery) ([]topology.ActiveNode, error) {
	s.record("active")
	s.mu.Lock()
	s.activeQuery = q
	s.mu.Unlock()
	return s.active, s.activeErr
}

func (s *fakeStore) Histogram(context.Context, params.HistogramQuery) ([]topology.Bucket, error) {
	s.record("histogram")
	return s.buckets, nil
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

var now = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store *fakeStore) *Engine {
	t.Helper()
	e, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:  store,
		Clock:  clockwork.NewFakeClockAt(now),
	})
	require.NoError(t, err)
	return e
}

func ptr[T any](v T) *T { return &v }

func svc(name string) topology.Node {
	return topology.Node{NodeID: uuid.New(), NodeType: topology.NodeTypeService, Name: name}
}

func TestEngine_New_RequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestEngine_Submit(t *testing.T) {
	t.Parallel()

	t.Run("nodes before edges stamped with now", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{}
		e := newTestEngine(t, store)
		a, b := svc("a"), svc("b")
		err := e.Submit(t.Context(), SubmitRequest{
			ProjectID: ptr[uint64](0),
			Nodes:     []topology.Node{a, b},
			Edges:     []topology.Edge{{FromNodeID: a.NodeID, ToNodeID: b.NodeID, Status: topology.EdgeStatusOk, N: 1}},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"nodes", "edges"}, store.calls)
		require.Equal(t, now, store.nodeTs)
		require.Len(t, store.insertedN, 2)
	})

	t.Run("missing project is rejected before the store", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{}
		err := newTestEngine(t, store).Submit(t.Context(), SubmitRequest{})
		require.ErrorIs(t, err, ErrInvalidRequest)
		require.ErrorIs(t, err, params.ErrMissingProjectID)
		require.Empty(t, store.calls)
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{}
		err := newTestEngine(t, store).Submit(t.Context(), SubmitRequest{
			ProjectID: ptr[uint64](1),
			Edges:     []topology.Edge{{Status: 0}},
		})
		require.ErrorIs(t, err, topology.ErrUnknownEdgeStatus)
		require.Empty(t, store.calls)
	})

	t.Run("edge failure after nodes succeeded", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{edgesErr: errors.New("timeout")}
		err := newTestEngine(t, store).Submit(t.Context(), SubmitRequest{ProjectID: ptr[uint64](1)})
		require.ErrorContains(t, err, "failed to insert edges")
		require.NotErrorIs(t, err, ErrInvalidRequest)
		require.Equal(t, []string{"nodes", "edges"}, store.calls)
	})

	t.Run("node failure skips edges", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{nodesErr: errors.New("refused")}
		err := newTestEngine(t, store).Submit(t.Context(), SubmitRequest{ProjectID: ptr[uint64](1)})
		require.ErrorContains(t, err, "failed to insert nodes")
		require.Equal(t, []string{"nodes"}, store.calls)
	})
}

func TestEngine_QueryGraph(t *testing.T) {
	t.Parallel()

	a, b := svc("a"), svc("b")
	store := &fakeStore{graphRows: []topology.JoinedEdge{{
		Edge: topology.CombinedEdge{FromNodeID: a.NodeID, ToNodeID: b.NodeID, StatusCounts: topology.StatusCounts{StatusOk: 2}},
		From: a,
		To:   b,
	}}}
	e := newTestEngine(t, store)

	g, err := e.QueryGraph(t.Context(), params.GraphRequest{
		WindowRequest: params.WindowRequest{ProjectID: ptr[uint64](5)},
	})
	require.NoError(t, err)
	require.Len(t, g.Edges, 1)
	require.Len(t, g.Nodes, 2)
	require.Equal(t, uint64(5), store.graphQuery.ProjectID)
	require.Equal(t, now.Add(-time.Hour), store.graphQuery.Window.Start)
	require.Equal(t, now, store.graphQuery.Window.End)

	g, err = e.QueryGraph(t.Context(), params.GraphRequest{
		WindowRequest: params.WindowRequest{ProjectID: ptr[uint64](5)},
		EdgeStatuses:  []topology.EdgeStatus{topology.EdgeStatusUnexpectedError},
	})
	require.NoError(t, err)
	require.Empty(t, g.Edges)
	require.Empty(t, g.Nodes)
}

func TestEngine_EmptyWindowSkipsStore(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	e := newTestEngine(t, store)
	window := params.WindowRequest{
		ProjectID: ptr[uint64](1),
		StartDate: ptr(now),
		EndDate:   ptr(now.Add(-time.Second)),
	}

	g, err := e.QueryGraph(t.Context(), params.GraphRequest{WindowRequest: window})
	require.NoError(t, err)
	require.Empty(t, g.Edges)

	h, err := e.QueryHistogram(t.Context(), params.HistogramRequest{WindowRequest: window})
	require.NoError(t, err)
	require.NotNil(t, h.Buckets)
	require.Empty(t, h.Buckets)

	active, err := e.QueryActiveNodes(t.Context(), params.ActiveNodesRequest{WindowRequest: window})
	require.NoError(t, err)
	require.Empty(t, active.Nodes)

	require.Empty(t, store.calls)
}

func TestEngine_QueryServiceMap(t *testing.T) {
	t.Parallel()

	a, b := svc("a"), svc("b")
	active := []topology.ActiveNode{{Node: a, LastActivity: now}}

	t.Run("service only view", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{
			graphRows: []topology.JoinedEdge{{
				Edge: topology.CombinedEdge{FromNodeID: a.NodeID, ToNodeID: b.NodeID, StatusCounts: topology.StatusCounts{StatusOk: 5}},
				From: a,
				To:   b,
			}},
			active: active,
		}
		e := newTestEngine(t, store)
		sm, err := e.QueryServiceMap(t.Context(), params.ServiceMapRequest{GraphRequest: params.GraphRequest{
			WindowRequest: params.WindowRequest{ProjectID: ptr[uint64](1)},
			FromTypes:     []topology.NodeType{topology.NodeTypeService},
			ToTypes:       []topology.NodeType{topology.NodeTypeService},
		}})
		require.NoError(t, err)
		require.Len(t, sm.Graph.Edges, 1)
		require.Equal(t, active, sm.ActiveNodes.Nodes)
		require.ElementsMatch(t, []string{"graph", "active"}, store.calls)
		require.Nil(t, store.activeQuery.Types)
		require.Equal(t, store.graphQuery.Window, store.activeQuery.Window)
	})

	t.Run("status filter does not hide collapsed edges", func(t *testing.T) {
		t.Parallel()
		c := topology.Node{NodeID: uuid.New(), NodeType: topology.NodeTypeTransaction, Name: "c", ParentID: &b.NodeID}
		store := &fakeStore{
			graphRows: []topology.JoinedEdge{
				{
					Edge: topology.CombinedEdge{FromNodeID: a.NodeID, ToNodeID: b.NodeID, StatusCounts: topology.StatusCounts{StatusOk: 5}},
					From: a,
					To:   b,
				},
				{
					Edge: topology.CombinedEdge{FromNodeID: a.NodeID, ToNodeID: c.NodeID, StatusCounts: topology.StatusCounts{StatusOk: 3}},
					From: a,
					To:   c,
				},
			},
			active: active,
		}
		sm, err := newTestEngine(t, store).QueryServiceMap(t.Context(), params.ServiceMapRequest{GraphRequest: params.GraphRequest{
			WindowRequest: params.WindowRequest{ProjectID: ptr[uint64](1)},
			EdgeStatuses:  []topology.EdgeStatus{topology.EdgeStatusOk},
		}})
		require.NoError(t, err)
		require.Empty(t, sm.Graph.Edges)
		require.Len(t, sm.Graph.Nodes, 2, "a only sends and carries no ok count")
	})

	t.Run("either query failing fails the request", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{activeErr: errors.New("boom")}
		_, err := newTestEngine(t, store).QueryServiceMap(t.Context(), params.ServiceMapRequest{GraphRequest: params.GraphRequest{
			WindowRequest: params.WindowRequest{ProjectID: ptr[uint64](1)},
		}})
		require.ErrorContains(t, err, "boom")

		store = &fakeStore{graphErr: errors.New("bang")}
		_, err = newTestEngine(t, store).QueryServiceMap(t.Context(), params.ServiceMapRequest{GraphRequest: params.GraphRequest{
			WindowRequest: params.WindowRequest{ProjectID: ptr[uint64](1)},
		}})
		require.ErrorContains(t, err, "bang")
	})

	t.Run("invalid input", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{}
		_, err := newTestEngine(t, store).QueryServiceMap(t.Context(), params.ServiceMapRequest{})
		require.ErrorIs(t, err, ErrInvalidRequest)
		require.Empty(t, store.calls)
	})
}

func TestEngine_QueryHistogram(t *testing.T) {
	t.Parallel()

	m := now.Add(-10 * time.Minute)
	store := &fakeStore{buckets: []topology.Bucket{{Ts: m, N: 35}}}
	h, err := newTestEngine(t, store).QueryHistogram(t.Context(), params.HistogramRequest{
		WindowRequest: params.WindowRequest{ProjectID: ptr[uint64](1)},
	})
	require.NoError(t, err)
	require.Equal(t, []topology.Bucket{{Ts: m, N: 35}}, h.Buckets)
}

func TestEngine_HealthAndReady(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	e := newTestEngine(t, store)
	require.Equal(t, "OK", e.Health())
	require.NoError(t, e.Ready(t.Context()))

	store.pingErr = errors.New("down")
	require.Error(t, e.Ready(t.Context()))
	require.Equal(t, "OK", e.Health())
}
