package sampledata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/servicegraph/pkg/client"
	"github.com/malbeclabs/servicegraph/pkg/topology"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	err     error
	batches [][]topology.Edge
}

func (f *fakeSubmitter) Submit(_ context.Context, _ []topology.Node, edges []topology.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, edges)
	return f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newTestGenerator(t *testing.T, sub Submitter, clock clockwork.Clock, edges int) *Generator {
	t.Helper()
	g, err := New(Config{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Submitter:      sub,
		Clock:          clock,
		Rand:           rand.New(rand.NewPCG(1, 2)),
		EdgesPerPeriod: edges,
	})
	require.NoError(t, err)
	return g
}

func TestSampleData_Batch(t *testing.T) {
	t.Parallel()

	g := newTestGenerator(t, &fakeSubmitter{}, clockwork.NewFakeClock(), 50)
	ts := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	nodes, edges := g.Batch(ts)

	require.Len(t, edges, 100)
	byID := make(map[uuid.UUID]topology.Node, len(nodes))
	for _, n := range nodes {
		_, dup := byID[n.NodeID]
		require.False(t, dup, "node %s repeated", n.Name)
		byID[n.NodeID] = n
	}

	for i, e := range edges {
		require.Equal(t, ts, e.Ts)
		require.True(t, e.Status.Valid())
		require.GreaterOrEqual(t, e.N, uint32(1))
		require.LessOrEqual(t, e.N, uint32(10))
		require.NotEqual(t, e.FromNodeID, e.ToNodeID)

		from, ok := byID[e.FromNodeID]
		require.True(t, ok)
		to, ok := byID[e.ToNodeID]
		require.True(t, ok)
		require.Equal(t, topology.NodeTypeService, from.NodeType)
		if i%2 == 0 {
			require.Equal(t, topology.NodeTypeService, to.NodeType)
		} else {
			require.Equal(t, topology.NodeTypeTransaction, to.NodeType)
			require.Equal(t, from.NodeID, *to.ParentID)
		}
	}
}

func TestSampleData_DeterministicIDs(t *testing.T) {
	t.Parallel()

	g := newTestGenerator(t, &fakeSubmitter{}, clockwork.NewFakeClock(), 1)
	require.Len(t, g.services, 10)
	require.Equal(t, client.ServiceNodeID("service-01"), g.services[0].NodeID)
	txns := g.transactions[g.services[0].NodeID]
	require.Len(t, txns, 2)
	require.Equal(t, client.TransactionNodeID(g.services[0].NodeID, "service-01/txn-1"), txns[0].NodeID)
}

func TestSampleData_WeightedIndex(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(3, 4))
	counts := make([]int, 3)
	for range 10_000 {
		counts[weightedIndex(r, statusWeights)]++
	}
	require.Greater(t, counts[0], 9_500)
	require.Positive(t, counts[1])
	require.Positive(t, counts[2])

	require.Equal(t, 0, weightedIndex(r, []float64{1}))
}

func TestSampleData_RunSubmitsEachInterval(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sub := &fakeSubmitter{err: errors.New("connection refused")}
	g := newTestGenerator(t, sub, clock, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	blockCtx, blockCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer blockCancel()
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))
	require.Equal(t, 1, sub.count())

	clock.Advance(10 * time.Second)
	require.NoError(t, clock.BlockUntilContext(blockCtx, 1))
	require.Equal(t, 2, sub.count())

	cancel()
	require.NoError(t, <-done)
}

func TestSampleData_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: slog.Default()})
	require.ErrorContains(t, err, "submitter is required")
	_, err = New(Config{Logger: slog.Default(), Submitter: &fakeSubmitter{}, Services: 1})
	require.ErrorContains(t, err, "at least two services")
}
