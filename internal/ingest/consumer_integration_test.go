package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/servicegraph/internal/engine"
	"github.com/malbeclabs/servicegraph/pkg/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

const (
	rpImage    = "docker.redpanda.com/redpandadata/redpanda:v24.2.6"
	rpUser     = "servicegraph"
	rpPassword = "redpanda"
	rpTopic    = "servicegraph-submissions-it"
)

func startRedpanda(t *testing.T, ctx context.Context, log *slog.Logger) string {
	t.Helper()

	const maxAttempts = 5
	for attempt := 1; ; attempt++ {
		ctr, err := redpanda.Run(ctx, rpImage,
			redpanda.WithEnableSASL(),
			redpanda.WithEnableKafkaAuthorization(),
			redpanda.WithNewServiceAccount(rpUser, rpPassword),
			redpanda.WithSuperusers(rpUser),
		)
		if err == nil {
			t.Cleanup(func() {
				if err := ctr.Terminate(context.Background()); err != nil {
					t.Logf("failed to terminate redpanda container: %v", err)
				}
			})
			broker, err := ctr.KafkaSeedBroker(ctx)
			require.NoError(t, err)
			return broker
		}
		if !isRetryableContainerStartErr(err) || attempt == maxAttempts {
			require.NoError(t, err)
		}
		log.Warn("redpanda container start attempt failed, retrying", "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
}

func isRetryableContainerStartErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "connection refused")
}

type chanSubmitter struct {
	ch chan engine.SubmitRequest
}

func (s *chanSubmitter) Submit(ctx context.Context, req engine.SubmitRequest) error {
	select {
	case s.ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestIngest_Consumer_Redpanda(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redpanda integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	broker := startRedpanda(t, ctx, log)

	consumer, err := NewConsumer(
		WithLogger(log),
		WithBrokers([]string{broker}),
		WithTopic(rpTopic),
		WithConsumerGroup("servicegraph-it"),
		WithAuthType(AuthTypeSCRAM),
		WithUser(rpUser),
		WithPassword(rpPassword),
		WithTLSDisabled(true),
		WithMetrics(NewMetrics(prometheus.NewRegistry())),
	)
	require.NoError(t, err)
	require.NoError(t, consumer.EnsureTopic(ctx, 1, 1))
	require.NoError(t, consumer.EnsureTopic(ctx, 1, 1), "existing topic is not an error")

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.SASL(scram.Auth{User: rpUser, Pass: rpPassword}.AsSha256Mechanism()),
		kgo.DefaultProduceTopic(rpTopic),
	)
	require.NoError(t, err)
	defer producer.Close()

	projectID := uint64(7)
	want := engine.SubmitRequest{
		ProjectID: &projectID,
		Nodes: []topology.Node{{
			NodeID:   uuid.New(),
			NodeType: topology.NodeTypeService,
			Name:     "checkout",
		}},
	}
	value, err := json.Marshal(want)
	require.NoError(t, err)
	require.NoError(t, producer.ProduceSync(ctx,
		&kgo.Record{Value: []byte("not a submission")},
		&kgo.Record{Value: value},
	).FirstErr())

	sub := &chanSubmitter{ch: make(chan engine.SubmitRequest, 1)}
	ing, err := New(Config{Logger: log, Consumer: consumer, Submitter: sub})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- ing.Run(runCtx) }()

	select {
	case got := <-sub.ch:
		require.Equal(t, projectID, *got.ProjectID)
		require.Equal(t, want.Nodes, got.Nodes)
	case <-ctx.Done():
		t.Fatal("timed out waiting for submission")
	}

	stop()
	require.NoError(t, <-done)
}
