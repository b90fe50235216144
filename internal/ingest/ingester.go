// Package ingest feeds submissions published on a Kafka topic into the engine. Offsets are
// committed only after every record of a poll has been written, so a crash redelivers the
// batch; the event store does not dedupe.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/servicegraph/internal/engine"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultRetryInterval    = 5 * time.Second
	defaultMaxRetryInterval = time.Minute
)

// RecordConsumer is the minimal interface for consuming submission records.
type RecordConsumer interface {
	Consume(ctx context.Context) ([]Record, error)
	Commit(ctx context.Context) error
	Close() error
}

// Submitter writes one submission to the event store.
type Submitter interface {
	Submit(ctx context.Context, req engine.SubmitRequest) error
}

type Config struct {
	Logger    *slog.Logger
	Consumer  RecordConsumer
	Submitter Submitter

	// Optional configuration.
	Metrics          *Metrics
	Clock            clockwork.Clock
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Consumer == nil {
		return errors.New("consumer is required")
	}
	if c.Submitter == nil {
		return errors.New("submitter is required")
	}

	// Optional configuration.
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.MaxRetryInterval < c.RetryInterval {
		c.MaxRetryInterval = max(defaultMaxRetryInterval, c.RetryInterval)
	}
	return nil
}

type Ingester struct {
	log   *slog.Logger
	cfg   Config
	retry *backoff.ExponentialBackOff
}

func New(cfg Config) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.RetryInterval
	retry.MaxInterval = cfg.MaxRetryInterval
	retry.Reset()
	return &Ingester{log: cfg.Logger, cfg: cfg, retry: retry}, nil
}

// Run consumes until ctx is cancelled or the consumer is closed. A batch whose submission fails
// is held and resubmitted from the failed record after an exponential backoff starting at
// RetryInterval. Nothing is committed until the whole batch has been written.
func (i *Ingester) Run(ctx context.Context) error {
	defer func() { _ = i.cfg.Consumer.Close() }()

	var pending []Record
	for {
		if ctx.Err() != nil {
			return nil
		}

		if len(pending) == 0 {
			records, err := i.cfg.Consumer.Consume(ctx)
			if err != nil {
				if errors.Is(err, ErrConsumerClosed) {
					i.log.Info("kafka consumer closed")
					return nil
				}
				i.log.Error("error consuming records", "error", err)
				i.cfg.Metrics.ConsumeErrors.Inc()
				continue
			}
			if len(records) == 0 {
				continue
			}
			pending = records
		}

		pending = i.submit(ctx, pending)
		if len(pending) > 0 {
			wait := i.retry.NextBackOff()
			i.log.Warn("retrying submission", "records", len(pending), "wait", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-i.cfg.Clock.After(wait):
			}
			continue
		}
		i.retry.Reset()

		if err := i.cfg.Consumer.Commit(ctx); err != nil {
			i.log.Error("commit offsets failed", "error", err)
			i.cfg.Metrics.CommitErrors.Inc()
		}
	}
}

// submit writes records in order and returns the suffix starting at the first record that
// could not be written. Invalid submissions can never succeed, so they are dropped.
func (i *Ingester) submit(ctx context.Context, records []Record) []Record {
	for idx, rec := range records {
		timer := prometheus.NewTimer(i.cfg.Metrics.SubmitDuration)
		err := i.cfg.Submitter.Submit(ctx, rec.Request)
		timer.ObserveDuration()

		switch {
		case err == nil:
			i.cfg.Metrics.RecordsSubmitted.Inc()
		case errors.Is(err, engine.ErrInvalidRequest):
			i.log.Warn("dropping invalid submission", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			i.cfg.Metrics.RecordsRejected.Inc()
		default:
			i.log.Error("error submitting record", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			i.cfg.Metrics.SubmitErrors.Inc()
			return records[idx:]
		}
	}
	return nil
}
