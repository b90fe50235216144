package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RecordsConsumed  prometheus.Counter
	RecordsSubmitted prometheus.Counter
	RecordsRejected  prometheus.Counter
	DecodeErrors     prometheus.Counter
	ConsumeErrors    prometheus.Counter
	SubmitErrors     prometheus.Counter
	CommitErrors     prometheus.Counter
	SubmitDuration   prometheus.Histogram
}

// NewMetrics registers the ingest metrics with reg. A nil reg creates unregistered
// collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicegraph_ingest_records_consumed_total",
			Help: "Total number of submission records decoded from Kafka",
		}),
		RecordsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicegraph_ingest_records_submitted_total",
			Help: "Total number of submission records written to the event store",
		}),
		RecordsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicegraph_ingest_records_rejected_total",
			Help: "Total number of submission records dropped as invalid",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicegraph_ingest_decode_errors_total",
			Help: "Total number of Kafka records that were not valid submissions",
		}),
		ConsumeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicegraph_ingest_consume_errors_total",
			Help: "Total number of errors consuming from Kafka",
		}),
		SubmitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicegraph_ingest_submit_errors_total",
			Help: "Total number of failed submissions to the event store",
		}),
		CommitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "servicegraph_ingest_commit_errors_total",
			Help: "Total number of errors committing offsets to Kafka",
		}),
		SubmitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "servicegraph_ingest_submit_duration_seconds",
			Help:    "Duration of a single record submission in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
