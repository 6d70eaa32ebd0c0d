// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests by route, method and status code.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// LogWritesTotal counts best-effort log store writes by operation and outcome.
	LogWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execlog_writes_total",
			Help: "Total number of execution log writes dispatched by the ingestor.",
		},
		[]string{"op", "result"}, // result: ok, failed, dropped
	)

	// InflightWrites is the number of dispatched writes not yet finished.
	InflightWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "execlog_inflight_writes",
			Help: "Number of execution log writes currently in flight.",
		},
	)

	// ExecutionsAggregatedTotal counts execution views produced on read, by derived status.
	ExecutionsAggregatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execlog_executions_aggregated_total",
			Help: "Total number of execution views derived from log events.",
		},
		[]string{"status"},
	)

	// RejectedEventsTotal counts events the aggregator could not group.
	RejectedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "execlog_rejected_events_total",
			Help: "Total number of log events dropped from aggregation for missing an execution id.",
		},
	)

	// IngestRequestsTotal counts gRPC ingest calls by method and outcome.
	IngestRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execlog_ingest_requests_total",
			Help: "Total number of remote ingest calls received over gRPC.",
		},
		[]string{"method", "result"},
	)
)
