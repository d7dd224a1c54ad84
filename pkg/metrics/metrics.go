package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "golem_workers_total",
			Help: "Number of known workers by status",
		},
		[]string{"status"},
	)

	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_active_workers",
			Help: "Number of worker instances currently held in memory",
		},
	)

	WorkerEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_worker_evictions_total",
			Help: "Total workers evicted from the active registry",
		},
	)

	// Invocation metrics
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_invocations_total",
			Help: "Total invocations by outcome",
		},
		[]string{"outcome"},
	)

	InvocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "golem_invocation_duration_seconds",
			Help:    "Wall time of live (non-replay) invocations",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Oplog metrics
	OplogEntriesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_oplog_entries_appended_total",
			Help: "Total oplog entries committed to the primary layer",
		},
	)

	OplogEntriesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_oplog_entries_read_total",
			Help: "Total oplog entries read across all layers",
		},
	)

	OplogEntriesArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_oplog_entries_archived_total",
			Help: "Total oplog entries migrated into archive layers",
		},
	)

	OplogPayloadsOffloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_oplog_payloads_offloaded_total",
			Help: "Total oversized payloads written to blob storage",
		},
	)

	// Replay metrics
	ReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_replays_total",
			Help: "Total worker activations that replayed an existing oplog",
		},
	)

	DivergencesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_divergences_total",
			Help: "Total fatal replay divergences",
		},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_retries_total",
			Help: "Total scheduled worker retries",
		},
	)

	// RPC metrics
	RpcCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_rpc_calls_total",
			Help: "Total worker-to-worker calls by route",
		},
		[]string{"route"},
	)

	// Scheduler metrics
	ScheduledActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_scheduled_actions_total",
			Help: "Total fired scheduled actions by kind",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_api_requests_total",
			Help: "Total control plane requests by method and status",
		},
		[]string{"method", "status"},
	)
)

// Register registers all metrics with the default registry. Call once at
// startup.
func Register() {
	prometheus.MustRegister(
		WorkersTotal,
		ActiveWorkers,
		WorkerEvictions,
		InvocationsTotal,
		InvocationDuration,
		OplogEntriesAppended,
		OplogEntriesRead,
		OplogEntriesArchived,
		OplogPayloadsOffloaded,
		ReplaysTotal,
		DivergencesTotal,
		RetriesTotal,
		RpcCallsTotal,
		ScheduledActionsTotal,
		APIRequestsTotal,
	)
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
