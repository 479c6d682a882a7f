package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Forwarded request metrics
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_hub_requests_total",
			Help: "Total number of requests forwarded to backends",
		},
		[]string{"backend", "kind", "status"}, // kind: tool, resource, prompt; status: success, error
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcp_hub_request_duration_seconds",
			Help:    "Duration of forwarded requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		},
		[]string{"backend", "kind"},
	)

	// Tool names are bounded by the backend catalogs; resource URIs are
	// not, so only tool calls get a per-name series.
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_hub_tool_calls_total",
			Help: "Total number of tool calls forwarded, by native tool name",
		},
		[]string{"backend", "tool", "status"}, // status: success, error
	)
)

// Health probe metrics
var (
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_hub_probes_total",
			Help: "Total number of health probes sent to backends",
		},
		[]string{"backend", "result"}, // result: success, error
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcp_hub_probe_duration_seconds",
			Help:    "Duration of health probes in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"backend"},
	)
)

// Connection lifecycle metrics
var (
	BackendState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcp_hub_backend_state",
			Help: "Backend connection state (1 for the current state, 0 otherwise)",
		},
		[]string{"backend", "state"}, // state: disconnected, connecting, connected, degraded, failed
	)

	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcp_hub_state_transitions_total",
			Help: "Total number of backend connection state transitions",
		},
		[]string{"backend", "to"},
	)
)

// Catalog metrics
var (
	CatalogEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcp_hub_catalog_entries",
			Help: "Number of entries in the aggregated catalog",
		},
		[]string{"kind"}, // kind: tool, resource, prompt
	)

	CatalogRebuildsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcp_hub_catalog_rebuilds_total",
			Help: "Total number of catalog rebuilds",
		},
	)
)
