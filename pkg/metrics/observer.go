// Package metrics exposes Prometheus collectors for the hub and an
// Observer that feeds them from the hub's measurement hooks.
package metrics

import (
	"time"

	"github.com/toolgate/mcp-hub/pkg/mcphub"
)

// Observer records hub measurements into the package collectors. It is
// stateless and safe for concurrent use; pass one as mcphub.Options.Observer.
type Observer struct{}

var _ mcphub.Observer = Observer{}

func (Observer) RequestCompleted(backend, kind, name string, elapsed time.Duration, err error) {
	status := outcome(err)
	RequestsTotal.WithLabelValues(backend, kind, status).Inc()
	RequestDuration.WithLabelValues(backend, kind).Observe(elapsed.Seconds())
	if kind == mcphub.RequestKindTool {
		ToolCallsTotal.WithLabelValues(backend, name, status).Inc()
	}
}

func (Observer) ProbeCompleted(backend string, elapsed time.Duration, err error) {
	ProbesTotal.WithLabelValues(backend, outcome(err)).Inc()
	ProbeDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

func (Observer) StateChanged(backend string, from, to mcphub.ConnectionState) {
	BackendState.WithLabelValues(backend, string(from)).Set(0)
	BackendState.WithLabelValues(backend, string(to)).Set(1)
	StateTransitionsTotal.WithLabelValues(backend, string(to)).Inc()
}

func (Observer) CatalogRebuilt(tools, resources, prompts int) {
	CatalogEntries.WithLabelValues("tool").Set(float64(tools))
	CatalogEntries.WithLabelValues("resource").Set(float64(resources))
	CatalogEntries.WithLabelValues("prompt").Set(float64(prompts))
	CatalogRebuildsTotal.Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
