package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider gives access to the registry the orchestrator, guardrail
// and event listeners register their collectors with. The admin server
// exposes it on /metrics.
type RegistryProvider interface {
	// Registry returns the Prometheus registry holding simloop metrics.
	Registry() *prometheus.Registry
}
