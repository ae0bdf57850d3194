// Package metrics exposes the gateway's Prometheus collectors: one
// file per concern, each registering its own collectors against the
// shared Registry at package init time via promauto, the same
// layout this codebase's other services use.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "gateway"

// Registry is the collector registry every metrics file in this
// package registers against. A dedicated registry (rather than the
// global default) keeps /metrics free of the Go process collectors
// unless explicitly added.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
}
