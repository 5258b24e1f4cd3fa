// Package metrics defines the Prometheus collectors exported by
// trafficiq-server at /metrics.
//
// Collectors are registered on a caller-supplied registry rather than the
// global default so tests can build isolated instances. Every recording
// method is safe to call on a nil *Metrics, which lets components run
// without instrumentation.
package metrics
