// Package observability provides the ambient logging, metrics, and health
// probing used by every other package.
//
// Logging is structured JSON over stdlib slog. Metrics are Prometheus
// counters/histograms registered on a caller-supplied registry so tests can
// construct isolated instances. The HealthChecker backs both the kubernetes
// style readiness endpoints and the request pipeline's fail-closed database
// probe.
package observability
