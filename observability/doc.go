// Package observability exports database metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	collector, err := observability.NewPrometheusCollector(reg)
//	db, err := strata.Open(ctx, strata.WithMetrics(collector))
//
// PrometheusCollector satisfies strata.MetricsCollector.
package observability
