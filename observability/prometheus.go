package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusOptions configures NewPrometheusCollector.
type PrometheusOptions struct {
	// Namespace prefixes every metric name.
	Namespace string

	// Buckets for the latency histogram.
	Buckets []float64

	// ConstLabels are attached to every metric.
	ConstLabels prometheus.Labels
}

// DefaultPrometheusOptions are the defaults used by NewPrometheusCollector.
var DefaultPrometheusOptions = PrometheusOptions{
	Namespace: "strata",
	Buckets:   prometheus.DefBuckets,
}

// PrometheusCollector records operations as Prometheus counters and
// histograms.
type PrometheusCollector struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	rollbacks  *prometheus.CounterVec

	committedOps   prometheus.Counter
	queryItems     prometheus.Histogram
	replayed       prometheus.Gauge
	gcPruned       prometheus.Counter
	checkpointKeys prometheus.Counter
	backupRecords  prometheus.Counter
}

// NewPrometheusCollector creates the metrics and registers them on reg.
func NewPrometheusCollector(reg prometheus.Registerer, optFns ...func(o *PrometheusOptions)) (*PrometheusCollector, error) {
	opts := DefaultPrometheusOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(opts.Buckets) == 0 {
		opts.Buckets = prometheus.DefBuckets
	}

	ns, cl := opts.Namespace, opts.ConstLabels
	c := &PrometheusCollector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "operations_total", ConstLabels: cl,
			Help: "Operations by kind and outcome.",
		}, []string{"op", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "operation_duration_seconds", ConstLabels: cl,
			Help:    "Latency of operations.",
			Buckets: opts.Buckets,
		}, []string{"op"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "rollbacks_total", ConstLabels: cl,
			Help: "Rolled back transactions by reason.",
		}, []string{"reason"}),
		committedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "committed_operations_total", ConstLabels: cl,
			Help: "Staged operations applied by committed transactions.",
		}),
		queryItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "query_items", ConstLabels: cl,
			Help:    "Items returned per query.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		replayed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "recovery_replayed_transactions", ConstLabels: cl,
			Help: "WAL transactions replayed by the last recovery.",
		}),
		gcPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "gc_pruned_versions_total", ConstLabels: cl,
			Help: "Record versions dropped by garbage collection.",
		}),
		checkpointKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "checkpoint_keys_total", ConstLabels: cl,
			Help: "Keys written by checkpoints.",
		}),
		backupRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "backup_records_total", ConstLabels: cl,
			Help: "Key-value records written to backups.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.operations, c.latency, c.rollbacks, c.committedOps, c.queryItems,
		c.replayed, c.gcPruned, c.checkpointKeys, c.backupRecords,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusCollector) observe(op string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.operations.WithLabelValues(op, status).Inc()
	c.latency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordCommit implements strata.MetricsCollector.
func (c *PrometheusCollector) RecordCommit(ops int, d time.Duration, err error) {
	c.observe("commit", d, err)
	if err == nil {
		c.committedOps.Add(float64(ops))
	}
}

// RecordRollback implements strata.MetricsCollector.
func (c *PrometheusCollector) RecordRollback(reason string) {
	c.rollbacks.WithLabelValues(reason).Inc()
}

// RecordQuery implements strata.MetricsCollector.
func (c *PrometheusCollector) RecordQuery(items int, d time.Duration, err error) {
	c.observe("query", d, err)
	if err == nil {
		c.queryItems.Observe(float64(items))
	}
}

// RecordIngest implements strata.MetricsCollector.
func (c *PrometheusCollector) RecordIngest(d time.Duration, err error) {
	c.observe("ingest", d, err)
}

// RecordRecovery implements strata.MetricsCollector.
func (c *PrometheusCollector) RecordRecovery(entries int, d time.Duration) {
	c.observe("recovery", d, nil)
	c.replayed.Set(float64(entries))
}

// RecordGC implements strata.MetricsCollector.
func (c *PrometheusCollector) RecordGC(pruned int, d time.Duration) {
	c.observe("gc", d, nil)
	c.gcPruned.Add(float64(pruned))
}

// RecordCheckpoint implements strata.MetricsCollector.
func (c *PrometheusCollector) RecordCheckpoint(keys int, d time.Duration, err error) {
	c.observe("checkpoint", d, err)
	if err == nil {
		c.checkpointKeys.Add(float64(keys))
	}
}

// RecordBackup implements strata.MetricsCollector.
func (c *PrometheusCollector) RecordBackup(records int64, d time.Duration, err error) {
	c.observe("backup", d, err)
	if err == nil {
		c.backupRecords.Add(float64(records))
	}
}
