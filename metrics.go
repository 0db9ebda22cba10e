package strata

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/strata/engine"
)

// MetricsCollector defines an interface for collecting operational metrics.
// observability.PrometheusCollector implements it on top of
// prometheus/client_golang.
type MetricsCollector interface {
	// RecordCommit is called after every commit attempt with the number of
	// staged operations.
	RecordCommit(ops int, duration time.Duration, err error)

	// RecordRollback is called when a transaction is discarded. reason is
	// "rollback", "timeout", "conflict" or the failed commit stage.
	RecordRollback(reason string)

	// RecordQuery is called after each query with the number of ranked items.
	RecordQuery(items int, duration time.Duration, err error)

	// RecordIngest is called after each Ingest or IngestBatch call.
	RecordIngest(duration time.Duration, err error)

	// RecordRecovery is called once Open replayed the WAL.
	RecordRecovery(entries int, duration time.Duration)

	// RecordGC is called after each garbage collection pass.
	RecordGC(pruned int, duration time.Duration)

	// RecordCheckpoint is called after each checkpoint.
	RecordCheckpoint(keys int, duration time.Duration, err error)

	// RecordBackup is called after each backup with the exported record count.
	RecordBackup(records int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCommit(int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordRollback(string)                      {}
func (NoopMetricsCollector) RecordQuery(int, time.Duration, error)      {}
func (NoopMetricsCollector) RecordIngest(time.Duration, error)          {}
func (NoopMetricsCollector) RecordRecovery(int, time.Duration)          {}
func (NoopMetricsCollector) RecordGC(int, time.Duration)                {}
func (NoopMetricsCollector) RecordCheckpoint(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordBackup(int64, time.Duration, error)   {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CommitCount      atomic.Int64
	CommitErrors     atomic.Int64
	CommitOps        atomic.Int64
	CommitTotalNanos atomic.Int64
	Rollbacks        atomic.Int64
	QueryCount       atomic.Int64
	QueryErrors      atomic.Int64
	QueryItems       atomic.Int64
	QueryTotalNanos  atomic.Int64
	IngestCount      atomic.Int64
	IngestErrors     atomic.Int64
	RecoveredEntries atomic.Int64
	GCRuns           atomic.Int64
	GCPruned         atomic.Int64
	CheckpointCount  atomic.Int64
	CheckpointErrors atomic.Int64
	CheckpointKeys   atomic.Int64
	BackupCount      atomic.Int64
	BackupErrors     atomic.Int64
	BackupRecords    atomic.Int64
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(ops int, duration time.Duration, err error) {
	b.CommitCount.Add(1)
	b.CommitOps.Add(int64(ops))
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordRollback implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRollback(string) {
	b.Rollbacks.Add(1)
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(items int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
		return
	}
	b.QueryItems.Add(int64(items))
}

// RecordIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIngest(_ time.Duration, err error) {
	b.IngestCount.Add(1)
	if err != nil {
		b.IngestErrors.Add(1)
	}
}

// RecordRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecovery(entries int, _ time.Duration) {
	b.RecoveredEntries.Add(int64(entries))
}

// RecordGC implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGC(pruned int, _ time.Duration) {
	b.GCRuns.Add(1)
	b.GCPruned.Add(int64(pruned))
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(keys int, _ time.Duration, err error) {
	b.CheckpointCount.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
		return
	}
	b.CheckpointKeys.Add(int64(keys))
}

// RecordBackup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBackup(records int64, _ time.Duration, err error) {
	b.BackupCount.Add(1)
	if err != nil {
		b.BackupErrors.Add(1)
		return
	}
	b.BackupRecords.Add(records)
}

// Stats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) Stats() BasicMetricsStats {
	return BasicMetricsStats{
		CommitCount:      b.CommitCount.Load(),
		CommitErrors:     b.CommitErrors.Load(),
		CommitOps:        b.CommitOps.Load(),
		CommitAvgNanos:   avg(b.CommitTotalNanos.Load(), b.CommitCount.Load()),
		Rollbacks:        b.Rollbacks.Load(),
		QueryCount:       b.QueryCount.Load(),
		QueryErrors:      b.QueryErrors.Load(),
		QueryItems:       b.QueryItems.Load(),
		QueryAvgNanos:    avg(b.QueryTotalNanos.Load(), b.QueryCount.Load()),
		IngestCount:      b.IngestCount.Load(),
		IngestErrors:     b.IngestErrors.Load(),
		RecoveredEntries: b.RecoveredEntries.Load(),
		GCRuns:           b.GCRuns.Load(),
		GCPruned:         b.GCPruned.Load(),
		CheckpointCount:  b.CheckpointCount.Load(),
		CheckpointErrors: b.CheckpointErrors.Load(),
		CheckpointKeys:   b.CheckpointKeys.Load(),
		BackupCount:      b.BackupCount.Load(),
		BackupErrors:     b.BackupErrors.Load(),
		BackupRecords:    b.BackupRecords.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CommitCount      int64
	CommitErrors     int64
	CommitOps        int64
	CommitAvgNanos   int64
	Rollbacks        int64
	QueryCount       int64
	QueryErrors      int64
	QueryItems       int64
	QueryAvgNanos    int64
	IngestCount      int64
	IngestErrors     int64
	RecoveredEntries int64
	GCRuns           int64
	GCPruned         int64
	CheckpointCount  int64
	CheckpointErrors int64
	CheckpointKeys   int64
	BackupCount      int64
	BackupErrors     int64
	BackupRecords    int64
}

// engineMetrics forwards engine events to a MetricsCollector.
type engineMetrics struct {
	c MetricsCollector
}

var _ engine.MetricsObserver = engineMetrics{}

func (m engineMetrics) OnCommit(ops int, d time.Duration, err error) { m.c.RecordCommit(ops, d, err) }
func (m engineMetrics) OnRollback(reason string)                     { m.c.RecordRollback(reason) }
func (m engineMetrics) OnRecovery(replayed int, d time.Duration)     { m.c.RecordRecovery(replayed, d) }
func (m engineMetrics) OnCheckpoint(keys int, d time.Duration, err error) {
	m.c.RecordCheckpoint(keys, d, err)
}
func (m engineMetrics) OnGC(pruned int, d time.Duration) { m.c.RecordGC(pruned, d) }
