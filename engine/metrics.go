package engine

import "time"

// MetricsObserver defines the interface for observing engine events.
type MetricsObserver interface {
	// OnCommit is called after every commit attempt with the number of staged operations.
	OnCommit(ops int, duration time.Duration, err error)

	// OnRollback is called when a transaction is discarded, with the reason.
	OnRollback(reason string)

	// OnRecovery is called once Open finished replaying the WAL.
	OnRecovery(replayed int, duration time.Duration)

	// OnCheckpoint is called when a checkpoint completes.
	OnCheckpoint(keys int, duration time.Duration, err error)

	// OnGC is called when a garbage collection pass completes.
	OnGC(pruned int, duration time.Duration)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnCommit(int, time.Duration, error)     {}
func (NoopMetricsObserver) OnRollback(string)                      {}
func (NoopMetricsObserver) OnRecovery(int, time.Duration)          {}
func (NoopMetricsObserver) OnCheckpoint(int, time.Duration, error) {}
func (NoopMetricsObserver) OnGC(int, time.Duration)                {}
