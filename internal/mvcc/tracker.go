package mvcc

import "sync"

type span struct{ min, max uint64 }

// Tracker records which keys a store wrote at which sequence. Stores use it
// to revert a staged sequence and to find the keys a checkpoint must flush.
type Tracker[K comparable] struct {
	mu      sync.Mutex
	touched map[uint64][]K
	dirty   map[K]span // unflushed writes per key
}

// NewTracker returns an empty Tracker.
func NewTracker[K comparable]() *Tracker[K] {
	return &Tracker[K]{
		touched: make(map[uint64][]K),
		dirty:   make(map[K]span),
	}
}

// Touch records that k was written at seq.
func (t *Tracker[K]) Touch(seq uint64, k K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touched[seq] = append(t.touched[seq], k)
	sp, ok := t.dirty[k]
	if !ok {
		t.dirty[k] = span{min: seq, max: seq}
		return
	}
	sp.min = min(sp.min, seq)
	sp.max = max(sp.max, seq)
	t.dirty[k] = sp
}

// Take removes and returns the keys written at seq.
func (t *Tracker[K]) Take(seq uint64) []K {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := t.touched[seq]
	delete(t.touched, seq)
	return keys
}

// Forget drops the revert record of seq once it can no longer be reverted.
func (t *Tracker[K]) Forget(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.touched, seq)
}

// Dirty returns every key with an unflushed write at or below snap.
func (t *Tracker[K]) Dirty(snap uint64) []K {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]K, 0, len(t.dirty))
	for k, sp := range t.dirty {
		if sp.min <= snap {
			keys = append(keys, k)
		}
	}
	return keys
}

// Clean marks every write at or below snap as flushed. Keys also written
// above snap stay dirty.
func (t *Tracker[K]) Clean(snap uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, sp := range t.dirty {
		switch {
		case sp.max <= snap:
			delete(t.dirty, k)
		case sp.min <= snap:
			t.dirty[k] = span{min: snap + 1, max: sp.max}
		}
	}
}

// Pending reports the number of dirty keys.
func (t *Tracker[K]) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirty)
}
