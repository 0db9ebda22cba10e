package engine

import (
	"sync"
	"sync/atomic"
)

// Snapshot pins a published commit sequence. Every read made with its Seq
// observes exactly the transactions committed at or before it. Release it
// when done so garbage collection can reclaim older versions.
type Snapshot struct {
	Seq uint64

	reg      *snapshots
	released atomic.Bool
}

// Release unpins the snapshot. It is safe to call more than once.
func (s *Snapshot) Release() {
	if s == nil || s.reg == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	s.reg.release(s.Seq)
}

// snapshots counts active readers per sequence.
type snapshots struct {
	mu     sync.Mutex
	active map[uint64]int
}

func newSnapshots() *snapshots {
	return &snapshots{active: make(map[uint64]int)}
}

func (r *snapshots) acquire(visible *atomic.Uint64) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := visible.Load()
	r.active[seq]++
	return &Snapshot{Seq: seq, reg: r}
}

func (r *snapshots) pin(seq uint64) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[seq]++
	return &Snapshot{Seq: seq, reg: r}
}

func (r *snapshots) release(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[seq] <= 1 {
		delete(r.active, seq)
		return
	}
	r.active[seq]--
}

// horizon is the oldest sequence any reader can still observe.
func (r *snapshots) horizon(visible *atomic.Uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := visible.Load()
	for seq := range r.active {
		h = min(h, seq)
	}
	return h
}

func (r *snapshots) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.active {
		n += c
	}
	return n
}
