package history

import (
	"context"
	"fmt"

	"github.com/hupe1980/strata/codec"
	"github.com/hupe1980/strata/internal/mvcc"
	"github.com/hupe1980/strata/kv"
	"github.com/hupe1980/strata/model"
)

// Load reads the version, chain and branch key spaces from r as the base
// state at sequence 0. It must run before the store serves reads or writes.
func (s *Store) Load(ctx context.Context, r kv.Reader) (versions int, err error) {
	c := s.opts.Codec

	err = r.Scan(ctx, []byte(kv.PrefixVersion), func(_, value []byte) error {
		e, err := codec.Decode[*model.VersionEntry](c, value)
		if err != nil {
			return err
		}
		s.versions.Put(e.ID, e, 0)
		versions++
		return nil
	})
	if err != nil {
		return versions, fmt.Errorf("load versions: %w", err)
	}

	err = r.Scan(ctx, []byte(kv.PrefixChain), func(key, value []byte) error {
		entity, err := kv.TrimID(key, kv.PrefixChain)
		if err != nil {
			return &model.CorruptionError{Offset: -1, Reason: fmt.Sprintf("chain key %q", key), Err: err}
		}
		chain, err := codec.Decode[[]model.VersionID](c, value)
		if err != nil {
			return err
		}
		s.chains.Put(entity, chain, 0)
		return nil
	})
	if err != nil {
		return versions, fmt.Errorf("load chains: %w", err)
	}

	err = r.Scan(ctx, []byte(kv.PrefixBranch), func(_, value []byte) error {
		b, err := codec.Decode[*model.Branch](c, value)
		if err != nil {
			return err
		}
		s.branches.Put(b.Name, b, 0)
		return nil
	})
	if err != nil {
		return versions, fmt.Errorf("load branches: %w", err)
	}
	return versions, nil
}

// WriteDirty adds every version, chain and branch changed at or below snap
// to b, as its value at snap or as a delete.
func (s *Store) WriteDirty(snap uint64, b *kv.Batch) (int, error) {
	c := s.opts.Codec
	n1, err := flush(b, c, s.versions, s.versionT.Dirty(snap), kv.VersionKey, snap)
	if err != nil {
		return n1, err
	}
	n2, err := flush(b, c, s.chains, s.chainT.Dirty(snap), kv.ChainKey, snap)
	if err != nil {
		return n1 + n2, err
	}
	n3, err := flush(b, c, s.branches, s.branchT.Dirty(snap), kv.BranchKey, snap)
	return n1 + n2 + n3, err
}

func flush[K comparable, V any](b *kv.Batch, c codec.Codec, m *mvcc.Map[K, V], keys []K, keyFn func(K) []byte, snap uint64) (int, error) {
	for _, k := range keys {
		v, ok := m.Get(k, snap)
		if !ok {
			b.Delete(keyFn(k))
			continue
		}
		data, err := codec.Encode(c, v)
		if err != nil {
			return 0, err
		}
		b.Put(keyFn(k), data)
	}
	return len(keys), nil
}

// Clean forgets changes flushed by a successful checkpoint at snap.
func (s *Store) Clean(snap uint64) {
	s.versionT.Clean(snap)
	s.chainT.Clean(snap)
	s.branchT.Clean(snap)
}

// Export calls fn with the persisted form of every version, chain and
// branch visible at snap.
func (s *Store) Export(ctx context.Context, snap uint64, fn func(key, value []byte) error) error {
	emit := func(key []byte, v any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := codec.Encode(s.opts.Codec, v)
		if err != nil {
			return err
		}
		return fn(key, data)
	}
	for id, e := range s.versions.All(snap) {
		if err := emit(kv.VersionKey(id), e); err != nil {
			return err
		}
	}
	for id, chain := range s.chains.All(snap) {
		if err := emit(kv.ChainKey(id), chain); err != nil {
			return err
		}
	}
	for name, b := range s.branches.All(snap) {
		if err := emit(kv.BranchKey(name), b); err != nil {
			return err
		}
	}
	return nil
}

// Prune drops superseded chain and branch versions no reader at or above
// horizon can see. Version entries are immutable and only lose their
// staged history. Fully deleted keys are queued for Sweep.
func (s *Store) Prune(horizon uint64, visit func() bool) int {
	p1, dv := s.versions.Prune(horizon, visit)
	p2, dc := s.chains.Prune(horizon, visit)
	p3, db := s.branches.Prune(horizon, visit)

	s.gcMu.Lock()
	s.dead.versions = append(s.dead.versions, dv...)
	s.dead.chains = append(s.dead.chains, dc...)
	s.dead.branches = append(s.dead.branches, db...)
	s.gcMu.Unlock()
	return p1 + p2 + p3
}

// Sweep physically removes keys queued by Prune. The caller must exclude
// writers.
func (s *Store) Sweep(horizon uint64) int {
	s.gcMu.Lock()
	dv, dc, db := s.dead.versions, s.dead.chains, s.dead.branches
	s.dead.versions, s.dead.chains, s.dead.branches = nil, nil, nil
	s.gcMu.Unlock()

	n := 0
	for _, k := range dv {
		if s.versions.Remove(k, horizon) {
			n++
		}
	}
	for _, k := range dc {
		if s.chains.Remove(k, horizon) {
			n++
		}
	}
	for _, k := range db {
		if s.branches.Remove(k, horizon) {
			n++
		}
	}
	return n
}

