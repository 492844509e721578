package mvcc

import (
	"sync"

	"github.com/omendb/omen-sub002/pkg/hlc"
	"github.com/omendb/omen-sub002/pkg/keys"
)

// shardCount partitions the key space by key hash so a hot key in one
// shard never blocks a transaction reading an unrelated key, instead of
// funneling every chain access through one global lock.
const shardCount = 64

// Store is the multi-version key-value store. It owns no index: callers
// resolve a key to its chain through Store directly; the ALEX/RMI layer
// above only ever stores row references, which live here.
type Store struct {
	shards [shardCount]struct {
		mu   sync.RWMutex
		data map[keys.Key]*chain
	}
	Clock *hlc.Clock

	maxVersionsPerKey int
}

// NewStore returns an empty store with its own HLC and the default
// per-key version cap (mvcc.max_versions_per_key's default of 100).
func NewStore() *Store {
	return NewStoreWithVersionCap(DefaultMaxVersionsPerKey)
}

// NewStoreWithVersionCap returns an empty store whose chains are capped at
// maxVersionsPerKey, the knob config.yaml exposes as
// mvcc.max_versions_per_key. A cap of 0 means unbounded.
func NewStoreWithVersionCap(maxVersionsPerKey int) *Store {
	s := &Store{Clock: hlc.NewClock(), maxVersionsPerKey: maxVersionsPerKey}
	for i := range s.shards {
		s.shards[i].data = make(map[keys.Key]*chain)
	}
	return s
}

func (s *Store) shardFor(k keys.Key) *struct {
	mu   sync.RWMutex
	data map[keys.Key]*chain
} {
	idx := uint64(k) % shardCount
	return &s.shards[idx]
}

func (s *Store) chainFor(k keys.Key, createIfAbsent bool) *chain {
	shard := s.shardFor(k)

	shard.mu.RLock()
	c, ok := shard.data[k]
	shard.mu.RUnlock()
	if ok || !createIfAbsent {
		return c
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if c, ok = shard.data[k]; ok {
		return c
	}
	c = &chain{maxLen: s.maxVersionsPerKey}
	shard.data[k] = c
	return c
}

// GetAtTimestamp performs a time-travel read: the newest version visible
// at or before ts, ignoring any notion of an active transaction.
func (s *Store) GetAtTimestamp(k keys.Key, ts hlc.Timestamp) (keys.RowRef, bool) {
	c := s.chainFor(k, false)
	if c == nil {
		return nil, false
	}
	v, ok := c.getAt(ts)
	if !ok || v.Ref == nil {
		return nil, false
	}
	return v.Ref, true
}

// HasChain reports whether any version chain exists for k, committed or
// not. A key recovered into the learned index from the log has no chain
// until it is written again.
func (s *Store) HasChain(k keys.Key) bool {
	return s.chainFor(k, false) != nil
}

// writeVersion appends an uncommitted version for txnID, creating the
// key's chain on first write.
func (s *Store) writeVersion(k keys.Key, txnID uint64, ts hlc.Timestamp, ref keys.RowRef) {
	c := s.chainFor(k, true)
	c.add(Version{Timestamp: ts, TxnID: txnID, Ref: ref})
}

// commitVersion marks txnID's pending write to k as committed at commitTS.
func (s *Store) commitVersion(k keys.Key, txnID uint64, commitTS hlc.Timestamp) {
	c := s.chainFor(k, false)
	if c != nil {
		c.commit(txnID, commitTS)
	}
}

// rollbackVersion discards txnID's uncommitted write to k.
func (s *Store) rollbackVersion(k keys.Key, txnID uint64) {
	c := s.chainFor(k, false)
	if c != nil {
		c.rollback(txnID)
	}
}

// hasConcurrentCommit reports whether k received a commit strictly after
// ts — used by serializable commit validation.
func (s *Store) hasConcurrentCommit(k keys.Key, ts hlc.Timestamp) bool {
	c := s.chainFor(k, false)
	if c == nil {
		return false
	}
	return c.newestCommittedAfter(ts)
}

// GarbageCollect drops committed versions older than horizon across every
// key, always preserving at least one version per key.
func (s *Store) GarbageCollect(horizon hlc.Timestamp) {
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.RLock()
		chains := make([]*chain, 0, len(shard.data))
		for _, c := range shard.data {
			chains = append(chains, c)
		}
		shard.mu.RUnlock()

		for _, c := range chains {
			c.gc(horizon)
		}
	}
}
