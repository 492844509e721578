// Package mvcc implements the multi-version store: per-key version chains
// stamped with hybrid logical clock timestamps, snapshot visibility rules
// for four isolation levels, and time-travel reads at an arbitrary
// historical timestamp.
package mvcc

import (
	"sync"

	"github.com/omendb/omen-sub002/pkg/hlc"
	"github.com/omendb/omen-sub002/pkg/keys"
)

// DefaultMaxVersionsPerKey bounds a version chain's length when the store
// is built with NewStore; the oldest version beyond the limit is dropped
// even if GC hasn't run, preventing an unbounded hot key from growing its
// chain forever. Configurable via config.yaml's mvcc.max_versions_per_key.
const DefaultMaxVersionsPerKey = 100

// Version is one write to a key: either a value or a tombstone (Ref ==
// nil), stamped with the timestamp it was written at and whether it has
// committed yet.
type Version struct {
	Timestamp       hlc.Timestamp
	TxnID           uint64
	Ref             keys.RowRef // nil marks a deletion
	Committed       bool
	CommitTimestamp hlc.Timestamp
}

// chain holds every version of one key, newest first.
type chain struct {
	mu       sync.RWMutex
	versions []Version
	maxLen   int
}

// add inserts v keeping the chain sorted newest-first, binary-searching
// for the insertion point, and caps the chain length at maxLen.
func (c *chain) add(v Version) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos := sortInsertPos(c.versions, v.Timestamp)
	c.versions = append(c.versions, Version{})
	copy(c.versions[pos+1:], c.versions[pos:])
	c.versions[pos] = v

	if c.maxLen > 0 && len(c.versions) > c.maxLen {
		c.versions = c.versions[:c.maxLen]
	}
}

// sortInsertPos finds the insertion index for ts in a newest-first slice.
func sortInsertPos(versions []Version, ts hlc.Timestamp) int {
	lo, hi := 0, len(versions)
	for lo < hi {
		mid := (lo + hi) / 2
		if ts.After(versions[mid].Timestamp) || ts.Equal(versions[mid].Timestamp) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// getAt returns the newest committed version visible at or before ts:
// committed, version timestamp <= ts, and (once set) commit timestamp
// <= ts.
func (c *chain) getAt(ts hlc.Timestamp) (Version, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.versions {
		if !v.Committed {
			continue
		}
		if v.Timestamp.After(ts) {
			continue
		}
		if v.CommitTimestamp != (hlc.Timestamp{}) && v.CommitTimestamp.After(ts) {
			continue
		}
		return v, true
	}
	return Version{}, false
}

// newestCommittedAfter reports whether any committed version's commit
// timestamp is strictly after ts — the check a serializable transaction's
// read-set validation uses to detect a concurrent writer.
func (c *chain) newestCommittedAfter(ts hlc.Timestamp) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.versions {
		if v.Committed && v.CommitTimestamp.After(ts) {
			return true
		}
	}
	return false
}

// commit marks the pending version written by txnID as committed at
// commitTS.
func (c *chain) commit(txnID uint64, commitTS hlc.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.versions {
		if c.versions[i].TxnID == txnID && !c.versions[i].Committed {
			c.versions[i].Committed = true
			c.versions[i].CommitTimestamp = commitTS
		}
	}
}

// rollback discards the uncommitted version written by txnID.
func (c *chain) rollback(txnID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.versions[:0]
	for _, v := range c.versions {
		if v.TxnID == txnID && !v.Committed {
			continue
		}
		out = append(out, v)
	}
	c.versions = out
}

// gc discards a committed version only once it is both older than horizon
// and shadowed by a newer committed version. The committed version with
// the greatest commit timestamp is never shadowed by anything, so it
// always survives regardless of age, keeping at least one version per
// still-live key. Uncommitted (in-flight) versions are never touched
// here; they are this key's newest write and aren't GC's concern.
func (c *chain) gc(horizon hlc.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.versions) <= 1 {
		return
	}

	newestCommitted := -1
	for i, v := range c.versions {
		if !v.Committed {
			continue
		}
		if newestCommitted == -1 || v.CommitTimestamp.After(c.versions[newestCommitted].CommitTimestamp) {
			newestCommitted = i
		}
	}

	keep := make([]Version, 0, len(c.versions))
	for i, v := range c.versions {
		if v.Committed && i != newestCommitted && v.CommitTimestamp.Before(horizon) {
			continue
		}
		keep = append(keep, v)
	}
	c.versions = keep
}
