package alex

import (
	"sync"
	"sync/atomic"

	"github.com/omendb/omen-sub002/pkg/errors"
	"github.com/omendb/omen-sub002/pkg/keys"
)

const (
	// MinDensity and MaxDensity bound a gapped leaf's load factor; below
	// MinDensity the leaf is a candidate for merging, above MaxDensity it
	// must split or retrain to make room for gaps again.
	MinDensity = 0.3
	MaxDensity = 0.8

	// bulkBuildFanout is the target number of keys per leaf when building
	// from a sorted batch.
	bulkBuildFanout = 64

	minFanout = 16
	maxFanout = 256

	// errBoundSafety pads the measured worst-case prediction error so a
	// handful of post-build inserts don't immediately violate the bound.
	errBoundSafety = 2
)

// slot is one cell of a gapped leaf array: either empty, or holding a key
// and the row reference the MVCC layer resolves to a version chain.
type slot struct {
	occupied bool
	key      keys.Key
	ref      keys.RowRef
}

// entry is an occupied (key, ref) pair pulled out of the gapped array for
// sorting during split/retrain/range.
type entry struct {
	key keys.Key
	ref keys.RowRef
}

// Leaf is a gapped array with a linear model over its occupied slots. An
// insert is positioned by the model and then probed for the nearest gap.
// The leaf tracks its key range, the model's worst-case prediction error,
// and whether a lookup has had to fall past that bound since the last
// retrain.
type Leaf struct {
	mu       sync.RWMutex
	model    LinearModel
	slots    []slot
	count    int
	next     *Leaf // sibling chain, left to right, for range scans
	minKey   keys.Key
	maxKey   keys.Key
	hasRange bool

	errBound     int
	needsRetrain atomic.Bool
}

// NewLeaf builds a leaf from sorted (key, ref) pairs with a target density
// around MaxDensity's midpoint, leaving gaps for future inserts.
func NewLeaf(sortedKeys []keys.Key, sortedRefs []keys.RowRef) *Leaf {
	n := len(sortedKeys)
	capacity := n
	if n > 0 {
		capacity = int(float64(n) / 0.6)
	}
	if capacity < minFanout {
		capacity = minFanout
	}

	l := &Leaf{slots: make([]slot, capacity)}
	if n == 0 {
		return l
	}

	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, k := range sortedKeys {
		xs[i] = float64(k)
		ys[i] = float64(i) * float64(capacity) / float64(n)
	}
	l.model = trainLinear(xs, ys)

	// Place keys in model order, resolving collisions by linear probing
	// forward, preserving sortedness in the common case where the model
	// is reasonably monotonic in key order (keys are pre-sorted).
	maxErr := 0
	for i, k := range sortedKeys {
		predicted := l.model.Predict(k, capacity)
		pos := l.findGapFrom(predicted)
		l.slots[pos] = slot{occupied: true, key: k, ref: sortedRefs[i]}
		if d := absInt(pos - predicted); d > maxErr {
			maxErr = d
		}
	}
	l.count = n
	l.minKey = sortedKeys[0]
	l.maxKey = sortedKeys[n-1]
	l.hasRange = true
	l.errBound = maxErr + errBoundSafety
	return l
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func (l *Leaf) findGapFrom(pos int) int {
	for i := pos; i < len(l.slots); i++ {
		if !l.slots[i].occupied {
			return i
		}
	}
	for i := pos - 1; i >= 0; i-- {
		if !l.slots[i].occupied {
			return i
		}
	}
	return pos
}

// Lock/Unlock/RLock/RUnlock implement the latch-crabbing contract shared
// with the inner routing nodes.
func (l *Leaf) Lock()    { l.mu.Lock() }
func (l *Leaf) Unlock()  { l.mu.Unlock() }
func (l *Leaf) RLock()   { l.mu.RLock() }
func (l *Leaf) RUnlock() { l.mu.RUnlock() }

// Density returns the leaf's current load factor.
func (l *Leaf) Density() float64 {
	if len(l.slots) == 0 {
		return 0
	}
	return float64(l.count) / float64(len(l.slots))
}

// IsFull reports whether the leaf has crossed MaxDensity and must split or
// retrain before it can accept another insert.
func (l *Leaf) IsFull() bool {
	return l.Density() >= MaxDensity
}

// ErrorBound returns the leaf's current worst-case prediction error, the
// radius lookups probe around the model's prediction before falling back
// to a full scan.
func (l *Leaf) ErrorBound() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.errBound
}

// NeedsRetrain reports whether a lookup or insert has landed outside the
// error bound since the last retrain.
func (l *Leaf) NeedsRetrain() bool {
	return l.needsRetrain.Load()
}

// Get looks up key, using the model's prediction as a starting point and
// expanding outward up to the error bound, then falling back to a full
// probe (and flagging the leaf for retrain) only when the bound fails.
func (l *Leaf) Get(key keys.Key) (keys.RowRef, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.find(key)
	if !ok {
		return nil, false
	}
	return l.slots[idx].ref, true
}

func (l *Leaf) find(key keys.Key) (int, bool) {
	if len(l.slots) == 0 || l.count == 0 {
		return 0, false
	}
	if l.hasRange && (key < l.minKey || key > l.maxKey) {
		return 0, false
	}
	pos := l.model.Predict(key, len(l.slots))
	if l.slots[pos].occupied && l.slots[pos].key == key {
		return pos, true
	}

	// Exponential probe outward, capped at the error bound.
	for step := 1; step <= l.errBound; step *= 2 {
		for _, cand := range [...]int{pos - step, pos + step} {
			if cand < 0 || cand >= len(l.slots) {
				continue
			}
			if l.slots[cand].occupied && l.slots[cand].key == key {
				return cand, true
			}
		}
	}
	// The bound only narrows where a present key can be; a miss inside it
	// is not proof of absence, since probing steps over gaps. Fall back to
	// the full leaf and flag the model for retraining.
	for i := range l.slots {
		if l.slots[i].occupied && l.slots[i].key == key {
			l.needsRetrain.Store(true)
			return i, true
		}
	}
	return 0, false
}

// DuplicatePolicy controls Insert's behavior when the key is already
// present.
type DuplicatePolicy int

const (
	// RejectDuplicate fails the insert with DuplicateKeyError.
	RejectDuplicate DuplicatePolicy = iota
	// OverwriteDuplicate replaces the existing row reference.
	OverwriteDuplicate
)

// Insert places (key, ref) in the leaf. The caller must hold the write
// lock (acquired via latch crabbing before descent reaches this leaf).
func (l *Leaf) Insert(key keys.Key, ref keys.RowRef, policy DuplicatePolicy) error {
	if idx, ok := l.find(key); ok {
		if policy == RejectDuplicate {
			return &errors.DuplicateKeyError{Key: int64(key)}
		}
		l.slots[idx].ref = ref
		return nil
	}

	if l.count >= len(l.slots) {
		return &errors.InvariantViolationError{Component: "alex", Detail: "insert into full leaf without prior split"}
	}

	predicted := l.model.Predict(key, len(l.slots))
	pos := l.findGapFrom(predicted)
	l.slots[pos] = slot{occupied: true, key: key, ref: ref}
	l.count++
	if d := absInt(pos - predicted); d > l.errBound {
		l.needsRetrain.Store(true)
	}
	if !l.hasRange || key < l.minKey {
		l.minKey = key
	}
	if !l.hasRange || key > l.maxKey {
		l.maxKey = key
	}
	l.hasRange = true
	return nil
}

// Delete tombstones a key by clearing its slot. Physical compaction happens
// via retrain/merge, not here, so concurrent readers never observe a
// half-shifted array. The caller must hold the write lock.
func (l *Leaf) Delete(key keys.Key) bool {
	idx, ok := l.find(key)
	if !ok {
		return false
	}
	l.slots[idx] = slot{}
	l.count--
	return true
}

// Range returns every (key, ref) pair in [lo, hi] in key order. The caller
// must hold at least a read lock.
func (l *Leaf) Range(lo, hi keys.Key) []struct {
	Key keys.Key
	Ref keys.RowRef
} {
	items := make([]entry, 0, l.count)
	for _, s := range l.slots {
		if s.occupied && s.key >= lo && s.key <= hi {
			items = append(items, entry{s.key, s.ref})
		}
	}
	sortEntries(items)

	out := make([]struct {
		Key keys.Key
		Ref keys.RowRef
	}, 0, len(items))
	for _, it := range items {
		out = append(out, struct {
			Key keys.Key
			Ref keys.RowRef
		}{it.key, it.ref})
	}
	return out
}

// entries collects the occupied cells in ascending key order.
func (l *Leaf) entries() []entry {
	items := make([]entry, 0, l.count)
	for _, s := range l.slots {
		if s.occupied {
			items = append(items, entry{s.key, s.ref})
		}
	}
	sortEntries(items)
	return items
}

func sortEntries(items []entry) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].key < items[j-1].key; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// Split divides the leaf's occupied entries roughly in half by key order,
// returning a new right-hand leaf and the split key (the first key routed
// to the right leaf). The caller must hold the leaf's write lock.
func (l *Leaf) Split() (right *Leaf, splitKey keys.Key, err error) {
	if l.count == 0 {
		return nil, 0, &errors.InvariantViolationError{Component: "alex", Detail: "split of empty leaf"}
	}

	items := l.entries()
	mid := len(items) / 2
	leftKeys := make([]keys.Key, mid)
	leftRefs := make([]keys.RowRef, mid)
	rightKeys := make([]keys.Key, len(items)-mid)
	rightRefs := make([]keys.RowRef, len(items)-mid)
	for i := 0; i < mid; i++ {
		leftKeys[i], leftRefs[i] = items[i].key, items[i].ref
	}
	for i := mid; i < len(items); i++ {
		rightKeys[i-mid], rightRefs[i-mid] = items[i].key, items[i].ref
	}

	rebuiltLeft := NewLeaf(leftKeys, leftRefs)
	rebuiltRight := NewLeaf(rightKeys, rightRefs)
	rebuiltRight.next = l.next

	l.adopt(rebuiltLeft)
	l.next = rebuiltRight
	return rebuiltRight, rightKeys[0], nil
}

// adopt copies a rebuilt leaf's state into l field by field rather than
// via `*l = *rebuilt`: l's mu is held locked by the caller, and
// overwriting the whole struct would clobber it with the rebuilt leaf's
// fresh, unlocked mutex.
func (l *Leaf) adopt(rebuilt *Leaf) {
	l.model = rebuilt.model
	l.slots = rebuilt.slots
	l.count = rebuilt.count
	l.minKey = rebuilt.minKey
	l.maxKey = rebuilt.maxKey
	l.hasRange = rebuilt.hasRange
	l.errBound = rebuilt.errBound
	l.needsRetrain.Store(false)
}

// Retrain rebuilds the leaf's model over its current occupied entries
// without changing membership, restoring prediction accuracy (and a tight
// error bound) after a run of inserts has skewed the layout. The rebuilt
// array also regrows gap headroom, so a leaf at MaxDensity comes out of
// retraining able to absorb inserts again. The caller must hold the
// write lock.
func (l *Leaf) Retrain() {
	items := l.entries()
	ks := make([]keys.Key, len(items))
	rs := make([]keys.RowRef, len(items))
	for i, it := range items {
		ks[i], rs[i] = it.key, it.ref
	}
	l.adopt(NewLeaf(ks, rs))
}

// MinKey and MaxKey report the leaf's key range. Only valid when count > 0.
func (l *Leaf) MinKey() keys.Key { return l.minKey }
func (l *Leaf) MaxKey() keys.Key { return l.maxKey }

// Count returns the number of occupied slots.
func (l *Leaf) Count() int { return l.count }
