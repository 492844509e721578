package alex

import (
	"sort"
	"sync"

	"github.com/omendb/omen-sub002/pkg/errors"
	"github.com/omendb/omen-sub002/pkg/keys"
)

// Height selection breakpoints: small trees get a single routing level
// directly over the leaves, larger ones add intermediate routing levels
// to keep per-level fanout bounded.
const (
	heightOneBreakpoint = 10_000
	heightTwoBreakpoint = 10_000_000
)

func calculateHeight(numKeys int) int {
	switch {
	case numKeys <= heightOneBreakpoint:
		return 1
	case numKeys <= heightTwoBreakpoint:
		return 2
	default:
		return 3
	}
}

// Tree is the multi-level learned index: a stack of inner routing levels
// built bottom-up over a sorted run of gapped leaves. Readers hold at
// most one node latch at a time (each level is released before the next
// is taken); structural writers serialize on the tree mutex and take
// node latches top-down, so the two never hold latches in opposite
// order.
type Tree struct {
	mu     sync.RWMutex
	root   *inner
	leaves []*Leaf
	height int
	policy DuplicatePolicy
}

// NewTree builds an empty tree with a single empty leaf.
func NewTree(policy DuplicatePolicy) *Tree {
	leaf := NewLeaf(nil, nil)
	root := buildInnerFromLeaves([]*Leaf{leaf})
	return &Tree{root: root, leaves: []*Leaf{leaf}, height: 1, policy: policy}
}

// BulkBuild constructs a tree from a sorted run of (key, ref) pairs in one
// pass: partition into ~64-key leaves, then stack inner routing levels
// bottom-up until the configured height is reached.
func BulkBuild(sortedKeys []keys.Key, sortedRefs []keys.RowRef, policy DuplicatePolicy) (*Tree, error) {
	for i := 1; i < len(sortedKeys); i++ {
		if sortedKeys[i] < sortedKeys[i-1] {
			return nil, &errors.InvariantViolationError{Component: "alex", Detail: "BulkBuild requires sorted input"}
		}
	}

	var leaves []*Leaf
	if len(sortedKeys) == 0 {
		leaves = []*Leaf{NewLeaf(nil, nil)}
	} else {
		for start := 0; start < len(sortedKeys); start += bulkBuildFanout {
			end := start + bulkBuildFanout
			if end > len(sortedKeys) {
				end = len(sortedKeys)
			}
			leaves = append(leaves, NewLeaf(sortedKeys[start:end], sortedRefs[start:end]))
		}
		for i := 0; i+1 < len(leaves); i++ {
			leaves[i].next = leaves[i+1]
		}
	}

	height := calculateHeight(len(sortedKeys))
	root := buildLevels(leaves, height)

	return &Tree{root: root, leaves: leaves, height: height, policy: policy}, nil
}

// buildLevels stacks `height` inner routing levels over leaves, grouping
// children of each level into runs so no single node's fanout exceeds
// maxFanout.
func buildLevels(leaves []*Leaf, height int) *inner {
	if height <= 1 || len(leaves) <= maxFanout {
		return buildInnerFromLeaves(leaves)
	}

	// One level up: group leaves into inner nodes of at most maxFanout
	// children each, then recurse on the resulting inner nodes.
	var level []*inner
	var minKeys []keys.Key
	for start := 0; start < len(leaves); start += maxFanout {
		end := start + maxFanout
		if end > len(leaves) {
			end = len(leaves)
		}
		group := buildInnerFromLeaves(leaves[start:end])
		level = append(level, group)
		minKeys = append(minKeys, leaves[start].MinKey())
	}

	if len(level) == 1 {
		return level[0]
	}
	return buildInnerFromInnersRecursive(level, minKeys, height-1)
}

func buildInnerFromInnersRecursive(level []*inner, minKeys []keys.Key, remainingHeight int) *inner {
	if remainingHeight <= 1 || len(level) <= maxFanout {
		return buildInnerFromInners(level, minKeys)
	}

	var nextLevel []*inner
	var nextMinKeys []keys.Key
	for start := 0; start < len(level); start += maxFanout {
		end := start + maxFanout
		if end > len(level) {
			end = len(level)
		}
		group := buildInnerFromInners(level[start:end], minKeys[start:end])
		nextLevel = append(nextLevel, group)
		nextMinKeys = append(nextMinKeys, minKeys[start])
	}
	return buildInnerFromInnersRecursive(nextLevel, nextMinKeys, remainingHeight-1)
}

// Get looks up key via model-guided descent through inner levels to the
// owning leaf, then a bounded probe inside it.
func (t *Tree) Get(key keys.Key) (keys.RowRef, bool) {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()

	leaf := descendToLeaf(root, key)
	return leaf.Get(key)
}

// descendToLeaf routes key down the inner levels. Each node's latch is
// released before the child's is taken, so a descent never holds two
// latches at once.
func descendToLeaf(n *inner, key keys.Key) *Leaf {
	for {
		n.RLock()
		idx := n.childIndex(key)
		if n.kind == childKindLeaf {
			leaf := n.leafChild(idx)
			n.RUnlock()
			return leaf
		}
		child := n.innerChild(idx)
		n.RUnlock()
		n = child
	}
}

// Insert places (key, ref). A leaf at MaxDensity is restructured before
// the insert lands: under a single routing level it splits (growing the
// root's fanout); under a deeper tree it retrains in place, which regrows
// gap headroom without touching the routing levels above it.
func (t *Tree) Insert(key keys.Key, ref keys.RowRef) error {
	for {
		t.mu.RLock()
		root := t.root
		t.mu.RUnlock()

		leaf := descendToLeaf(root, key)
		leaf.Lock()
		if !leaf.IsFull() {
			err := leaf.Insert(key, ref, t.policy)
			leaf.Unlock()
			return err
		}
		leaf.Unlock()

		if err := t.restructureFullLeaf(key); err != nil {
			return err
		}
	}
}

// restructureFullLeaf makes room in the leaf owning key, if it is still
// full by the time the tree lock is held (another writer may have beaten
// us to it).
func (t *Tree) restructureFullLeaf(key keys.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf := descendToLeaf(t.root, key)
	if t.root.kind != childKindLeaf {
		leaf.Lock()
		if leaf.IsFull() {
			leaf.Retrain()
		}
		leaf.Unlock()
		return nil
	}

	root := t.root
	root.Lock()
	defer root.Unlock()
	leaf.Lock()
	defer leaf.Unlock()

	if !leaf.IsFull() {
		return nil
	}
	idx := root.leafIndexOf(leaf)
	if idx < 0 {
		return &errors.InvariantViolationError{Component: "alex", Detail: "leaf vanished from root during restructure"}
	}
	right, splitKey, err := leaf.Split()
	if err != nil {
		return err
	}
	root.insertLeafChild(idx, right, splitKey)

	pos := leafPos(t.leaves, leaf)
	t.leaves = append(t.leaves[:pos+1:pos+1], append([]*Leaf{right}, t.leaves[pos+1:]...)...)
	return nil
}

func leafPos(leaves []*Leaf, leaf *Leaf) int {
	for i, lf := range leaves {
		if lf == leaf {
			return i
		}
	}
	return len(leaves) - 1
}

// Delete tombstones key at the leaf level, merging the leaf into a
// sibling once the pair's combined density drops below MinDensity.
func (t *Tree) Delete(key keys.Key) bool {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()

	leaf := descendToLeaf(root, key)
	leaf.Lock()
	deleted := leaf.Delete(key)
	sparse := deleted && leaf.Density() < MinDensity
	leaf.Unlock()

	if sparse {
		t.maybeMergeAround(key)
	}
	return deleted
}

// maybeMergeAround merges the leaf owning key with its right neighbor
// (or, for the rightmost leaf, its left neighbor) when their combined
// density is below MinDensity. Only single-routing-level trees merge
// eagerly; under a deeper tree the sparse leaf is left for the next bulk
// rebuild, the same policy restructureFullLeaf applies to splits.
func (t *Tree) maybeMergeAround(key keys.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root.kind != childKindLeaf || len(t.root.leafChildren) < 2 {
		return
	}
	root := t.root
	root.Lock()
	defer root.Unlock()

	idx := root.childIndex(key)
	if idx+1 >= len(root.leafChildren) {
		idx--
	}
	left, right := root.leafChildren[idx], root.leafChildren[idx+1]

	left.Lock()
	defer left.Unlock()
	right.Lock()
	defer right.Unlock()

	combined := float64(left.Count() + right.Count())
	capacity := float64(len(left.slots) + len(right.slots))
	if capacity == 0 || combined/capacity >= MinDensity {
		return
	}

	items := append(left.entries(), right.entries()...)
	ks := make([]keys.Key, len(items))
	rs := make([]keys.RowRef, len(items))
	for i, it := range items {
		ks[i], rs[i] = it.key, it.ref
	}
	next := right.next
	left.adopt(NewLeaf(ks, rs))
	left.next = next

	root.removeLeafChild(idx + 1)
	pos := leafPos(t.leaves, right)
	t.leaves = append(t.leaves[:pos], t.leaves[pos+1:]...)
}

// Range returns every (key, ref) pair with lo <= key <= hi, walking the
// leaf sibling chain starting from the leaf owning lo.
func (t *Tree) Range(lo, hi keys.Key) []struct {
	Key keys.Key
	Ref keys.RowRef
} {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()

	leaf := descendToLeaf(root, lo)
	var out []struct {
		Key keys.Key
		Ref keys.RowRef
	}
	for leaf != nil {
		leaf.RLock()
		part := leaf.Range(lo, hi)
		exceeded := leaf.Count() > 0 && leaf.MaxKey() > hi
		next := leaf.next
		leaf.RUnlock()
		out = append(out, part...)
		if exceeded {
			break
		}
		leaf = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Height reports the height chosen from the key count when the tree was
// built; the tree can have fewer routing levels when its leaves fit
// under one inner node's fanout.
func (t *Tree) Height() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.height
}
