package alex

import (
	"sort"
	"sync"

	"github.com/omendb/omen-sub002/pkg/keys"
)

// childKind tags whether an inner node's children are further inner nodes
// or leaves. The tree only ever has two concrete child shapes, so a tag
// plus two slices avoids an interface indirection on every descent.
type childKind int

const (
	childKindLeaf childKind = iota
	childKindInner
)

// inner is a routing node: a linear model over its children's minimum
// keys, corrected by binary search over splitKeys, plus the tagged child
// slice the model points into.
type inner struct {
	mu    sync.RWMutex
	model LinearModel

	// splitKeys[i] is the smallest key routed to children index i+1.
	splitKeys []keys.Key

	kind          childKind
	innerChildren []*inner
	leafChildren  []*Leaf
}

func (n *inner) Lock()    { n.mu.Lock() }
func (n *inner) Unlock()  { n.mu.Unlock() }
func (n *inner) RLock()   { n.mu.RLock() }
func (n *inner) RUnlock() { n.mu.RUnlock() }

func (n *inner) numChildren() int {
	if n.kind == childKindLeaf {
		return len(n.leafChildren)
	}
	return len(n.innerChildren)
}

// childIndex returns which child key routes to: the model predicts a
// starting guess, then binary search over the split keys corrects it.
// The search result is authoritative; the model only exists to keep the
// search window small on well-fitted key distributions.
func (n *inner) childIndex(key keys.Key) int {
	if len(n.splitKeys) == 0 {
		return 0
	}
	guess := n.model.Predict(key, n.numChildren())

	// splitKeys[i] is the threshold for child i+1, so the proper child is
	// the count of splitKeys <= key.
	idx := sort.Search(len(n.splitKeys), func(i int) bool {
		return n.splitKeys[i] > key
	})
	if idx >= 0 && idx < n.numChildren() {
		return idx
	}
	if guess >= 0 && guess < n.numChildren() {
		return guess
	}
	return 0
}

func (n *inner) leafChild(i int) *Leaf   { return n.leafChildren[i] }
func (n *inner) innerChild(i int) *inner { return n.innerChildren[i] }

// leafIndexOf locates leaf among this node's children. Returns -1 when
// the leaf is not a direct child. The caller holds at least a read lock.
func (n *inner) leafIndexOf(leaf *Leaf) int {
	for i, lf := range n.leafChildren {
		if lf == leaf {
			return i
		}
	}
	return -1
}

// buildInnerFromLeaves constructs a single inner node routing directly to
// leaves, training the model on (minKey, leafIndex) pairs.
func buildInnerFromLeaves(leaves []*Leaf) *inner {
	n := &inner{kind: childKindLeaf, leafChildren: leaves}
	if len(leaves) <= 1 {
		return n
	}

	xs := make([]float64, len(leaves))
	ys := make([]float64, len(leaves))
	for i, lf := range leaves {
		xs[i] = float64(lf.MinKey())
		ys[i] = float64(i)
	}
	n.model = trainLinear(xs, ys)

	n.splitKeys = make([]keys.Key, len(leaves)-1)
	for i := 1; i < len(leaves); i++ {
		n.splitKeys[i-1] = leaves[i].MinKey()
	}
	return n
}

// buildInnerFromInners constructs one level of inner nodes whose children
// are themselves inner nodes, used above the leaf level once the tree's
// height calls for more than one internal level.
func buildInnerFromInners(children []*inner, minKeys []keys.Key) *inner {
	n := &inner{kind: childKindInner, innerChildren: children}
	if len(children) <= 1 {
		return n
	}

	xs := make([]float64, len(minKeys))
	ys := make([]float64, len(minKeys))
	for i, k := range minKeys {
		xs[i] = float64(k)
		ys[i] = float64(i)
	}
	n.model = trainLinear(xs, ys)

	n.splitKeys = make([]keys.Key, len(minKeys)-1)
	for i := 1; i < len(minKeys); i++ {
		n.splitKeys[i-1] = minKeys[i]
	}
	return n
}

// insertLeafChild records that a new child was inserted at position idx+1
// (immediately after the existing child at idx), threading the new
// child's minimum key into splitKeys and the leaf child slice. The caller
// holds the write lock.
func (n *inner) insertLeafChild(idx int, newLeaf *Leaf, newMinKey keys.Key) {
	n.leafChildren = append(n.leafChildren, nil)
	copy(n.leafChildren[idx+2:], n.leafChildren[idx+1:])
	n.leafChildren[idx+1] = newLeaf

	n.splitKeys = append(n.splitKeys, 0)
	copy(n.splitKeys[idx+1:], n.splitKeys[idx:])
	n.splitKeys[idx] = newMinKey

	n.retrainLeafModel()
}

// removeLeafChild drops the child at idx (idx > 0: a right-hand leaf that
// was merged into its left sibling), removing its split key and retraining
// the routing model. The caller holds the write lock.
func (n *inner) removeLeafChild(idx int) {
	n.leafChildren = append(n.leafChildren[:idx], n.leafChildren[idx+1:]...)
	n.splitKeys = append(n.splitKeys[:idx-1], n.splitKeys[idx:]...)
	n.retrainLeafModel()
}

func (n *inner) retrainLeafModel() {
	xs := make([]float64, len(n.leafChildren))
	ys := make([]float64, len(n.leafChildren))
	for i, lf := range n.leafChildren {
		xs[i] = float64(lf.MinKey())
		ys[i] = float64(i)
	}
	n.model = trainLinear(xs, ys)
}
