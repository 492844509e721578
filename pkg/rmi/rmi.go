// Package rmi implements the static Recursive Model Index fallback: a
// two-stage model (a root model picking a leaf model, a leaf model
// predicting array position) over an immutable sorted array, plus a
// delta buffer absorbing writes until a deferred rebuild folds them in.
// This is the engine's choice for append-dominant or otherwise stable
// workloads where the gapped ALEX tree's per-insert shifting is wasted
// work.
package rmi

import (
	"math"
	"sort"
	"sync"

	"github.com/omendb/omen-sub002/pkg/errors"
	"github.com/omendb/omen-sub002/pkg/keys"
)

type leafModel struct {
	slope, intercept float64
	startIdx, endIdx int
	maxError         int
}

// Index is a trained, immutable RMI over a base array, with a delta
// buffer for keys inserted since the last build/rebuild.
type Index struct {
	mu sync.RWMutex

	rootSlope, rootIntercept float64
	leafModels               []leafModel
	baseKeys                 []keys.Key
	baseRefs                 []keys.RowRef
	maxError                 int

	delta map[keys.Key]keys.RowRef

	// tombstones holds keys deleted out of the trained base array since the
	// last build/rebuild; the base array itself is immutable between
	// rebuilds, so a delete against it is recorded here rather than by
	// shifting the array.
	tombstones map[keys.Key]struct{}

	rebuildThreshold int
}

// Build trains a fresh index over sortedKeys/sortedRefs (already sorted
// ascending): picks a leaf-model count that scales sublinearly with data
// size, then runs the two-stage least-squares fit.
func Build(sortedKeys []keys.Key, sortedRefs []keys.RowRef) (*Index, error) {
	for i := 1; i < len(sortedKeys); i++ {
		if sortedKeys[i] < sortedKeys[i-1] {
			return nil, &errors.InvariantViolationError{Component: "rmi", Detail: "Build requires sorted input"}
		}
	}

	idx := &Index{
		baseKeys:   append([]keys.Key(nil), sortedKeys...),
		baseRefs:   append([]keys.RowRef(nil), sortedRefs...),
		delta:      make(map[keys.Key]keys.RowRef),
		tombstones: make(map[keys.Key]struct{}),
	}
	idx.rebuildThreshold = maxInt(len(sortedKeys)/10, 1)
	idx.train()
	return idx, nil
}

func numLeafModels(n int) int {
	var m int
	switch {
	case n < 10_000:
		m = 2
	case n < 100_000:
		m = int(math.Sqrt(float64(n)) / 4.0)
	default:
		m = int(math.Sqrt(float64(n)))
		if m > 50 {
			m = 50
		}
		if m < 10 {
			m = 10
		}
	}
	if m < 2 {
		m = 2
	}
	return m
}

// train fits the root model and per-segment leaf models over baseKeys,
// and computes the overall bounded search error.
func (idx *Index) train() {
	n := len(idx.baseKeys)
	idx.leafModels = nil
	if n == 0 {
		idx.rootSlope, idx.rootIntercept, idx.maxError = 0, 0, 0
		return
	}

	numModels := numLeafModels(n)

	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, k := range idx.baseKeys {
		xs[i] = float64(k)
		y := (float64(i) / float64(n)) * float64(numModels)
		if y > float64(numModels-1) {
			y = float64(numModels - 1)
		}
		ys[i] = y
	}
	idx.rootSlope, idx.rootIntercept = leastSquares(xs, ys)

	segSize := (n + numModels - 1) / numModels
	for i := 0; i < numModels; i++ {
		start := i * segSize
		end := start + segSize
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		idx.leafModels = append(idx.leafModels, trainLeafModel(idx.baseKeys[start:end], start, end))
	}

	maxErr := 0
	for actualIdx, k := range idx.baseKeys {
		predicted := idx.predictPosition(k)
		errv := predicted - actualIdx
		if errv < 0 {
			errv = -errv
		}
		if errv > maxErr {
			maxErr = errv
		}
	}
	maxErr += 50
	idx.maxError = maxErr
}

func trainLeafModel(segment []keys.Key, start, end int) leafModel {
	n := len(segment)
	if n == 0 {
		return leafModel{startIdx: start, endIdx: end}
	}
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, k := range segment {
		xs[i] = float64(k)
		ys[i] = float64(i)
	}
	slope, intercept := leastSquares(xs, ys)

	maxErr := 0
	for i, k := range segment {
		predicted := int(slope*float64(k) + intercept)
		errv := predicted - i
		if errv < 0 {
			errv = -errv
		}
		if errv > maxErr {
			maxErr = errv
		}
	}
	maxErr += 10
	if bound := n / 4; maxErr > bound && bound > 0 {
		maxErr = bound
	}
	return leafModel{slope: slope, intercept: intercept, startIdx: start, endIdx: end, maxError: maxErr}
}

func leastSquares(xs, ys []float64) (slope, intercept float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func (idx *Index) predictPosition(key keys.Key) int {
	if len(idx.leafModels) == 0 {
		return 0
	}
	predictedLeafF := idx.rootSlope*float64(key) + idx.rootIntercept
	if predictedLeafF < 0 {
		predictedLeafF = 0
	}
	leafIdx := int(predictedLeafF)
	if leafIdx >= len(idx.leafModels) {
		leafIdx = len(idx.leafModels) - 1
	}

	lm := idx.leafModels[leafIdx]
	relF := lm.slope*float64(key) + lm.intercept
	if relF < 0 {
		relF = 0
	}
	rel := int(relF)
	if span := lm.endIdx - lm.startIdx - 1; rel > span {
		rel = span
	}
	pos := lm.startIdx + rel
	if pos >= len(idx.baseKeys) {
		pos = len(idx.baseKeys) - 1
	}
	return pos
}

func (idx *Index) searchInBounds(key keys.Key, predicted int) (int, bool) {
	start := predicted - idx.maxError
	if start < 0 {
		start = 0
	}
	end := predicted + idx.maxError + 1
	if end > len(idx.baseKeys) {
		end = len(idx.baseKeys)
	}
	if start >= len(idx.baseKeys) {
		return 0, false
	}
	slice := idx.baseKeys[start:end]
	i := sort.Search(len(slice), func(i int) bool { return slice[i] >= key })
	if i < len(slice) && slice[i] == key {
		return start + i, true
	}
	return 0, false
}

// Get resolves key against the delta buffer first, then the trained base
// array via bounded binary search around the model's prediction. A
// tombstoned base key (deleted since the last build/rebuild) is reported
// absent even though it is still physically present in baseKeys.
func (idx *Index) Get(key keys.Key) (keys.RowRef, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.getLocked(key)
}

func (idx *Index) getLocked(key keys.Key) (keys.RowRef, bool) {
	if ref, ok := idx.delta[key]; ok {
		return ref, true
	}
	if _, dead := idx.tombstones[key]; dead {
		return nil, false
	}
	if len(idx.baseKeys) == 0 {
		return nil, false
	}
	predicted := idx.predictPosition(key)
	if pos, ok := idx.searchInBounds(key, predicted); ok {
		return idx.baseRefs[pos], true
	}
	return nil, false
}

// Insert appends to the delta buffer, resurrecting the key if it was
// previously tombstoned. Once the buffer grows past the rebuild threshold
// (10% of the base size, per the design's deferred rebuild), the caller
// should invoke Rebuild to fold it back into the trained base array;
// Insert itself never blocks on a rebuild. The error return exists so
// Index satisfies the same index-backend shape alex.Tree does; RMI never
// rejects a duplicate key, it overwrites.
func (idx *Index) Insert(key keys.Key, ref keys.RowRef) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.tombstones, key)
	idx.delta[key] = ref
	return nil
}

// Delete removes key from the delta buffer if it's only ever lived there,
// or tombstones it in the base array otherwise. Reports whether the key
// was present.
func (idx *Index) Delete(key keys.Key) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.delta[key]; ok {
		delete(idx.delta, key)
		return true
	}
	if _, ok := idx.tombstones[key]; ok {
		return false
	}
	if _, ok := idx.getLocked(key); ok {
		idx.tombstones[key] = struct{}{}
		return true
	}
	return false
}

// Range returns every (key, ref) pair with lo <= key <= hi, merging the
// delta buffer with a bounded scan of the trained base array, honoring
// tombstones from either source. Matches alex.Tree.Range's return shape
// so both can back the same index-backend interface.
func (idx *Index) Range(lo, hi keys.Key) []struct {
	Key keys.Key
	Ref keys.RowRef
} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []struct {
		Key keys.Key
		Ref keys.RowRef
	}

	seen := make(map[keys.Key]struct{})
	for k, ref := range idx.delta {
		if k < lo || k > hi {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, struct {
			Key keys.Key
			Ref keys.RowRef
		}{k, ref})
	}

	startIdx := sort.Search(len(idx.baseKeys), func(i int) bool { return idx.baseKeys[i] >= lo })
	for i := startIdx; i < len(idx.baseKeys) && idx.baseKeys[i] <= hi; i++ {
		k := idx.baseKeys[i]
		if _, dup := seen[k]; dup {
			continue
		}
		if _, dead := idx.tombstones[k]; dead {
			continue
		}
		out = append(out, struct {
			Key keys.Key
			Ref keys.RowRef
		}{k, idx.baseRefs[i]})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// NeedsRebuild reports whether the delta buffer has grown large enough to
// warrant folding back into the base array.
func (idx *Index) NeedsRebuild() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.delta) >= idx.rebuildThreshold
}

// Rebuild merges the delta buffer into the base array and retrains both
// stages of the model.
func (idx *Index) Rebuild() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	merged := make(map[keys.Key]keys.RowRef, len(idx.baseKeys)+len(idx.delta))
	for i, k := range idx.baseKeys {
		if _, dead := idx.tombstones[k]; dead {
			continue
		}
		merged[k] = idx.baseRefs[i]
	}
	for k, v := range idx.delta {
		merged[k] = v
	}

	keysOut := make([]keys.Key, 0, len(merged))
	for k := range merged {
		keysOut = append(keysOut, k)
	}
	sort.Slice(keysOut, func(i, j int) bool { return keysOut[i] < keysOut[j] })

	refsOut := make([]keys.RowRef, len(keysOut))
	for i, k := range keysOut {
		refsOut[i] = merged[k]
	}

	idx.baseKeys = keysOut
	idx.baseRefs = refsOut
	idx.delta = make(map[keys.Key]keys.RowRef)
	idx.tombstones = make(map[keys.Key]struct{})
	idx.rebuildThreshold = maxInt(len(keysOut)/10, 1)
	idx.train()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
