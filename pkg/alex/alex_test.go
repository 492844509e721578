package alex

import (
	"testing"

	"github.com/omendb/omen-sub002/pkg/keys"
)

func refFor(k int64) keys.RowRef { return keys.RowRef{byte(k), byte(k >> 8)} }

func TestBulkBuild_GetAllKeys(t *testing.T) {
	var ks []keys.Key
	var refs []keys.RowRef
	for i := int64(0); i < 500; i++ {
		ks = append(ks, keys.Key(i*3))
		refs = append(refs, refFor(i))
	}

	tree, err := BulkBuild(ks, refs, RejectDuplicate)
	if err != nil {
		t.Fatalf("BulkBuild: %v", err)
	}

	for i, k := range ks {
		ref, ok := tree.Get(k)
		if !ok {
			t.Fatalf("key %d not found", k)
		}
		if !ref.Equal(refs[i]) {
			t.Fatalf("key %d: got ref %v, want %v", k, ref, refs[i])
		}
	}

	if _, ok := tree.Get(keys.Key(1)); ok {
		t.Fatalf("expected key 1 (never inserted) to be absent")
	}
}

func TestBulkBuild_RejectsUnsorted(t *testing.T) {
	_, err := BulkBuild([]keys.Key{3, 1, 2}, []keys.RowRef{{1}, {2}, {3}}, RejectDuplicate)
	if err == nil {
		t.Fatalf("expected error for unsorted input")
	}
}

func TestTree_InsertAndSplit(t *testing.T) {
	tree := NewTree(OverwriteDuplicate)
	for i := int64(0); i < 300; i++ {
		if err := tree.Insert(keys.Key(i), refFor(i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := int64(0); i < 300; i++ {
		ref, ok := tree.Get(keys.Key(i))
		if !ok {
			t.Fatalf("key %d missing after inserts", i)
		}
		if !ref.Equal(refFor(i)) {
			t.Fatalf("key %d: wrong ref", i)
		}
	}
}

func TestTree_DuplicateReject(t *testing.T) {
	tree := NewTree(RejectDuplicate)
	if err := tree.Insert(keys.Key(1), refFor(1)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := tree.Insert(keys.Key(1), refFor(2)); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

func TestTree_DeleteRemovesKey(t *testing.T) {
	tree := NewTree(OverwriteDuplicate)
	for i := int64(0); i < 10; i++ {
		_ = tree.Insert(keys.Key(i), refFor(i))
	}
	if !tree.Delete(keys.Key(5)) {
		t.Fatalf("expected delete to succeed")
	}
	if _, ok := tree.Get(keys.Key(5)); ok {
		t.Fatalf("expected key 5 to be gone after delete")
	}
}

func TestTree_Range(t *testing.T) {
	var ks []keys.Key
	var refs []keys.RowRef
	for i := int64(0); i < 200; i++ {
		ks = append(ks, keys.Key(i))
		refs = append(refs, refFor(i))
	}
	tree, err := BulkBuild(ks, refs, RejectDuplicate)
	if err != nil {
		t.Fatalf("BulkBuild: %v", err)
	}

	got := tree.Range(keys.Key(50), keys.Key(60))
	if len(got) != 11 {
		t.Fatalf("expected 11 keys in [50,60], got %d", len(got))
	}
	for i, kv := range got {
		want := keys.Key(50 + i)
		if kv.Key != want {
			t.Fatalf("range out of order at %d: got %d want %d", i, kv.Key, want)
		}
	}
}

func TestCalculateHeight(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{100, 1},
		{10_000, 1},
		{10_001, 2},
		{10_000_000, 2},
		{10_000_001, 3},
	}
	for _, c := range cases {
		if got := calculateHeight(c.n); got != c.want {
			t.Errorf("calculateHeight(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestLeaf_EmptySplitIsInvariantViolation(t *testing.T) {
	l := NewLeaf(nil, nil)
	if _, _, err := l.Split(); err == nil {
		t.Fatalf("expected error splitting empty leaf")
	}
}

func TestLeaf_PredictionsStayWithinErrorBound(t *testing.T) {
	var ks []keys.Key
	var refs []keys.RowRef
	// Uneven gaps so the linear fit can't be perfect.
	for i := int64(0); i < 60; i++ {
		ks = append(ks, keys.Key(i*i))
		refs = append(refs, refFor(i))
	}
	l := NewLeaf(ks, refs)

	bound := l.ErrorBound()
	for _, s := range l.slots {
		if !s.occupied {
			continue
		}
		predicted := l.model.Predict(s.key, len(l.slots))
		actual := 0
		for i := range l.slots {
			if l.slots[i].occupied && l.slots[i].key == s.key {
				actual = i
				break
			}
		}
		if d := absInt(predicted - actual); d > bound {
			t.Fatalf("key %d: prediction error %d exceeds bound %d", s.key, d, bound)
		}
	}
}

func TestLeaf_RetrainClearsFlagAndRegrowsHeadroom(t *testing.T) {
	l := NewLeaf([]keys.Key{10, 20, 30}, []keys.RowRef{{1}, {2}, {3}})
	for k := int64(0); l.Density() < MaxDensity; k++ {
		if err := l.Insert(keys.Key(100+k), refFor(100+k), RejectDuplicate); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	l.Retrain()
	if l.NeedsRetrain() {
		t.Fatalf("expected retrain to clear the flag")
	}
	if l.IsFull() {
		t.Fatalf("expected retrain to regrow gap headroom, density=%v", l.Density())
	}
	if _, ok := l.Get(keys.Key(20)); !ok {
		t.Fatalf("expected membership preserved across retrain")
	}
}

func TestTree_DeleteMergesSparseLeaves(t *testing.T) {
	var ks []keys.Key
	var refs []keys.RowRef
	for i := int64(0); i < 200; i++ {
		ks = append(ks, keys.Key(i))
		refs = append(refs, refFor(i))
	}
	tree, err := BulkBuild(ks, refs, RejectDuplicate)
	if err != nil {
		t.Fatalf("BulkBuild: %v", err)
	}
	before := len(tree.leaves)

	// Hollow out the tree; survivors must stay reachable as leaves merge.
	for i := int64(0); i < 200; i++ {
		if i%10 == 0 {
			continue
		}
		if !tree.Delete(keys.Key(i)) {
			t.Fatalf("delete %d failed", i)
		}
	}
	if len(tree.leaves) >= before {
		t.Fatalf("expected sparse leaves to merge: %d leaves before, %d after", before, len(tree.leaves))
	}
	for i := int64(0); i < 200; i += 10 {
		if _, ok := tree.Get(keys.Key(i)); !ok {
			t.Fatalf("survivor key %d lost after merges", i)
		}
	}
	got := tree.Range(keys.Key(0), keys.Key(199))
	if len(got) != 20 {
		t.Fatalf("expected 20 survivors in range, got %d", len(got))
	}
}

func TestTree_ExtremeKeysInsertAndLookup(t *testing.T) {
	tree := NewTree(RejectDuplicate)
	extremes := []keys.Key{-9223372036854775808, 9223372036854775807, 0}
	for _, k := range extremes {
		if err := tree.Insert(k, refFor(int64(k))); err != nil {
			t.Fatalf("insert extreme %d: %v", k, err)
		}
	}
	for _, k := range extremes {
		if _, ok := tree.Get(k); !ok {
			t.Fatalf("extreme key %d not found", k)
		}
	}
	got := tree.Range(extremes[0], extremes[1])
	if len(got) != 3 {
		t.Fatalf("expected full-domain range to return all 3 keys, got %d", len(got))
	}
}
