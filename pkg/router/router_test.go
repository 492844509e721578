package router

import (
	"testing"

	"github.com/omendb/omen-sub002/pkg/hlc"
	"github.com/omendb/omen-sub002/pkg/keys"
)

func TestDecide_EqualityAlwaysLearnedIndex(t *testing.T) {
	r, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := r.Decide(Predicate{Kind: PredicateEquality, Equals: 42}, TableStats{RowCount: 1_000_000}, hlc.Timestamp{})
	if d.Path != PathLearnedIndex {
		t.Fatalf("expected learned index, got %v", d.Path)
	}
}

func TestDecide_SmallInGoesToLearnedIndex(t *testing.T) {
	r, _ := New(DefaultConfig())
	d := r.Decide(Predicate{Kind: PredicateIn, InValues: []keys.Key{1, 2, 3}}, TableStats{}, hlc.Timestamp{})
	if d.Path != PathLearnedIndex {
		t.Fatalf("expected learned index for small IN-list, got %v", d.Path)
	}
}

func TestDecide_LargeInGoesColumnar(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmallInThreshold = 2
	r, _ := New(cfg)
	d := r.Decide(Predicate{Kind: PredicateIn, InValues: []keys.Key{1, 2, 3, 4}}, TableStats{}, hlc.Timestamp{})
	if d.Path != PathColumnar {
		t.Fatalf("expected columnar for oversized IN-list, got %v", d.Path)
	}
}

func TestDecide_RangeUnderBreakEvenGoesLearnedIndex(t *testing.T) {
	r, _ := New(DefaultConfig())
	p := Predicate{Kind: PredicateRange, RangeLo: 0, RangeHi: 100, Selectivity: 0.001}
	d := r.Decide(p, TableStats{RowCount: 1_000_000}, hlc.Timestamp{})
	if d.Path != PathLearnedIndex {
		t.Fatalf("expected learned index, got %v: %s", d.Path, d.Explanation)
	}
}

func TestDecide_RangeOverBreakEvenColdGoesColumnar(t *testing.T) {
	r, _ := New(DefaultConfig())
	p := Predicate{Kind: PredicateRange, RangeLo: 0, RangeHi: 1000, Selectivity: 0.5}
	d := r.Decide(p, TableStats{RowCount: 1_000_000}, hlc.Timestamp{})
	if d.Path != PathColumnar {
		t.Fatalf("expected columnar for large cold range, got %v", d.Path)
	}
}

func TestDecide_RangeOverBreakEvenHotGoesHybrid(t *testing.T) {
	r, _ := New(DefaultConfig())
	now := hlc.Timestamp{Physical: 1000}

	// Hammer one bucket inside the range so it reads hot relative to the
	// other tracked buckets, which each see a single access.
	for i := 0; i < 100; i++ {
		r.Touch(keys.Key(500), now)
	}
	r.Touch(keys.Key(50_000), now)
	r.Touch(keys.Key(60_000), now)
	r.Touch(keys.Key(70_000), now)

	p := Predicate{Kind: PredicateRange, RangeLo: 0, RangeHi: 99_999, Selectivity: 0.5}
	d := r.Decide(p, TableStats{RowCount: 1_000_000}, now)
	if d.Path != PathHybrid {
		t.Fatalf("expected hybrid for large range over a small hot region, got %v: %s", d.Path, d.Explanation)
	}
	// The hot sub-range must cover exactly the hammered bucket, not echo
	// the full predicate range back.
	if d.HotLo != 0 || d.HotHi != 999 {
		t.Fatalf("expected hot sub-range [0, 999], got [%d, %d]", d.HotLo, d.HotHi)
	}
	if d.HotLo == p.RangeLo && d.HotHi == p.RangeHi {
		t.Fatalf("hybrid must leave a columnar remainder, got the whole range as hot")
	}
}

func TestDecide_HotRegionTooLargeStaysColumnar(t *testing.T) {
	r, _ := New(DefaultConfig())
	now := hlc.Timestamp{Physical: 1000}

	for i := 0; i < 100; i++ {
		r.Touch(keys.Key(500), now)
	}
	r.Touch(keys.Key(50_000), now)
	r.Touch(keys.Key(60_000), now)
	r.Touch(keys.Key(70_000), now)

	// The hot bucket covers half this narrow range, so the learned-index
	// side alone would exceed break-even: no hybrid split pays off.
	p := Predicate{Kind: PredicateRange, RangeLo: 0, RangeHi: 1999, Selectivity: 0.5}
	d := r.Decide(p, TableStats{RowCount: 1_000_000}, now)
	if d.Path != PathColumnar {
		t.Fatalf("expected columnar when the hot region is too large a slice, got %v: %s", d.Path, d.Explanation)
	}
}

func TestTouch_DecaysOverTime(t *testing.T) {
	r, _ := New(DefaultConfig())
	start := hlc.Timestamp{Physical: 0}
	r.Touch(keys.Key(10), start)

	fresh := r.decayedHeat(mustBucketState(t, r, keys.Key(10)), start)
	later := hlc.Timestamp{Physical: r.cfg.TemperatureDecayHalfLifeUs}
	decayed := r.decayedHeat(mustBucketState(t, r, keys.Key(10)), later)

	if decayed >= fresh {
		t.Fatalf("expected heat to decay: fresh=%v decayed=%v", fresh, decayed)
	}
}

func mustBucketState(t *testing.T, r *Router, k keys.Key) *bucketState {
	t.Helper()
	state, ok := r.buckets.Peek(r.bucketOf(k))
	if !ok {
		t.Fatalf("expected tracked bucket for key %v", k)
	}
	return state
}

func TestPredicate_Matches(t *testing.T) {
	eq := Predicate{Kind: PredicateEquality, Equals: 5}
	if !eq.Matches(5) || eq.Matches(6) {
		t.Fatalf("equality predicate mismatch")
	}

	rng := Predicate{Kind: PredicateRange, RangeLo: 1, RangeHi: 3}
	if !rng.Matches(2) || rng.Matches(4) {
		t.Fatalf("range predicate mismatch")
	}

	in := Predicate{Kind: PredicateIn, InValues: []keys.Key{1, 3, 5}}
	if !in.Matches(3) || in.Matches(4) {
		t.Fatalf("in predicate mismatch")
	}
}
