package router

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/omendb/omen-sub002/pkg/hlc"
	"github.com/omendb/omen-sub002/pkg/keys"
)

// ExecutionPath is the access path the router hands back to the caller.
type ExecutionPath int

const (
	// PathLearnedIndex serves the query from the ALEX/RMI point/range lookup.
	PathLearnedIndex ExecutionPath = iota
	// PathColumnar defers to an external columnar scan (outside the core).
	PathColumnar
	// PathHybrid splits the predicate: the hot sub-range via the learned
	// index, the remainder via columnar scan.
	PathHybrid
)

func (p ExecutionPath) String() string {
	switch p {
	case PathLearnedIndex:
		return "learned_index"
	case PathHybrid:
		return "hybrid"
	default:
		return "columnar"
	}
}

// ExecutionDecision is the router's output: the chosen path, any
// parameters the caller needs (e.g. the hot sub-range for Hybrid), and a
// human-readable explanation useful for EXPLAIN-style tooling.
type ExecutionDecision struct {
	Path        ExecutionPath
	HotLo       keys.Key
	HotHi       keys.Key
	Explanation string
}

// Config tunes the decision rule and the temperature model.
type Config struct {
	// LearnedBreakEven: a predicate is routed to the learned index when
	// selectivity * row count stays under this absolute row estimate.
	LearnedBreakEven int64

	// SmallInThreshold: an IN-list with at most this many values is
	// always routed to the learned index (point lookups per value).
	SmallInThreshold int

	// BucketWidth quantizes keys into temperature-tracking buckets.
	BucketWidth int64

	// TemperatureDecayHalfLifeUs halves a bucket's heat every this many
	// microseconds of HLC physical time without an access.
	TemperatureDecayHalfLifeUs uint64

	// MaxTrackedBuckets bounds the LRU cache of temperature buckets.
	MaxTrackedBuckets int
}

// DefaultConfig returns reasonable defaults for an embedded workload.
func DefaultConfig() Config {
	return Config{
		LearnedBreakEven:           10_000,
		SmallInThreshold:           8,
		BucketWidth:                1_000,
		TemperatureDecayHalfLifeUs: 60_000_000, // 60s
		MaxTrackedBuckets:          4_096,
	}
}

type bucketState struct {
	accessCount int64
	lastAccess  hlc.Timestamp
	heat        float64
}

// Router holds the temperature map and decides execution paths.
type Router struct {
	cfg     Config
	buckets *lru.Cache[int64, *bucketState]
}

// New constructs a Router with an LRU-bounded temperature map so a
// long-running process never grows it without bound.
func New(cfg Config) (*Router, error) {
	cache, err := lru.New[int64, *bucketState](cfg.MaxTrackedBuckets)
	if err != nil {
		return nil, fmt.Errorf("router: building temperature cache: %w", err)
	}
	return &Router{cfg: cfg, buckets: cache}, nil
}

func (r *Router) bucketOf(k keys.Key) int64 {
	return int64(k) / r.cfg.BucketWidth
}

// Touch records an access to key at ts. Updates are best-effort
// bookkeeping: a lost increment under concurrent touches skews a heat
// estimate slightly, it never affects query results, so Touch favors
// staying off the read path's critical section over being exact.
func (r *Router) Touch(key keys.Key, ts hlc.Timestamp) {
	b := r.bucketOf(key)
	state, ok := r.buckets.Get(b)
	if !ok {
		state = &bucketState{}
		r.buckets.Add(b, state)
	}
	state.accessCount++
	state.lastAccess = ts
}

// Temperature classifies a bucket as Hot, Warm, or Cold relative to the
// median heat across tracked buckets, after applying exponential decay
// since the bucket's last access.
type Temperature int

const (
	Cold Temperature = iota
	Warm
	Hot
)

func (r *Router) decayedHeat(state *bucketState, now hlc.Timestamp) float64 {
	if state.accessCount == 0 {
		return 0
	}
	elapsed := now.Physical - state.lastAccess.Physical
	if now.Physical < state.lastAccess.Physical {
		elapsed = 0
	}
	halvings := float64(elapsed) / float64(r.cfg.TemperatureDecayHalfLifeUs)
	decay := 1.0
	for halvings >= 1 {
		decay *= 0.5
		halvings--
	}
	decay *= 1 - halvings*0.5
	return float64(state.accessCount) * decay
}

// ClassifyRange classifies [lo, hi] by the hottest decayed bucket it
// covers: Hot above twice the median tracked heat, Warm above the
// median, Cold otherwise. Decide does not call it; its Hybrid rule uses
// hotSubRange.
func (r *Router) ClassifyRange(lo, hi keys.Key, now hlc.Timestamp) Temperature {
	keysSeen := r.buckets.Keys()
	if len(keysSeen) == 0 {
		return Cold
	}

	var heats []float64
	for _, bk := range keysSeen {
		if state, ok := r.buckets.Peek(bk); ok {
			heats = append(heats, r.decayedHeat(state, now))
		}
	}
	median := medianOf(heats)

	loBucket, hiBucket := r.bucketOf(lo), r.bucketOf(hi)
	maxHeat := 0.0
	for b := loBucket; b <= hiBucket; b++ {
		if state, ok := r.buckets.Peek(b); ok {
			h := r.decayedHeat(state, now)
			if h > maxHeat {
				maxHeat = h
			}
		}
	}

	switch {
	case maxHeat > median*2:
		return Hot
	case maxHeat > median:
		return Warm
	default:
		return Cold
	}
}

// hotSubRange locates the contiguous run of hot buckets (heat above
// twice the median of all tracked buckets) inside [lo, hi], clamped to
// the queried bounds. Reports false when no bucket in the range is hot.
func (r *Router) hotSubRange(lo, hi keys.Key, now hlc.Timestamp) (keys.Key, keys.Key, bool) {
	tracked := r.buckets.Keys()
	if len(tracked) == 0 {
		return 0, 0, false
	}

	var heats []float64
	for _, bk := range tracked {
		if state, ok := r.buckets.Peek(bk); ok {
			heats = append(heats, r.decayedHeat(state, now))
		}
	}
	median := medianOf(heats)

	loBucket, hiBucket := r.bucketOf(lo), r.bucketOf(hi)
	var first, last int64
	found := false
	for b := loBucket; b <= hiBucket; b++ {
		state, ok := r.buckets.Peek(b)
		if !ok || r.decayedHeat(state, now) <= median*2 {
			continue
		}
		if !found {
			first = b
			found = true
		}
		last = b
	}
	if !found {
		return 0, 0, false
	}

	hotLo := keys.Key(first * r.cfg.BucketWidth)
	hotHi := keys.Key((last+1)*r.cfg.BucketWidth - 1)
	if hotLo < lo {
		hotLo = lo
	}
	if hotHi > hi {
		hotHi = hi
	}
	return hotLo, hotHi, true
}

func medianOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Decide applies the cost model's decision rule, in order: equality or a
// small IN-list always goes to the learned index; a range whose estimated
// row count stays under the break-even goes to the learned index; a range
// whose predicate straddles a hot region (per the temperature map) goes
// Hybrid; everything else goes Columnar.
func (r *Router) Decide(p Predicate, stats TableStats, now hlc.Timestamp) ExecutionDecision {
	switch p.Kind {
	case PredicateEquality:
		return ExecutionDecision{Path: PathLearnedIndex, Explanation: "equality predicate: point lookup via learned index"}

	case PredicateIn:
		if len(p.InValues) <= r.cfg.SmallInThreshold {
			return ExecutionDecision{Path: PathLearnedIndex, Explanation: fmt.Sprintf("IN-list of %d values: point lookups via learned index", len(p.InValues))}
		}
		return ExecutionDecision{Path: PathColumnar, Explanation: "IN-list too large for per-value learned index lookups"}

	case PredicateRange:
		estimatedRows := int64(p.Selectivity * float64(stats.RowCount))
		if estimatedRows <= r.cfg.LearnedBreakEven {
			return ExecutionDecision{Path: PathLearnedIndex, Explanation: fmt.Sprintf("estimated %d rows under break-even %d: learned index range scan", estimatedRows, r.cfg.LearnedBreakEven)}
		}

		if hotLo, hotHi, ok := r.hotSubRange(p.RangeLo, p.RangeHi, now); ok {
			// Hybrid only pays when the hot region is a small slice of
			// the queried range: the learned-index side must itself stay
			// under break-even, and there must be a remainder left for
			// the columnar side.
			span := float64(p.RangeHi) - float64(p.RangeLo) + 1
			hotSpan := float64(hotHi) - float64(hotLo) + 1
			hotRows := int64(float64(estimatedRows) * hotSpan / span)
			if hotSpan < span && hotRows <= r.cfg.LearnedBreakEven {
				return ExecutionDecision{
					Path:        PathHybrid,
					HotLo:       hotLo,
					HotHi:       hotHi,
					Explanation: fmt.Sprintf("hot sub-range [%d, %d] (~%d rows) via learned index, remainder via columnar scan", hotLo, hotHi, hotRows),
				}
			}
		}
		return ExecutionDecision{Path: PathColumnar, Explanation: fmt.Sprintf("estimated %d rows exceeds break-even and no small hot sub-range: columnar scan", estimatedRows)}

	default:
		return ExecutionDecision{Path: PathColumnar, Explanation: "unrecognized predicate shape: columnar scan"}
	}
}
