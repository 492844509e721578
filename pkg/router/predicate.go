// Package router implements the query router: it classifies a predicate
// on the primary key, picks an execution path via the cost model, and
// tracks per-bucket access temperature so hot ranges favor the learned
// index even when the cost model alone would pick columnar.
package router

import "github.com/omendb/omen-sub002/pkg/keys"

// PredicateKind tags the shape of a predicate on the primary key,
// narrowed to the three shapes the cost model actually distinguishes.
type PredicateKind int

const (
	PredicateEquality PredicateKind = iota
	PredicateRange
	PredicateIn
)

// Predicate describes a constraint on the primary key column. Selectivity
// is the estimated fraction of rows it matches, in [0, 1].
type Predicate struct {
	Kind        PredicateKind
	Equals      keys.Key
	RangeLo     keys.Key
	RangeHi     keys.Key
	InValues    []keys.Key
	Selectivity float64
}

// Matches reports whether key satisfies the predicate, a row filter for
// whatever executes the scan after the router has picked an access path.
func (p Predicate) Matches(key keys.Key) bool {
	switch p.Kind {
	case PredicateEquality:
		return key == p.Equals
	case PredicateRange:
		return key >= p.RangeLo && key <= p.RangeHi
	case PredicateIn:
		for _, v := range p.InValues {
			if key == v {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// TableStats summarizes the table the router is planning against.
type TableStats struct {
	RowCount int64
}
