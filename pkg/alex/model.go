// Package alex implements the learned primary index: a multi-level tree
// of gapped leaf arrays routed by linear models, falling back to bounded
// local search whenever a model's prediction misses.
package alex

import "github.com/omendb/omen-sub002/pkg/keys"

// LinearModel predicts an array position from a key via pos = slope*key +
// intercept, clamped to a caller-supplied range.
type LinearModel struct {
	Slope     float64
	Intercept float64
}

// Predict returns the modeled position for key, clamped to [0, capacity).
func (m LinearModel) Predict(key keys.Key, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	pos := m.Slope*float64(key) + m.Intercept
	if pos < 0 {
		return 0
	}
	if pos >= float64(capacity) {
		return capacity - 1
	}
	return int(pos)
}

// trainLinear fits pos = slope*x + intercept by ordinary least squares over
// (x[i], y[i]) pairs. A degenerate (single point, or all-equal x) input
// yields a zero-slope model that still predicts the right neighborhood via
// its intercept; lookups then converge through the leaf's bounded probe.
func trainLinear(xs []float64, ys []float64) LinearModel {
	n := float64(len(xs))
	if n == 0 {
		return LinearModel{}
	}

	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		x, y := xs[i], ys[i]
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return LinearModel{Slope: 0, Intercept: sumY / n}
	}

	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n
	return LinearModel{Slope: slope, Intercept: intercept}
}
