package consensus

import "math"

// trimmedWeightedMean drops the single value farthest from the plain mean when there are
// at least three values, then returns the weighted mean of the rest.
func trimmedWeightedMean(values, weights []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	drop := -1
	if n >= 3 {
		m := mean(values)
		far := -1.0
		for i, v := range values {
			if d := math.Abs(v - m); d > far {
				far = d
				drop = i
			}
		}
	}

	var sum, wsum float64
	kept := make([]float64, 0, n)
	for i, v := range values {
		if i == drop {
			continue
		}
		kept = append(kept, v)
		sum += v * weights[i]
		wsum += weights[i]
	}
	if wsum <= 0 {
		return mean(kept)
	}
	return sum / wsum
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var s float64
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
