package stats

import "math"

// WilsonInterval is the Wilson score interval for successes out of trials at
// the given two-sided confidence. It behaves at small samples and at rates
// near 0 or 1, where the normal approximation does not.
func WilsonInterval(successes, trials int, confidence float64) (lower, upper float64) {
	if trials <= 0 {
		return 0, 0
	}

	z := ZScore(confidence)
	n := float64(trials)
	p := float64(successes) / n

	denominator := 1 + z*z/n
	center := (p + z*z/(2*n)) / denominator
	spread := (z / denominator) * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))

	return math.Max(0, center-spread), math.Min(1, center+spread)
}

// ZScore is the two-sided critical value for confidence, e.g. 0.95 -> 1.96.
func ZScore(confidence float64) float64 {
	switch {
	case confidence <= 0:
		return 0
	case confidence >= 1:
		return math.Inf(1)
	}
	return math.Sqrt2 * math.Erfinv(confidence)
}

// normalCDF is P(Z < x) for a standard normal Z.
func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
