package stats

import (
	"math"
)

// ZTestResult is the advisory frequentist cross-check attached to decision
// output. It never gates the autopilot policy.
type ZTestResult struct {
	Z      float64 `json:"z"`
	PValue float64 `json:"pValue"`
}

// TwoSampleProportionZTest runs a pooled two-sample proportion z-test.
// Returns {0, 1} when either sample size or the pooled denominator is zero.
func TwoSampleProportionZTest(conversions1, n1, conversions2, n2 float64) ZTestResult {
	if n1 == 0 || n2 == 0 {
		return ZTestResult{Z: 0, PValue: 1}
	}
	p1 := conversions1 / n1
	p2 := conversions2 / n2
	p := (conversions1 + conversions2) / (n1 + n2)
	numerator := p1 - p2
	denominator := math.Sqrt(p * (1 - p) * (1/n1 + 1/n2))
	if denominator == 0 {
		return ZTestResult{Z: 0, PValue: 1}
	}
	z := numerator / denominator
	return ZTestResult{Z: z, PValue: zToPValue(math.Abs(z))}
}

// zToPValue approximates the two-tailed p-value for |z| with the
// Abramowitz-Stegun error function expansion.
func zToPValue(z float64) float64 {
	t := 1 / (1 + 0.3275911*z)
	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
	)
	erf := 1 - (((((a5*t+a4)*t+a3)*t+a2)*t+a1)*t)*math.Exp(-z*z)
	phi := 0.5 * (1 + erf)
	p := 2 * (1 - phi)
	return math.Max(0, math.Min(1, p))
}
