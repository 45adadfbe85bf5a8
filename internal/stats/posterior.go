package stats

import (
	"math"
)

// MaxSamples is the hard ceiling on Monte Carlo iterations per call. It
// bounds CPU time for caller-supplied sample counts and is enforced at every
// entry point, not by the transport layer.
const MaxSamples = 20000

// DefaultConfidenceSamples and DefaultPosteriorSamples are the sample counts
// used when a caller passes 0.
const (
	DefaultConfidenceSamples = 4000
	DefaultPosteriorSamples  = 400
)

// Observation is one variant's observed counts. Invariant: Conversions <= Views.
type Observation struct {
	ID          string
	Conversions uint64
	Views       uint64
}

func (o Observation) rate() float64 {
	if o.Views == 0 {
		return 0
	}
	return float64(o.Conversions) / float64(o.Views)
}

// ClampSamples normalizes a caller-supplied sample count: fallback when
// non-positive, MaxSamples ceiling otherwise.
func ClampSamples(samples, fallback int) int {
	if samples <= 0 {
		return fallback
	}
	if samples > MaxSamples {
		return MaxSamples
	}
	return samples
}

// topIndex picks the observed-top variant by raw conversion rate. Ties keep
// the first-seen variant.
func topIndex(obs []Observation) int {
	top := 0
	for i := 1; i < len(obs); i++ {
		if obs[i].rate() > obs[top].rate() {
			top = i
		}
	}
	return top
}

// Confidence estimates P(top variant's true rate exceeds all rivals') by
// Monte Carlo over Beta posteriors, scaled to 0-100 and rounded. Uses
// ambient randomness; use ConfidenceSeeded where reproducibility matters.
// Returns 0 with fewer than 2 variants.
func Confidence(obs []Observation, samples int) float64 {
	return confidence(obs, ClampSamples(samples, DefaultConfidenceSamples), ambientUniform)
}

// ConfidenceSeeded is the deterministic variant of Confidence: for a fixed
// (obs, samples, seed) the result is bit-identical across runs and platforms.
func ConfidenceSeeded(obs []Observation, samples int, seed uint32) float64 {
	rng := New(seed)
	return confidence(obs, ClampSamples(samples, DefaultConfidenceSamples), rng.Float64)
}

func confidence(obs []Observation, samples int, uniform func() float64) float64 {
	if len(obs) < 2 {
		return 0
	}
	top := topIndex(obs)
	wins := 0
	for s := 0; s < samples; s++ {
		topDraw := betaSample(
			float64(obs[top].Conversions)+1,
			float64(obs[top].Views-obs[top].Conversions)+1,
			uniform,
		)
		otherMax := 0.0
		for i, o := range obs {
			if i == top {
				continue
			}
			draw := betaSample(
				float64(o.Conversions)+1,
				float64(o.Views-o.Conversions)+1,
				uniform,
			)
			if draw > otherMax {
				otherMax = draw
			}
		}
		if topDraw > otherMax {
			wins++
		}
	}
	c := math.Round(100 * float64(wins) / float64(samples))
	return math.Max(0, math.Min(100, c))
}

// PosteriorDiffSamples draws `samples` values of (top rate - pooled baseline
// rate) from the respective Beta posteriors. The baseline cohort sums the
// conversions and views of every non-top variant. Uses ambient randomness.
func PosteriorDiffSamples(obs []Observation, samples int) []float64 {
	return posteriorDiff(obs, ClampSamples(samples, DefaultPosteriorSamples), ambientUniform)
}

// PosteriorDiffSamplesSeeded is the deterministic variant; byte-identical
// output for a fixed (obs, samples, seed).
func PosteriorDiffSamplesSeeded(obs []Observation, samples int, seed uint32) []float64 {
	rng := New(seed)
	return posteriorDiff(obs, ClampSamples(samples, DefaultPosteriorSamples), rng.Float64)
}

func posteriorDiff(obs []Observation, samples int, uniform func() float64) []float64 {
	if len(obs) < 2 {
		return nil
	}
	top := topIndex(obs)
	var baseConv, baseViews uint64
	for i, o := range obs {
		if i == top {
			continue
		}
		baseConv += o.Conversions
		baseViews += o.Views
	}
	out := make([]float64, 0, samples)
	for i := 0; i < samples; i++ {
		topDraw := betaSample(
			float64(obs[top].Conversions)+1,
			float64(obs[top].Views-obs[top].Conversions)+1,
			uniform,
		)
		baseDraw := betaSample(
			float64(baseConv)+1,
			float64(baseViews-baseConv)+1,
			uniform,
		)
		out = append(out, topDraw-baseDraw)
	}
	return out
}

// Percentile returns the order statistic at floor((n-1)*p) of an ascending
// sorted slice; 0 for an empty slice.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Floor(float64(len(sorted)-1) * p))
	return sorted[idx]
}
