package stats

import (
	"math"
	randv2 "math/rand"
)

// Rand is a deterministic uniform source (mulberry32). Given the same seed
// and the same sequence of calls, output is bit-identical across platforms:
// it is pure uint32/float64 arithmetic with no platform randomness.
type Rand struct {
	state uint32
}

func New(seed uint32) *Rand {
	return &Rand{state: seed}
}

// Float64 returns the next uniform draw in [0, 1).
func (r *Rand) Float64() float64 {
	r.state += 0x6d2b79f5
	t := r.state
	t = (t ^ (t >> 15)) * (t | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return float64(t^(t>>14)) / 4294967296.0
}

// Normal draws a standard normal via Box-Muller.
func (r *Rand) Normal() float64 {
	return normalSample(r.Float64)
}

// Gamma draws Gamma(shape, 1) via Marsaglia-Tsang. Returns 0 for shape <= 0.
func (r *Rand) Gamma(shape float64) float64 {
	return gammaSample(shape, r.Float64)
}

// Beta draws Beta(alpha, beta) as a ratio of Gamma draws; 0 when both draws
// are 0 (degenerate near-zero parameters).
func (r *Rand) Beta(alpha, beta float64) float64 {
	return betaSample(alpha, beta, r.Float64)
}

// ambientUniform backs the non-deterministic sampling paths. Never used where
// reproducibility is required.
func ambientUniform() float64 {
	return randv2.Float64()
}

func normalSample(uniform func() float64) float64 {
	u, v := 0.0, 0.0
	for u == 0 {
		u = uniform()
	}
	for v == 0 {
		v = uniform()
	}
	return math.Sqrt(-2.0*math.Log(u)) * math.Cos(2.0*math.Pi*v)
}

func gammaSample(k float64, uniform func() float64) float64 {
	if k <= 0 {
		return 0
	}
	if k < 1 {
		// Boost: Gamma(k) = Gamma(k+1) * U^(1/k)
		return gammaSample(1+k, uniform) * math.Pow(uniform(), 1/k)
	}
	d := k - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := normalSample(uniform)
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := uniform()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

func betaSample(alpha, beta float64, uniform func() float64) float64 {
	a := gammaSample(alpha, uniform)
	b := gammaSample(beta, uniform)
	if a+b == 0 {
		return 0
	}
	return a / (a + b)
}
