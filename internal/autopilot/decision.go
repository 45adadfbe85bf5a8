package autopilot

import (
	"math"
	"sort"

	"autopromote/internal/models"
	"autopromote/internal/stats"
)

const (
	defaultConfidenceThreshold = 95.0
	defaultMinSample           = uint64(100)
)

const (
	ReasonAutopilotDisabled      = "autopilot_disabled"
	ReasonInsufficientSample     = "insufficient_sample"
	ReasonConfidenceBelow        = "confidence_below_threshold"
	ReasonApprovalRequired       = "approval_required"
	ReasonBudgetIncreaseDisallow = "budget_increase_disallowed"
	ReasonNoBudgetChange         = "no_budget_change"
)

// Simulation carries the posterior-difference draws attached to a decision
// for preview histograms and percentiles.
type Simulation struct {
	Samples []float64 `json:"samples"`
	P50     float64   `json:"p50"`
	P95     float64   `json:"p95"`
}

// Decision is the structured, explainable output of the autopilot policy.
// It is a pure function of the experiment and its variants; callers decide
// whether and when to act on it.
type Decision struct {
	Eligible   bool     `json:"eligible"`
	Winner     string   `json:"winner,omitempty"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`

	TopRate                            float64 `json:"topRate"`
	BaselineRate                       float64 `json:"baselineRate"`
	PredictedUpliftPct                 float64 `json:"predictedUplift"`
	IncConversionsPer1000Views         float64 `json:"incConversionsPer1000Views"`
	EstimatedRevenueChangePer1000Views float64 `json:"estimatedRevenueChangePer1000Views"`
	RiskScore                          float64 `json:"riskScore"`

	Simulation Simulation        `json:"simulation"`
	ZTest      stats.ZTestResult `json:"zTest"`
}

// DecideOptions bounds the Monte Carlo work and optionally pins the seed.
// With a nil Seed the ambient sampler is used (live decisions); a set Seed
// makes the whole decision reproducible (simulate endpoints, tests).
type DecideOptions struct {
	ConfidenceSamples int
	PosteriorSamples  int
	Seed              *uint32
}

// Decide evaluates the autopilot policy for an experiment. Per-variant sample
// floors and the confidence threshold gate eligibility; effect sizes per 1000
// views are computed from the observed-top variant against the pooled
// baseline cohort. No side effects.
func Decide(exp *models.Experiment, variants []models.Variant, opts DecideOptions) Decision {
	d := Decision{}
	if exp == nil || !exp.Autopilot.Enabled {
		d.Reasons = append(d.Reasons, ReasonAutopilotDisabled)
		return d
	}
	if len(variants) < 2 {
		d.Reasons = append(d.Reasons, ReasonInsufficientSample)
		return d
	}

	threshold := exp.Autopilot.ConfidenceThreshold
	if threshold <= 0 {
		threshold = defaultConfidenceThreshold
	}
	minSample := exp.Autopilot.MinSample
	if minSample == 0 {
		minSample = defaultMinSample
	}

	obs := make([]stats.Observation, 0, len(variants))
	for _, v := range variants {
		obs = append(obs, stats.Observation{
			ID:          v.VariantID,
			Conversions: v.Conversions,
			Views:       v.Views,
		})
	}

	confSamples := stats.ClampSamples(opts.ConfidenceSamples, stats.DefaultConfidenceSamples)
	postSamples := stats.ClampSamples(opts.PosteriorSamples, stats.DefaultPosteriorSamples)

	var confidence float64
	var diffSamples []float64
	if opts.Seed != nil {
		confidence = stats.ConfidenceSeeded(obs, confSamples, *opts.Seed)
		diffSamples = stats.PosteriorDiffSamplesSeeded(obs, postSamples, *opts.Seed)
	} else {
		confidence = stats.Confidence(obs, confSamples)
		diffSamples = stats.PosteriorDiffSamples(obs, postSamples)
	}
	d.Confidence = confidence

	sorted := append([]float64(nil), diffSamples...)
	sort.Float64s(sorted)
	d.Simulation = Simulation{
		Samples: diffSamples,
		P50:     stats.Percentile(sorted, 0.5),
		P95:     stats.Percentile(sorted, 0.95),
	}

	top := topVariantIndex(variants)
	topViews := variants[top].Views
	topConv := variants[top].Conversions
	topRate := rate(topConv, topViews)

	var baseConv, baseViews, totalViews uint64
	baseRevenue := 0.0
	baseRevPerConv := 0.0
	baseCount := 0
	for i, v := range variants {
		totalViews += v.Views
		if i == top {
			continue
		}
		baseConv += v.Conversions
		baseViews += v.Views
		rev, _ := v.Revenue.Float64()
		baseRevenue += rev
		if v.Conversions > 0 {
			baseRevPerConv += rev / float64(v.Conversions)
		}
		baseCount++
	}
	baselineRate := rate(baseConv, baseViews)

	d.TopRate = topRate
	d.BaselineRate = baselineRate
	if baselineRate > 0 {
		d.PredictedUpliftPct = (topRate - baselineRate) / baselineRate * 100
	}
	d.IncConversionsPer1000Views = (topRate - baselineRate) * 1000

	avgRevenuePerConversion := 0.0
	if topConv > 0 {
		topRev, _ := variants[top].Revenue.Float64()
		avgRevenuePerConversion = topRev / float64(topConv)
	} else if baseCount > 0 {
		avgRevenuePerConversion = baseRevPerConv / float64(baseCount)
	}
	d.EstimatedRevenueChangePer1000Views = d.IncConversionsPer1000Views * avgRevenuePerConversion

	sampleSafety := math.Max(0, math.Min(1, float64(totalViews)/math.Max(1, float64(minSample))))
	d.RiskScore = math.Max(0, math.Min(100, math.Round((1-confidence/100+(1-sampleSafety))*100)))

	d.ZTest = stats.TwoSampleProportionZTest(
		float64(topConv), float64(topViews),
		float64(baseConv), float64(baseViews),
	)

	eligible := true
	sampleShort := false
	for _, v := range variants {
		if v.Views < minSample {
			sampleShort = true
			break
		}
	}
	if sampleShort {
		eligible = false
		d.Reasons = append(d.Reasons, ReasonInsufficientSample)
	}
	if confidence < threshold {
		eligible = false
		d.Reasons = append(d.Reasons, ReasonConfidenceBelow)
	}

	// A winner is only declared when the observed-top variant itself meets
	// the sample floor.
	if variants[top].Views >= minSample {
		d.Winner = variants[top].VariantID
	}
	d.Eligible = eligible && d.Winner != ""
	return d
}

// topVariantIndex picks the observed-top variant by raw conversion rate,
// first-seen wins ties.
func topVariantIndex(variants []models.Variant) int {
	top := 0
	for i := 1; i < len(variants); i++ {
		if rate(variants[i].Conversions, variants[i].Views) > rate(variants[top].Conversions, variants[top].Views) {
			top = i
		}
	}
	return top
}

func rate(conversions, views uint64) float64 {
	if views == 0 {
		return 0
	}
	return float64(conversions) / float64(views)
}
