package autopilot

import (
	"math"
)

// SimulationModel documents the projection assumption carried in every
// BudgetSimulation: views scale linearly with budget. A projection, not a
// guarantee.
const SimulationModel = "linear_scaling_projection"

type BudgetSimulation struct {
	Pct              float64 `json:"pct"`
	CurrentBudget    float64 `json:"currentBudget"`
	NewBudget        float64 `json:"newBudget"`
	CurrentViews     int64   `json:"currentViews"`
	NewViews         int64   `json:"newViews"`
	DeltaViews       int64   `json:"deltaViews"`
	DeltaConversions float64 `json:"deltaConversions"`
	DeltaRevenue     float64 `json:"deltaRevenue"`
	Model            string  `json:"model"`
}

// SimulateBudget projects the views/conversions/revenue impact of changing
// the winning variant's budget by pct percent, using the decision's
// per-1000-views effect sizes. Never mutates anything.
func SimulateBudget(d Decision, currentBudget float64, currentViews uint64, pct float64) BudgetSimulation {
	views := float64(currentViews)
	newBudget := currentBudget * (1 + pct/100)
	viewsPerBudget := 0.0
	if currentBudget > 0 {
		viewsPerBudget = views / currentBudget
	} else {
		viewsPerBudget = views
		if viewsPerBudget == 0 {
			viewsPerBudget = 1000
		}
	}
	var newViews float64
	if currentBudget > 0 {
		newViews = math.Round(viewsPerBudget * newBudget)
	} else {
		newViews = math.Round(views + newBudget*viewsPerBudget)
	}
	deltaViews := newViews - views
	return BudgetSimulation{
		Pct:              pct,
		CurrentBudget:    currentBudget,
		NewBudget:        newBudget,
		CurrentViews:     int64(views),
		NewViews:         int64(newViews),
		DeltaViews:       int64(deltaViews),
		DeltaConversions: d.IncConversionsPer1000Views * deltaViews / 1000,
		DeltaRevenue:     d.EstimatedRevenueChangePer1000Views * deltaViews / 1000,
		Model:            SimulationModel,
	}
}
