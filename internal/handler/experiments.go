package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"autopromote/internal/autopilot"
	"autopromote/internal/config"
	"autopromote/internal/models"
	"autopromote/internal/repository"
	"autopromote/internal/service"
)

type ExperimentsHandler struct {
	Repo      repository.Repository
	Applier   *autopilot.Applier
	Sweep     *service.AutopilotSweepService
	Autopilot config.AutopilotConfig
	Sim       config.SimulationConfig
}

func (h *ExperimentsHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/experiments")
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.POST("/:id/metrics", h.updateMetrics)
	g.PUT("/:id/autopilot", h.updateAutopilot)
	g.GET("/:id/decision", h.decision)
	g.POST("/:id/simulate-budget", h.simulateBudget)
	g.POST("/:id/apply", h.apply)
	g.POST("/:id/rollback", h.rollback)
	g.POST("/:id/approve", h.approve)
	g.POST("/:id/unapprove", h.unapprove)
	g.GET("/:id/actions", h.actions)
}

// @Summary List experiments
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments [get]
func (h *ExperimentsHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	params := repository.ListExperimentsParams{
		Status:           strQueryPtr(c, "status"),
		AutopilotEnabled: boolQueryPtr(c, "autopilot_enabled"),
		ContentID:        strQueryPtr(c, "content_id"),
		Limit:            limit,
		Offset:           offset,
		OrderBy:          "created_at",
		Asc:              boolPtr(false),
	}
	items, err := h.Repo.ListExperiments(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountExperiments(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

type createVariantRequest struct {
	VariantID         string          `json:"variantId" binding:"required"`
	Budget            decimal.Decimal `json:"budget"`
	PromotionSettings map[string]any  `json:"promotionSettings"`
}

type createExperimentRequest struct {
	ID        string                  `json:"id" binding:"required"`
	ContentID string                  `json:"contentId" binding:"required"`
	Variants  []createVariantRequest  `json:"variants" binding:"required"`
	Autopilot *models.AutopilotConfig `json:"autopilot"`
}

// @Summary Create an experiment with its variants
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments [post]
func (h *ExperimentsHandler) create(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	var req createExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if len(req.Variants) < 2 {
		Error(c, http.StatusBadRequest, "at least two variants required", nil)
		return
	}
	now := time.Now().UTC()
	exp := &models.Experiment{
		ID:        strings.TrimSpace(req.ID),
		ContentID: strings.TrimSpace(req.ContentID),
		Status:    "active",
		StartedAt: now,
	}
	if req.Autopilot != nil {
		exp.Autopilot = *req.Autopilot
	}
	applyPolicyDefaults(&exp.Autopilot, h.Autopilot)

	variants := make([]models.Variant, 0, len(req.Variants))
	seen := map[string]struct{}{}
	for _, v := range req.Variants {
		id := strings.TrimSpace(v.VariantID)
		if id == "" {
			Error(c, http.StatusBadRequest, "invalid variant id", nil)
			return
		}
		if _, dup := seen[id]; dup {
			Error(c, http.StatusBadRequest, "duplicate variant id", nil)
			return
		}
		seen[id] = struct{}{}
		item := models.Variant{
			ExperimentID: exp.ID,
			VariantID:    id,
			Budget:       v.Budget,
		}
		if v.PromotionSettings != nil {
			if raw, err := json.Marshal(v.PromotionSettings); err == nil {
				item.PromotionSettings = datatypes.JSON(raw)
			}
		}
		variants = append(variants, item)
	}

	err := h.Repo.InTx(c.Request.Context(), func(tx *gorm.DB) error {
		return h.Repo.InsertExperimentTx(c.Request.Context(), tx, exp, variants)
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, exp, nil)
}

// @Summary Get an experiment with variants
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments/{id} [get]
func (h *ExperimentsHandler) get(c *gin.Context) {
	exp, variants, ok := h.load(c)
	if !ok {
		return
	}
	Ok(c, map[string]any{
		"experiment": exp,
		"variants":   variants,
	}, nil)
}

type updateMetricsRequest struct {
	VariantID   string           `json:"variantId" binding:"required"`
	Views       *uint64          `json:"views"`
	Conversions *uint64          `json:"conversions"`
	Engagement  *uint64          `json:"engagement"`
	Revenue     *decimal.Decimal `json:"revenue"`
}

// @Summary Update a variant's observed metrics
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments/{id}/metrics [post]
func (h *ExperimentsHandler) updateMetrics(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	var req updateMetricsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	variant, err := h.Repo.GetVariant(c.Request.Context(), id, strings.TrimSpace(req.VariantID))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if variant == nil {
		Error(c, http.StatusNotFound, "variant not found", nil)
		return
	}
	if err := checkMetricBounds(variant, req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	err = h.Repo.UpdateVariantMetrics(c.Request.Context(), id, variant.VariantID, repository.UpdateVariantMetricsParams{
		Views:       req.Views,
		Conversions: req.Conversions,
		Engagement:  req.Engagement,
		Revenue:     req.Revenue,
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	// Fresh metrics may flip the decision; re-evaluate inline, best effort.
	if h.Sweep != nil {
		_ = h.Sweep.EvaluateExperiment(c.Request.Context(), id)
	}
	next, _ := h.Repo.GetVariant(c.Request.Context(), id, variant.VariantID)
	Ok(c, next, nil)
}

// applyPolicyDefaults fills unset autopilot fields from the service-level
// policy defaults, falling back to the built-in values when config leaves
// them zero too.
func applyPolicyDefaults(ap *models.AutopilotConfig, defaults config.AutopilotConfig) {
	if ap.ConfidenceThreshold <= 0 {
		ap.ConfidenceThreshold = defaults.DefaultConfidenceThreshold
		if ap.ConfidenceThreshold <= 0 {
			ap.ConfidenceThreshold = 95
		}
	}
	if ap.MinSample == 0 {
		ap.MinSample = defaults.DefaultMinSample
		if ap.MinSample == 0 {
			ap.MinSample = 100
		}
	}
	if ap.Mode == "" {
		ap.Mode = "recommend"
	}
	if ap.MaxBudgetChangePercent <= 0 {
		ap.MaxBudgetChangePercent = defaults.DefaultMaxBudgetChangePercent
		if ap.MaxBudgetChangePercent <= 0 {
			ap.MaxBudgetChangePercent = 10
		}
	}
}

// checkMetricBounds merges a partial update with the stored counters so a
// single-field update cannot leave conversions above views.
func checkMetricBounds(stored *models.Variant, req updateMetricsRequest) error {
	views := stored.Views
	if req.Views != nil {
		views = *req.Views
	}
	conversions := stored.Conversions
	if req.Conversions != nil {
		conversions = *req.Conversions
	}
	if conversions > views {
		return fmt.Errorf("conversions %d exceed views %d", conversions, views)
	}
	return nil
}

type updateAutopilotRequest struct {
	Enabled                *bool    `json:"enabled"`
	ConfidenceThreshold    *float64 `json:"confidenceThreshold"`
	MinSample              *uint64  `json:"minSample"`
	Mode                   *string  `json:"mode"`
	MaxBudgetChangePercent *float64 `json:"maxBudgetChangePercent"`
	AllowBudgetIncrease    *bool    `json:"allowBudgetIncrease"`
	RequiresApproval       *bool    `json:"requiresApproval"`
}

// @Summary Update autopilot policy fields
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments/{id}/autopilot [put]
func (h *ExperimentsHandler) updateAutopilot(c *gin.Context) {
	exp, _, ok := h.load(c)
	if !ok {
		return
	}
	var req updateAutopilotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	updates := map[string]any{}
	if req.Enabled != nil {
		updates["autopilot_enabled"] = *req.Enabled
	}
	if req.ConfidenceThreshold != nil {
		if *req.ConfidenceThreshold <= 0 || *req.ConfidenceThreshold > 100 {
			Error(c, http.StatusBadRequest, "invalid confidence threshold", nil)
			return
		}
		updates["autopilot_confidence_threshold"] = *req.ConfidenceThreshold
	}
	if req.MinSample != nil {
		updates["autopilot_min_sample"] = *req.MinSample
	}
	if req.Mode != nil {
		mode := strings.TrimSpace(*req.Mode)
		if mode != "recommend" && mode != "auto" {
			Error(c, http.StatusBadRequest, "invalid mode", nil)
			return
		}
		updates["autopilot_mode"] = mode
	}
	if req.MaxBudgetChangePercent != nil {
		if *req.MaxBudgetChangePercent < 0 || *req.MaxBudgetChangePercent > 100 {
			Error(c, http.StatusBadRequest, "invalid max budget change percent", nil)
			return
		}
		updates["autopilot_max_budget_change_percent"] = *req.MaxBudgetChangePercent
	}
	if req.AllowBudgetIncrease != nil {
		updates["autopilot_allow_budget_increase"] = *req.AllowBudgetIncrease
	}
	if req.RequiresApproval != nil {
		updates["autopilot_requires_approval"] = *req.RequiresApproval
	}
	if len(updates) == 0 {
		Error(c, http.StatusBadRequest, "no fields to update", nil)
		return
	}
	if err := h.Repo.UpdateExperimentAutopilot(c.Request.Context(), exp.ID, updates); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	next, _ := h.Repo.GetExperimentByID(c.Request.Context(), exp.ID)
	Ok(c, next, nil)
}

// @Summary Preview the autopilot decision without applying it
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments/{id}/decision [get]
func (h *ExperimentsHandler) decision(c *gin.Context) {
	exp, variants, ok := h.load(c)
	if !ok {
		return
	}
	d := autopilot.Decide(exp, variants, h.decideOptions(c))
	Ok(c, d, nil)
}

type simulateBudgetRequest struct {
	VariantID       string  `json:"variantId"`
	BudgetChangePct float64 `json:"budgetChangePct" binding:"required"`
}

// @Summary Project the impact of a budget change on the leading variant
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments/{id}/simulate-budget [post]
func (h *ExperimentsHandler) simulateBudget(c *gin.Context) {
	exp, variants, ok := h.load(c)
	if !ok {
		return
	}
	var req simulateBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	d := autopilot.Decide(exp, variants, h.decideOptions(c))

	target := d.Winner
	if v := strings.TrimSpace(req.VariantID); v != "" {
		target = v
	}
	var subject *models.Variant
	for i := range variants {
		if variants[i].VariantID == target {
			subject = &variants[i]
			break
		}
	}
	if subject == nil {
		Error(c, http.StatusNotFound, "variant not found", nil)
		return
	}
	budget, _ := subject.Budget.Float64()
	sim := autopilot.SimulateBudget(d, budget, subject.Views, req.BudgetChangePct)
	Ok(c, map[string]any{
		"variantId":  subject.VariantID,
		"decision":   d,
		"simulation": sim,
	}, nil)
}

type applyRequest struct {
	Actor           string   `json:"actor"`
	BudgetChangePct *float64 `json:"budgetChangePct"`
}

// @Summary Apply the winning variant's budget change
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments/{id}/apply [post]
func (h *ExperimentsHandler) apply(c *gin.Context) {
	if h.Applier == nil {
		Error(c, http.StatusInternalServerError, "applier unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	// Body is optional.
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = applyRequest{}
	}
	result, err := h.Applier.Apply(c.Request.Context(), id, autopilot.ApplyOptions{
		Actor:           strings.TrimSpace(req.Actor),
		BudgetChangePct: req.BudgetChangePct,
		Decide:          h.decideOptions(c),
	})
	switch {
	case errors.Is(err, autopilot.ErrExperimentNotFound):
		Error(c, http.StatusNotFound, "experiment not found", nil)
		return
	case errors.Is(err, autopilot.ErrConcurrentModification):
		Error(c, http.StatusConflict, err.Error(), nil)
		return
	case err != nil:
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, result, nil)
}

// @Summary Roll back the latest applied budget change
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments/{id}/rollback [post]
func (h *ExperimentsHandler) rollback(c *gin.Context) {
	if h.Applier == nil {
		Error(c, http.StatusInternalServerError, "applier unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	result, err := h.Applier.Rollback(c.Request.Context(), id)
	switch {
	case errors.Is(err, autopilot.ErrExperimentNotFound):
		Error(c, http.StatusNotFound, "experiment not found", nil)
		return
	case errors.Is(err, autopilot.ErrNoActionToRollback):
		Error(c, http.StatusConflict, err.Error(), nil)
		return
	case errors.Is(err, autopilot.ErrConcurrentModification):
		Error(c, http.StatusConflict, err.Error(), nil)
		return
	case err != nil:
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, result, nil)
}

type approveRequest struct {
	ApprovedBy string `json:"approvedBy" binding:"required"`
}

// @Summary Approve the pending autopilot apply
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments/{id}/approve [post]
func (h *ExperimentsHandler) approve(c *gin.Context) {
	exp, _, ok := h.load(c)
	if !ok {
		return
	}
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	by := strings.TrimSpace(req.ApprovedBy)
	now := time.Now().UTC()
	if err := h.Repo.SetExperimentApproval(c.Request.Context(), exp.ID, &by, &now); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	next, _ := h.Repo.GetExperimentByID(c.Request.Context(), exp.ID)
	Ok(c, next, nil)
}

// @Summary Clear the autopilot approval
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments/{id}/unapprove [post]
func (h *ExperimentsHandler) unapprove(c *gin.Context) {
	exp, _, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.Repo.SetExperimentApproval(c.Request.Context(), exp.ID, nil, nil); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	next, _ := h.Repo.GetExperimentByID(c.Request.Context(), exp.ID)
	Ok(c, next, nil)
}

// @Summary List the experiment's action log, newest first
// @Tags experiments
// @Success 200 {object} apiResponse
// @Router /api/v1/experiments/{id}/actions [get]
func (h *ExperimentsHandler) actions(c *gin.Context) {
	exp, _, ok := h.load(c)
	if !ok {
		return
	}
	items, err := h.Repo.ListActions(c.Request.Context(), exp.ID, intQuery(c, "limit", 100))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

func (h *ExperimentsHandler) load(c *gin.Context) (*models.Experiment, []models.Variant, bool) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return nil, nil, false
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		Error(c, http.StatusBadRequest, "invalid experiment id", nil)
		return nil, nil, false
	}
	exp, err := h.Repo.GetExperimentByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return nil, nil, false
	}
	if exp == nil {
		Error(c, http.StatusNotFound, "experiment not found", nil)
		return nil, nil, false
	}
	variants, err := h.Repo.ListVariantsByExperimentID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return nil, nil, false
	}
	return exp, variants, true
}

func (h *ExperimentsHandler) decideOptions(c *gin.Context) autopilot.DecideOptions {
	opts := autopilot.DecideOptions{
		ConfidenceSamples: h.Sim.ConfidenceSamples,
		PosteriorSamples:  h.Sim.PosteriorSamples,
	}
	if v := intQueryPtr(c, "samples"); v != nil {
		opts.ConfidenceSamples = *v
	}
	if h.Sim.Seed > 0 {
		seed := uint32(h.Sim.Seed)
		opts.Seed = &seed
	}
	if v := intQueryPtr(c, "seed"); v != nil && *v >= 0 {
		seed := uint32(*v)
		opts.Seed = &seed
	}
	return opts
}
