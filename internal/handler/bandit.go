package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"autopromote/internal/bandit"
	"autopromote/internal/models"
	"autopromote/internal/repository"
)

type BanditHandler struct {
	Repo    repository.Repository
	Manager *bandit.Manager
	Tuner   *bandit.Tuner
}

func (h *BanditHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/bandit")
	g.GET("/weights", h.weights)
	g.PUT("/weights", h.putWeights)
	g.POST("/weights/rollback", h.rollback)
	g.GET("/history", h.history)
	g.POST("/outcomes", h.recordOutcome)
	g.GET("/suggestion", h.suggestion)
	g.POST("/tune", h.tune)
}

// @Summary Current bandit reward weights
// @Tags bandit
// @Success 200 {object} apiResponse
// @Router /api/v1/bandit/weights [get]
func (h *BanditHandler) weights(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "bandit manager unavailable", nil)
		return
	}
	weights, cfg, err := h.Manager.Current(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	out := map[string]any{"weights": weights}
	if cfg != nil {
		out["manual"] = cfg.Manual
		out["updatedAt"] = cfg.UpdatedAt
		if cfg.RolledBackAt != nil {
			out["rolledBackAt"] = cfg.RolledBackAt
			out["rollbackReason"] = cfg.RollbackReason
		}
	}
	Ok(c, out, nil)
}

// @Summary Set bandit reward weights manually
// @Tags bandit
// @Success 200 {object} apiResponse
// @Router /api/v1/bandit/weights [put]
func (h *BanditHandler) putWeights(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "bandit manager unavailable", nil)
		return
	}
	var req bandit.Weights
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	committed, err := h.Manager.SetWeights(c.Request.Context(), req, true, map[string]any{"source": "api"})
	if errors.Is(err, bandit.ErrInvalidWeights) {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"weights": committed}, nil)
}

type banditRollbackRequest struct {
	Strategy      string          `json:"strategy"`
	Reason        string          `json:"reason"`
	RevisionAt    *time.Time      `json:"revisionAt"`
	TargetWeights *bandit.Weights `json:"targetWeights"`
}

// @Summary Roll bandit weights back to a prior revision
// @Tags bandit
// @Success 200 {object} apiResponse
// @Router /api/v1/bandit/weights/rollback [post]
func (h *BanditHandler) rollback(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "bandit manager unavailable", nil)
		return
	}
	var req banditRollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	outcome, err := h.Manager.Rollback(c.Request.Context(), bandit.RollbackOptions{
		Strategy:      strings.TrimSpace(req.Strategy),
		Reason:        strings.TrimSpace(req.Reason),
		RevisionAt:    req.RevisionAt,
		TargetWeights: req.TargetWeights,
	})
	switch {
	case errors.Is(err, bandit.ErrInvalidWeights):
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	case errors.Is(err, bandit.ErrRevisionNotFound),
		errors.Is(err, bandit.ErrNoPreviousFound),
		errors.Is(err, bandit.ErrNoCurrentWeights):
		Error(c, http.StatusConflict, err.Error(), nil)
		return
	case err != nil:
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, outcome, nil)
}

// @Summary Bandit weight change history, newest first
// @Tags bandit
// @Success 200 {object} apiResponse
// @Router /api/v1/bandit/history [get]
func (h *BanditHandler) history(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	items, err := h.Repo.ListBanditHistory(c.Request.Context(), intQuery(c, "limit", 100))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

type recordOutcomeRequest struct {
	ContentID     string  `json:"contentId"`
	Platform      string  `json:"platform"`
	Variant       string  `json:"variant"`
	RewardCtr     float64 `json:"rewardCtr"`
	RewardQuality float64 `json:"rewardQuality"`
	RewardReach   float64 `json:"rewardReach"`
}

// @Summary Record one selection reward observation
// @Tags bandit
// @Success 200 {object} apiResponse
// @Router /api/v1/bandit/outcomes [post]
func (h *BanditHandler) recordOutcome(c *gin.Context) {
	if h.Tuner == nil {
		Error(c, http.StatusInternalServerError, "bandit tuner unavailable", nil)
		return
	}
	var req recordOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	item := &models.BanditSelectionMetric{
		ContentID:     strings.TrimSpace(req.ContentID),
		Platform:      strings.TrimSpace(req.Platform),
		Variant:       strings.TrimSpace(req.Variant),
		RewardCtr:     req.RewardCtr,
		RewardQuality: req.RewardQuality,
		RewardReach:   req.RewardReach,
		At:            time.Now().UTC(),
	}
	if err := h.Tuner.RecordOutcome(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

// @Summary Weight suggestion from the current reward window
// @Tags bandit
// @Success 200 {object} apiResponse
// @Router /api/v1/bandit/suggestion [get]
func (h *BanditHandler) suggestion(c *gin.Context) {
	if h.Tuner == nil {
		Error(c, http.StatusInternalServerError, "bandit tuner unavailable", nil)
		return
	}
	zscore := false
	if v := boolQueryPtr(c, "zscore"); v != nil {
		zscore = *v
	}
	weights, events, err := h.Tuner.SuggestWeights(c.Request.Context(), zscore)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{
		"suggested": weights,
		"events":    events,
		"zscore":    zscore,
	}, nil)
}

// @Summary Run one tuning pass now
// @Tags bandit
// @Success 200 {object} apiResponse
// @Router /api/v1/bandit/tune [post]
func (h *BanditHandler) tune(c *gin.Context) {
	if h.Tuner == nil {
		Error(c, http.StatusInternalServerError, "bandit tuner unavailable", nil)
		return
	}
	outcome, err := h.Tuner.Run(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, outcome, nil)
}
