package bandit

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"autopromote/internal/audit"
	"autopromote/internal/models"
	"autopromote/internal/repository"
)

var (
	ErrInvalidWeights   = errors.New("invalid_weights")
	ErrRevisionNotFound = errors.New("revision_not_found")
	ErrNoPreviousFound  = errors.New("no_previous_found")
	ErrNoCurrentWeights = errors.New("no_current_weights")
)

// DefaultConfigKey names the single live weight row.
const DefaultConfigKey = "global"

const (
	weightFloor = 0.02
	weightCeil  = 0.9
	weightTol   = 1e-9
)

// Weights is a (ctr, reach, quality) reward mixture. A valid value sums to 1
// with each component in [0.02, 0.9].
type Weights struct {
	Ctr     float64 `json:"ctr"`
	Reach   float64 `json:"reach"`
	Quality float64 `json:"quality"`
}

func (w Weights) Sum() float64 {
	return w.Ctr + w.Reach + w.Quality
}

// NormalizeWeights validates raw weights and projects them onto the valid
// region: normalize to sum 1, clamp each component to [0.02, 0.9], and
// renormalize. Clamping and renormalizing are iterated to a fixed point so
// both the sum and the bounds hold for extreme inputs.
func NormalizeWeights(raw Weights) (Weights, error) {
	vals := [3]float64{raw.Ctr, raw.Reach, raw.Quality}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return Weights{}, ErrInvalidWeights
		}
	}
	sum := vals[0] + vals[1] + vals[2]
	if sum <= 0 {
		return Weights{}, ErrInvalidWeights
	}
	for i := range vals {
		vals[i] /= sum
	}
	for round := 0; round < 256; round++ {
		for i := range vals {
			vals[i] = math.Max(weightFloor, math.Min(weightCeil, vals[i]))
		}
		sum = vals[0] + vals[1] + vals[2]
		if math.Abs(sum-1) <= weightTol {
			break
		}
		for i := range vals {
			vals[i] /= sum
		}
	}
	return Weights{Ctr: vals[0], Reach: vals[1], Quality: vals[2]}, nil
}

// RollbackOptions selects how the restore target is chosen. Strategy is one
// of "previous" (default), "revision", or "custom".
type RollbackOptions struct {
	Strategy      string
	Reason        string
	RevisionAt    *time.Time
	TargetWeights *Weights
}

type RollbackOutcome struct {
	Restored Weights `json:"restored"`
	From     Weights `json:"from"`
	Strategy string  `json:"strategy"`
}

// Manager owns every write to the live bandit weight row. Each change,
// manual or automatic, appends a history row in the same transaction.
type Manager struct {
	Repo      repository.Repository
	Logger    *zap.Logger
	Audit     audit.Recorder
	ConfigKey string
	Defaults  Weights
}

func (m *Manager) configKey() string {
	if m != nil && m.ConfigKey != "" {
		return m.ConfigKey
	}
	return DefaultConfigKey
}

func (m *Manager) defaults() Weights {
	if m != nil && m.Defaults.Sum() > 0 {
		return m.Defaults
	}
	return Weights{Ctr: 0.6, Reach: 0.25, Quality: 0.15}
}

// Current returns the live weights, falling back to the defaults when no row
// exists yet.
func (m *Manager) Current(ctx context.Context) (Weights, *models.BanditWeightConfig, error) {
	if m == nil || m.Repo == nil {
		return Weights{}, nil, errors.New("bandit manager not configured")
	}
	cfg, err := m.Repo.GetBanditWeights(ctx, m.configKey())
	if err != nil {
		return Weights{}, nil, err
	}
	if cfg == nil {
		return m.defaults(), nil, nil
	}
	return Weights{Ctr: cfg.Ctr, Reach: cfg.Reach, Quality: cfg.Quality}, cfg, nil
}

// SetWeights commits new weights as a manual change, with a history row
// recording the previous and next values.
func (m *Manager) SetWeights(ctx context.Context, raw Weights, manual bool, meta map[string]any) (Weights, error) {
	if m == nil || m.Repo == nil {
		return Weights{}, errors.New("bandit manager not configured")
	}
	next, err := NormalizeWeights(raw)
	if err != nil {
		return Weights{}, err
	}
	prev, _, err := m.Current(ctx)
	if err != nil {
		return Weights{}, err
	}
	if err := m.commit(ctx, prev, next, manual, meta); err != nil {
		return Weights{}, err
	}
	return next, nil
}

func (m *Manager) commit(ctx context.Context, prev, next Weights, manual bool, meta map[string]any) error {
	now := time.Now().UTC()
	prevDoc, _ := json.Marshal(prev)
	nextDoc, _ := json.Marshal(next)
	var metaDoc []byte
	if meta != nil {
		metaDoc, _ = json.Marshal(meta)
	}
	return m.Repo.InTx(ctx, func(tx *gorm.DB) error {
		if err := m.Repo.SaveBanditWeightsTx(ctx, tx, &models.BanditWeightConfig{
			ConfigKey: m.configKey(),
			Ctr:       next.Ctr,
			Reach:     next.Reach,
			Quality:   next.Quality,
			Manual:    manual,
			Meta:      metaDoc,
		}); err != nil {
			return err
		}
		return m.Repo.AppendBanditHistoryTx(ctx, tx, &models.BanditWeightHistory{
			At:     now,
			Prev:   prevDoc,
			Next:   nextDoc,
			Manual: manual,
			Meta:   metaDoc,
		})
	})
}

// Rollback restores weights per the chosen strategy.
//
// "custom" normalizes the caller's target; "revision" restores the history
// row whose timestamp matches RevisionAt, preferring its prev, then
// restored, then next weights; "previous" walks history newest-first for the
// latest ordinary tuning commit and restores its prev weights.
func (m *Manager) Rollback(ctx context.Context, opts RollbackOptions) (RollbackOutcome, error) {
	if m == nil || m.Repo == nil {
		return RollbackOutcome{}, errors.New("bandit manager not configured")
	}
	from, cfg, err := m.Current(ctx)
	if err != nil {
		return RollbackOutcome{}, err
	}
	if cfg == nil {
		return RollbackOutcome{}, ErrNoCurrentWeights
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = "previous"
	}

	var restored Weights
	switch strategy {
	case "custom":
		if opts.TargetWeights == nil {
			return RollbackOutcome{}, ErrInvalidWeights
		}
		restored, err = NormalizeWeights(*opts.TargetWeights)
		if err != nil {
			return RollbackOutcome{}, err
		}
	case "revision":
		restored, err = m.revisionTarget(ctx, opts.RevisionAt)
		if err != nil {
			return RollbackOutcome{}, err
		}
	default:
		strategy = "previous"
		restored, err = m.previousTarget(ctx)
		if err != nil {
			return RollbackOutcome{}, err
		}
	}

	reason := opts.Reason
	if reason == "" {
		reason = "manual_rollback"
	}
	now := time.Now().UTC()
	restoredDoc, _ := json.Marshal(restored)
	fromDoc, _ := json.Marshal(from)

	err = m.Repo.InTx(ctx, func(tx *gorm.DB) error {
		if err := m.Repo.SaveBanditWeightsTx(ctx, tx, &models.BanditWeightConfig{
			ConfigKey:      m.configKey(),
			Ctr:            restored.Ctr,
			Reach:          restored.Reach,
			Quality:        restored.Quality,
			Manual:         true,
			RollbackReason: reason,
			RolledBackAt:   &now,
		}); err != nil {
			return err
		}
		return m.Repo.AppendBanditHistoryTx(ctx, tx, &models.BanditWeightHistory{
			At:              now,
			Restored:        restoredDoc,
			FromWeights:     fromDoc,
			RollbackApplied: true,
			RollbackReason:  reason,
			Manual:          true,
			Strategy:        strategy,
		})
	})
	if err != nil {
		return RollbackOutcome{}, err
	}

	m.record(ctx, "bandit_weights_rollback", map[string]any{
		"strategy": strategy,
		"reason":   reason,
		"restored": restored,
		"from":     from,
	})
	if m.Logger != nil {
		m.Logger.Info("bandit weights rolled back",
			zap.String("strategy", strategy),
			zap.String("reason", reason),
		)
	}
	return RollbackOutcome{Restored: restored, From: from, Strategy: strategy}, nil
}

func (m *Manager) revisionTarget(ctx context.Context, at *time.Time) (Weights, error) {
	if at == nil {
		return Weights{}, ErrRevisionNotFound
	}
	rows, err := m.Repo.ListBanditHistory(ctx, 500)
	if err != nil {
		return Weights{}, err
	}
	for _, row := range rows {
		if !row.At.Equal(*at) {
			continue
		}
		for _, doc := range [][]byte{row.Prev, row.Restored, row.Next} {
			// Re-project so legacy or hand-edited rows still satisfy the
			// sum and bounds invariant.
			if w, ok := decodeWeights(doc); ok {
				return NormalizeWeights(w)
			}
		}
	}
	return Weights{}, ErrRevisionNotFound
}

func (m *Manager) previousTarget(ctx context.Context) (Weights, error) {
	rows, err := m.Repo.ListBanditHistory(ctx, 500)
	if err != nil {
		return Weights{}, err
	}
	for _, row := range rows {
		if row.RollbackApplied || len(row.Prev) == 0 || len(row.Next) == 0 {
			continue
		}
		if w, ok := decodeWeights(row.Prev); ok {
			return NormalizeWeights(w)
		}
	}
	return Weights{}, ErrNoPreviousFound
}

func decodeWeights(doc []byte) (Weights, bool) {
	if len(doc) == 0 {
		return Weights{}, false
	}
	var w Weights
	if err := json.Unmarshal(doc, &w); err != nil {
		return Weights{}, false
	}
	if w.Sum() <= 0 {
		return Weights{}, false
	}
	return w, true
}

func (m *Manager) record(ctx context.Context, eventType string, payload map[string]any) {
	if m.Audit == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := m.Audit.Record(recordCtx, eventType, payload); err != nil && m.Logger != nil {
		m.Logger.Warn("audit record failed", zap.String("event", eventType), zap.Error(err))
	}
}
