package autopilot

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"autopromote/internal/models"
	"autopromote/internal/repository"
)

// stubStore is an in-memory repository for applier tests. Only the methods
// the apply/rollback paths touch are meaningfully implemented.
type stubStore struct {
	experiments map[string]*models.Experiment
	variants    map[string][]models.Variant
	actions     map[string][]models.AutopilotAction

	// budgetCASFails makes the next n guarded budget writes report a
	// conflict.
	budgetCASFails int
}

func newStubStore() *stubStore {
	return &stubStore{
		experiments: map[string]*models.Experiment{},
		variants:    map[string][]models.Variant{},
		actions:     map[string][]models.AutopilotAction{},
	}
}

func (s *stubStore) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func (s *stubStore) InsertExperimentTx(ctx context.Context, tx *gorm.DB, exp *models.Experiment, variants []models.Variant) error {
	cp := *exp
	s.experiments[exp.ID] = &cp
	s.variants[exp.ID] = append([]models.Variant(nil), variants...)
	return nil
}

func (s *stubStore) GetExperimentByID(ctx context.Context, id string) (*models.Experiment, error) {
	exp, ok := s.experiments[id]
	if !ok {
		return nil, nil
	}
	cp := *exp
	return &cp, nil
}

func (s *stubStore) ListExperiments(ctx context.Context, params repository.ListExperimentsParams) ([]models.Experiment, error) {
	out := make([]models.Experiment, 0, len(s.experiments))
	for _, exp := range s.experiments {
		if params.Status != nil && exp.Status != *params.Status {
			continue
		}
		if params.AutopilotEnabled != nil && exp.Autopilot.Enabled != *params.AutopilotEnabled {
			continue
		}
		out = append(out, *exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubStore) CountExperiments(ctx context.Context, params repository.ListExperimentsParams) (int64, error) {
	items, _ := s.ListExperiments(ctx, params)
	return int64(len(items)), nil
}

func (s *stubStore) UpdateExperimentAutopilot(ctx context.Context, id string, updates map[string]any) error {
	return nil
}

func (s *stubStore) SetExperimentApproval(ctx context.Context, id string, approvedBy *string, approvedAt *time.Time) error {
	if exp, ok := s.experiments[id]; ok {
		exp.Autopilot.ApprovedBy = approvedBy
		exp.Autopilot.ApprovedAt = approvedAt
	}
	return nil
}

func (s *stubStore) CompleteExperimentTx(ctx context.Context, tx *gorm.DB, id string, winner string, at time.Time) error {
	if exp, ok := s.experiments[id]; ok {
		exp.Status = "completed"
		exp.Winner = &winner
		exp.CompletedAt = &at
	}
	return nil
}

func (s *stubStore) ReactivateExperimentTx(ctx context.Context, tx *gorm.DB, id string) error {
	if exp, ok := s.experiments[id]; ok {
		exp.Status = "active"
		exp.Winner = nil
		exp.CompletedAt = nil
	}
	return nil
}

func (s *stubStore) ListVariantsByExperimentID(ctx context.Context, experimentID string) ([]models.Variant, error) {
	return append([]models.Variant(nil), s.variants[experimentID]...), nil
}

func (s *stubStore) GetVariant(ctx context.Context, experimentID, variantID string) (*models.Variant, error) {
	for _, v := range s.variants[experimentID] {
		if v.VariantID == variantID {
			cp := v
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubStore) UpdateVariantMetrics(ctx context.Context, experimentID, variantID string, params repository.UpdateVariantMetricsParams) error {
	return nil
}

func (s *stubStore) UpdateVariantBudgetGuardedTx(ctx context.Context, tx *gorm.DB, experimentID, variantID string, expected, next decimal.Decimal) (bool, error) {
	if s.budgetCASFails > 0 {
		s.budgetCASFails--
		return false, nil
	}
	vs := s.variants[experimentID]
	for i := range vs {
		if vs[i].VariantID == variantID && vs[i].Budget.Equal(expected) {
			vs[i].Budget = next
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStore) NextActionSeqTx(ctx context.Context, tx *gorm.DB, experimentID string) (int, error) {
	max := 0
	for _, a := range s.actions[experimentID] {
		if a.Seq > max {
			max = a.Seq
		}
	}
	return max + 1, nil
}

func (s *stubStore) AppendActionTx(ctx context.Context, tx *gorm.DB, item *models.AutopilotAction) error {
	s.actions[item.ExperimentID] = append(s.actions[item.ExperimentID], *item)
	return nil
}

func (s *stubStore) ListActions(ctx context.Context, experimentID string, limit int) ([]models.AutopilotAction, error) {
	items := append([]models.AutopilotAction(nil), s.actions[experimentID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].Seq > items[j].Seq })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *stubStore) LatestApplyAction(ctx context.Context, experimentID string) (*models.AutopilotAction, error) {
	items, _ := s.ListActions(ctx, experimentID, 0)
	for _, a := range items {
		if a.ActionType == models.ActionApply && !a.RolledBack {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *stubStore) MarkActionRolledBackTx(ctx context.Context, tx *gorm.DB, experimentID string, seq int) error {
	items := s.actions[experimentID]
	for i := range items {
		if items[i].Seq == seq {
			items[i].RolledBack = true
		}
	}
	return nil
}

func (s *stubStore) GetBanditWeights(ctx context.Context, configKey string) (*models.BanditWeightConfig, error) {
	return nil, nil
}

func (s *stubStore) SaveBanditWeightsTx(ctx context.Context, tx *gorm.DB, item *models.BanditWeightConfig) error {
	return nil
}

func (s *stubStore) AppendBanditHistoryTx(ctx context.Context, tx *gorm.DB, item *models.BanditWeightHistory) error {
	return nil
}

func (s *stubStore) ListBanditHistory(ctx context.Context, limit int) ([]models.BanditWeightHistory, error) {
	return nil, nil
}

func (s *stubStore) InsertSelectionMetric(ctx context.Context, item *models.BanditSelectionMetric) error {
	return nil
}

func (s *stubStore) ListSelectionMetricsSince(ctx context.Context, since time.Time, limit int) ([]models.BanditSelectionMetric, error) {
	return nil, nil
}

func (s *stubStore) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	return nil, nil
}

func (s *stubStore) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	return nil
}

func (s *stubStore) ListSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	return nil, nil
}

func (s *stubStore) CountSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) (int64, error) {
	return 0, nil
}
