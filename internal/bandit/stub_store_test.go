package bandit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"autopromote/internal/models"
	"autopromote/internal/repository"
)

// stubStore is an in-memory repository for bandit tests. History is returned
// newest first, matching the storage layer's ordering.
type stubStore struct {
	weights *models.BanditWeightConfig
	history []models.BanditWeightHistory
	metrics []models.BanditSelectionMetric
}

func (s *stubStore) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func (s *stubStore) GetBanditWeights(ctx context.Context, configKey string) (*models.BanditWeightConfig, error) {
	if s.weights == nil || s.weights.ConfigKey != configKey {
		return nil, nil
	}
	cp := *s.weights
	return &cp, nil
}

func (s *stubStore) SaveBanditWeightsTx(ctx context.Context, tx *gorm.DB, item *models.BanditWeightConfig) error {
	cp := *item
	s.weights = &cp
	return nil
}

func (s *stubStore) AppendBanditHistoryTx(ctx context.Context, tx *gorm.DB, item *models.BanditWeightHistory) error {
	cp := *item
	cp.ID = uint64(len(s.history) + 1)
	s.history = append([]models.BanditWeightHistory{cp}, s.history...)
	return nil
}

func (s *stubStore) ListBanditHistory(ctx context.Context, limit int) ([]models.BanditWeightHistory, error) {
	items := append([]models.BanditWeightHistory(nil), s.history...)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *stubStore) InsertSelectionMetric(ctx context.Context, item *models.BanditSelectionMetric) error {
	s.metrics = append(s.metrics, *item)
	return nil
}

func (s *stubStore) ListSelectionMetricsSince(ctx context.Context, since time.Time, limit int) ([]models.BanditSelectionMetric, error) {
	out := make([]models.BanditSelectionMetric, 0, len(s.metrics))
	for _, m := range s.metrics {
		if m.At.Before(since) {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubStore) InsertExperimentTx(ctx context.Context, tx *gorm.DB, exp *models.Experiment, variants []models.Variant) error {
	return nil
}

func (s *stubStore) GetExperimentByID(ctx context.Context, id string) (*models.Experiment, error) {
	return nil, nil
}

func (s *stubStore) ListExperiments(ctx context.Context, params repository.ListExperimentsParams) ([]models.Experiment, error) {
	return nil, nil
}

func (s *stubStore) CountExperiments(ctx context.Context, params repository.ListExperimentsParams) (int64, error) {
	return 0, nil
}

func (s *stubStore) UpdateExperimentAutopilot(ctx context.Context, id string, updates map[string]any) error {
	return nil
}

func (s *stubStore) SetExperimentApproval(ctx context.Context, id string, approvedBy *string, approvedAt *time.Time) error {
	return nil
}

func (s *stubStore) CompleteExperimentTx(ctx context.Context, tx *gorm.DB, id string, winner string, at time.Time) error {
	return nil
}

func (s *stubStore) ReactivateExperimentTx(ctx context.Context, tx *gorm.DB, id string) error {
	return nil
}

func (s *stubStore) ListVariantsByExperimentID(ctx context.Context, experimentID string) ([]models.Variant, error) {
	return nil, nil
}

func (s *stubStore) GetVariant(ctx context.Context, experimentID, variantID string) (*models.Variant, error) {
	return nil, nil
}

func (s *stubStore) UpdateVariantMetrics(ctx context.Context, experimentID, variantID string, params repository.UpdateVariantMetricsParams) error {
	return nil
}

func (s *stubStore) UpdateVariantBudgetGuardedTx(ctx context.Context, tx *gorm.DB, experimentID, variantID string, expected, next decimal.Decimal) (bool, error) {
	return false, nil
}

func (s *stubStore) NextActionSeqTx(ctx context.Context, tx *gorm.DB, experimentID string) (int, error) {
	return 1, nil
}

func (s *stubStore) AppendActionTx(ctx context.Context, tx *gorm.DB, item *models.AutopilotAction) error {
	return nil
}

func (s *stubStore) ListActions(ctx context.Context, experimentID string, limit int) ([]models.AutopilotAction, error) {
	return nil, nil
}

func (s *stubStore) LatestApplyAction(ctx context.Context, experimentID string) (*models.AutopilotAction, error) {
	return nil, nil
}

func (s *stubStore) MarkActionRolledBackTx(ctx context.Context, tx *gorm.DB, experimentID string, seq int) error {
	return nil
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
