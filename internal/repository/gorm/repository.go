package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"autopromote/internal/models"
	"autopromote/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- experiments -------------------------------------------------------------

func (s *Store) InsertExperimentTx(ctx context.Context, tx *gorm.DB, exp *models.Experiment, variants []models.Variant) error {
	if s == nil || s.db == nil || exp == nil {
		return nil
	}
	if tx == nil {
		tx = s.db
	}
	if err := tx.WithContext(ctx).Create(exp).Error; err != nil {
		return err
	}
	if len(variants) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&variants).Error
}

func (s *Store) GetExperimentByID(ctx context.Context, id string) (*models.Experiment, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Experiment
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListExperiments(ctx context.Context, params repository.ListExperimentsParams) ([]models.Experiment, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.applyExperimentFilters(s.db.WithContext(ctx).Model(&models.Experiment{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 100)
	offset := normalizeOffset(params.Offset)
	var items []models.Experiment
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountExperiments(ctx context.Context, params repository.ListExperimentsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	query := s.applyExperimentFilters(s.db.WithContext(ctx).Model(&models.Experiment{}), params)
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) applyExperimentFilters(query *gorm.DB, params repository.ListExperimentsParams) *gorm.DB {
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.AutopilotEnabled != nil {
		query = query.Where("autopilot_enabled = ?", *params.AutopilotEnabled)
	}
	if params.ContentID != nil && strings.TrimSpace(*params.ContentID) != "" {
		query = query.Where("content_id = ?", strings.TrimSpace(*params.ContentID))
	}
	return query
}

var autopilotColumns = map[string]string{
	"enabled":                   "autopilot_enabled",
	"confidence_threshold":      "autopilot_confidence_threshold",
	"min_sample":                "autopilot_min_sample",
	"mode":                      "autopilot_mode",
	"max_budget_change_percent": "autopilot_max_budget_change_percent",
	"allow_budget_increase":     "autopilot_allow_budget_increase",
	"requires_approval":         "autopilot_requires_approval",
}

func (s *Store) UpdateExperimentAutopilot(ctx context.Context, id string, updates map[string]any) error {
	if s == nil || s.db == nil || len(updates) == 0 {
		return nil
	}
	cols := map[string]any{}
	for key, value := range updates {
		if col, ok := autopilotColumns[key]; ok {
			cols[col] = value
		}
	}
	if len(cols) == 0 {
		return nil
	}
	cols["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&models.Experiment{}).
		Where("id = ?", id).
		Updates(cols).Error
}

func (s *Store) SetExperimentApproval(ctx context.Context, id string, approvedBy *string, approvedAt *time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Experiment{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"autopilot_approved_by": approvedBy,
			"autopilot_approved_at": approvedAt,
			"updated_at":            time.Now().UTC(),
		}).Error
}

func (s *Store) CompleteExperimentTx(ctx context.Context, tx *gorm.DB, id string, winner string, at time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	if tx == nil {
		tx = s.db
	}
	return tx.WithContext(ctx).
		Model(&models.Experiment{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       "completed",
			"winner":       winner,
			"completed_at": at,
			"updated_at":   at,
		}).Error
}

func (s *Store) ReactivateExperimentTx(ctx context.Context, tx *gorm.DB, id string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if tx == nil {
		tx = s.db
	}
	return tx.WithContext(ctx).
		Model(&models.Experiment{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       "active",
			"winner":       nil,
			"completed_at": nil,
			"updated_at":   time.Now().UTC(),
		}).Error
}

// --- variants ----------------------------------------------------------------

func (s *Store) ListVariantsByExperimentID(ctx context.Context, experimentID string) ([]models.Variant, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Variant
	if err := s.db.WithContext(ctx).
		Model(&models.Variant{}).
		Where("experiment_id = ?", experimentID).
		Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetVariant(ctx context.Context, experimentID, variantID string) (*models.Variant, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Variant
	err := s.db.WithContext(ctx).
		Where("experiment_id = ? AND variant_id = ?", experimentID, variantID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdateVariantMetrics(ctx context.Context, experimentID, variantID string, params repository.UpdateVariantMetricsParams) error {
	if s == nil || s.db == nil {
		return nil
	}
	cols := map[string]any{}
	if params.Views != nil {
		cols["views"] = *params.Views
	}
	if params.Conversions != nil {
		cols["conversions"] = *params.Conversions
	}
	if params.Engagement != nil {
		cols["engagement"] = *params.Engagement
	}
	if params.Revenue != nil {
		cols["revenue"] = *params.Revenue
	}
	if len(cols) == 0 {
		return nil
	}
	cols["updated_at"] = time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&models.Variant{}).
		Where("experiment_id = ? AND variant_id = ?", experimentID, variantID).
		Updates(cols).Error
}

func (s *Store) UpdateVariantBudgetGuardedTx(ctx context.Context, tx *gorm.DB, experimentID, variantID string, expected, next decimal.Decimal) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).
		Model(&models.Variant{}).
		Where("experiment_id = ? AND variant_id = ?", experimentID, variantID).
		Where("budget = ?", expected).
		Updates(map[string]any{
			"budget":     next,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// --- autopilot action log ----------------------------------------------------

func (s *Store) NextActionSeqTx(ctx context.Context, tx *gorm.DB, experimentID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if tx == nil {
		tx = s.db
	}
	var maxSeq int
	err := tx.WithContext(ctx).
		Model(&models.AutopilotAction{}).
		Where("experiment_id = ?", experimentID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return 0, err
	}
	return maxSeq + 1, nil
}

func (s *Store) AppendActionTx(ctx context.Context, tx *gorm.DB, item *models.AutopilotAction) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if tx == nil {
		tx = s.db
	}
	return tx.WithContext(ctx).Create(item).Error
}

func (s *Store) ListActions(ctx context.Context, experimentID string, limit int) ([]models.AutopilotAction, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 100)
	var items []models.AutopilotAction
	if err := s.db.WithContext(ctx).
		Model(&models.AutopilotAction{}).
		Where("experiment_id = ?", experimentID).
		Order("seq desc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) LatestApplyAction(ctx context.Context, experimentID string) (*models.AutopilotAction, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.AutopilotAction
	err := s.db.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Where("action_type = ?", models.ActionApply).
		Where("rolled_back = ?", false).
		Order("seq desc").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) MarkActionRolledBackTx(ctx context.Context, tx *gorm.DB, experimentID string, seq int) error {
	if s == nil || s.db == nil {
		return nil
	}
	if tx == nil {
		tx = s.db
	}
	return tx.WithContext(ctx).
		Model(&models.AutopilotAction{}).
		Where("experiment_id = ? AND seq = ?", experimentID, seq).
		Update("rolled_back", true).Error
}

// --- bandit ------------------------------------------------------------------

func (s *Store) GetBanditWeights(ctx context.Context, configKey string) (*models.BanditWeightConfig, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.BanditWeightConfig
	err := s.db.WithContext(ctx).Where("config_key = ?", configKey).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) SaveBanditWeightsTx(ctx context.Context, tx *gorm.DB, item *models.BanditWeightConfig) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if tx == nil {
		tx = s.db
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "config_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"ctr",
			"reach",
			"quality",
			"manual",
			"rollback_reason",
			"rolled_back_at",
			"meta",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) AppendBanditHistoryTx(ctx context.Context, tx *gorm.DB, item *models.BanditWeightHistory) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if tx == nil {
		tx = s.db
	}
	return tx.WithContext(ctx).Create(item).Error
}

func (s *Store) ListBanditHistory(ctx context.Context, limit int) ([]models.BanditWeightHistory, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit, 50)
	var items []models.BanditWeightHistory
	if err := s.db.WithContext(ctx).
		Model(&models.BanditWeightHistory{}).
		Order("at desc, id desc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) InsertSelectionMetric(ctx context.Context, item *models.BanditSelectionMetric) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListSelectionMetricsSince(ctx context.Context, since time.Time, limit int) ([]models.BanditSelectionMetric, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	// Tuner scan, not a paginated API; honor the caller's limit.
	if limit <= 0 {
		limit = 500
	}
	var items []models.BanditSelectionMetric
	if err := s.db.WithContext(ctx).
		Model(&models.BanditSelectionMetric{}).
		Where("at >= ?", since).
		Order("at desc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- system settings ---------------------------------------------------------

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.SystemSetting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	if strings.TrimSpace(item.Key) == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value",
			"description",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SystemSetting{})
	if params.Prefix != nil && strings.TrimSpace(*params.Prefix) != "" {
		query = query.Where("key LIKE ?", strings.TrimSpace(*params.Prefix)+"%")
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "key")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.SystemSetting
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SystemSetting{})
	if params.Prefix != nil && strings.TrimSpace(*params.Prefix) != "" {
		query = query.Where("key LIKE ?", strings.TrimSpace(*params.Prefix)+"%")
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// --- helpers -----------------------------------------------------------------

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
