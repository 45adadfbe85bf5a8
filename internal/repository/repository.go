package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"autopromote/internal/models"
)

type ListExperimentsParams struct {
	Status           *string
	AutopilotEnabled *bool
	ContentID        *string
	Limit            int
	Offset           int
	OrderBy          string
	Asc              *bool
}

type ListSystemSettingsParams struct {
	Prefix  *string
	Limit   int
	Offset  int
	OrderBy string
	Asc     *bool
}

// UpdateVariantMetricsParams carries a partial metrics update; nil fields are
// left untouched.
type UpdateVariantMetricsParams struct {
	Views       *uint64
	Conversions *uint64
	Engagement  *uint64
	Revenue     *decimal.Decimal
}

// Repository is the storage boundary for experiments, the autopilot action
// log, bandit weights, and system settings. Budget writes go through
// UpdateVariantBudgetGuardedTx only.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Experiments
	InsertExperimentTx(ctx context.Context, tx *gorm.DB, exp *models.Experiment, variants []models.Variant) error
	GetExperimentByID(ctx context.Context, id string) (*models.Experiment, error)
	ListExperiments(ctx context.Context, params ListExperimentsParams) ([]models.Experiment, error)
	CountExperiments(ctx context.Context, params ListExperimentsParams) (int64, error)
	UpdateExperimentAutopilot(ctx context.Context, id string, updates map[string]any) error
	SetExperimentApproval(ctx context.Context, id string, approvedBy *string, approvedAt *time.Time) error
	CompleteExperimentTx(ctx context.Context, tx *gorm.DB, id string, winner string, at time.Time) error
	ReactivateExperimentTx(ctx context.Context, tx *gorm.DB, id string) error

	// Variants
	ListVariantsByExperimentID(ctx context.Context, experimentID string) ([]models.Variant, error)
	GetVariant(ctx context.Context, experimentID, variantID string) (*models.Variant, error)
	UpdateVariantMetrics(ctx context.Context, experimentID, variantID string, params UpdateVariantMetricsParams) error
	// UpdateVariantBudgetGuardedTx performs the optimistic compare-and-set:
	// the budget is written only when it still equals expected. Returns false
	// on a concurrent change.
	UpdateVariantBudgetGuardedTx(ctx context.Context, tx *gorm.DB, experimentID, variantID string, expected, next decimal.Decimal) (bool, error)

	// Autopilot action log (append-only)
	NextActionSeqTx(ctx context.Context, tx *gorm.DB, experimentID string) (int, error)
	AppendActionTx(ctx context.Context, tx *gorm.DB, item *models.AutopilotAction) error
	ListActions(ctx context.Context, experimentID string, limit int) ([]models.AutopilotAction, error)
	LatestApplyAction(ctx context.Context, experimentID string) (*models.AutopilotAction, error)
	MarkActionRolledBackTx(ctx context.Context, tx *gorm.DB, experimentID string, seq int) error

	// Bandit weights
	GetBanditWeights(ctx context.Context, configKey string) (*models.BanditWeightConfig, error)
	SaveBanditWeightsTx(ctx context.Context, tx *gorm.DB, item *models.BanditWeightConfig) error
	AppendBanditHistoryTx(ctx context.Context, tx *gorm.DB, item *models.BanditWeightHistory) error
	ListBanditHistory(ctx context.Context, limit int) ([]models.BanditWeightHistory, error)
	InsertSelectionMetric(ctx context.Context, item *models.BanditSelectionMetric) error
	ListSelectionMetricsSince(ctx context.Context, since time.Time, limit int) ([]models.BanditSelectionMetric, error)

	// System settings
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	ListSystemSettings(ctx context.Context, params ListSystemSettingsParams) ([]models.SystemSetting, error)
	CountSystemSettings(ctx context.Context, params ListSystemSettingsParams) (int64, error)
}
