package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Variant is one arm of an experiment. Metrics are written by the ingestion
// endpoints; Budget is mutated only through the guarded apply/rollback path.
type Variant struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	ExperimentID string `gorm:"type:varchar(40);not null;uniqueIndex:idx_variant_experiment,priority:1"`
	VariantID    string `gorm:"type:varchar(80);not null;uniqueIndex:idx_variant_experiment,priority:2"`

	// Invariant: Conversions <= Views.
	Views       uint64 `gorm:"not null;default:0"`
	Conversions uint64 `gorm:"not null;default:0"`
	Engagement  uint64 `gorm:"not null;default:0"`

	Revenue decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	Budget  decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`

	PromotionSettings datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Variant) TableName() string {
	return "experiment_variants"
}
