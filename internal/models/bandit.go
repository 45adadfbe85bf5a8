package models

import (
	"time"

	"gorm.io/datatypes"
)

// BanditWeightConfig is the single live (ctr, reach, quality) mixture used to
// rank content/platform choices. Exactly one row exists per config key; the
// service uses "global". Invariant: Ctr+Reach+Quality == 1 (±1e-9), each
// component in [0.02, 0.9]. All writes go through the bandit manager.
type BanditWeightConfig struct {
	ConfigKey string `gorm:"type:varchar(40);primaryKey"`

	Ctr     float64 `gorm:"not null"`
	Reach   float64 `gorm:"not null"`
	Quality float64 `gorm:"not null"`

	Manual         bool       `gorm:"not null;default:false"`
	RollbackReason string     `gorm:"type:varchar(120)"`
	RolledBackAt   *time.Time `gorm:"type:timestamptz"`

	// Tuner suggestion metadata from the update that produced these weights.
	Meta datatypes.JSON `gorm:"type:jsonb"`

	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (BanditWeightConfig) TableName() string {
	return "bandit_weight_configs"
}

// BanditWeightHistory is an append-only ledger of weight changes; rows are
// never mutated after write. Tuning commits carry Prev and Next; rollbacks
// carry Restored and FromWeights plus RollbackApplied.
type BanditWeightHistory struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	At time.Time `gorm:"type:timestamptz;not null;index"`

	Prev        datatypes.JSON `gorm:"type:jsonb"`
	Next        datatypes.JSON `gorm:"type:jsonb"`
	Restored    datatypes.JSON `gorm:"type:jsonb"`
	FromWeights datatypes.JSON `gorm:"type:jsonb"`

	RollbackApplied bool     `gorm:"not null;default:false"`
	RollbackReason  string   `gorm:"type:varchar(120)"`
	Manual          bool     `gorm:"not null;default:false"`
	Strategy        string   `gorm:"type:varchar(40)"`
	DropPct         *float64 `gorm:""`

	Meta datatypes.JSON `gorm:"type:jsonb"`
}

func (BanditWeightHistory) TableName() string {
	return "bandit_weight_history"
}

// BanditSelectionMetric is one observed selection outcome used by the
// auto-tuner's rolling reward window.
type BanditSelectionMetric struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	ContentID string `gorm:"type:varchar(120);index"`
	Platform  string `gorm:"type:varchar(40)"`
	Variant   string `gorm:"type:varchar(80)"`

	RewardCtr     float64 `gorm:"not null;default:0"`
	RewardQuality float64 `gorm:"not null;default:0"`
	RewardReach   float64 `gorm:"not null;default:0"`

	At time.Time `gorm:"type:timestamptz;not null;index"`
}

func (BanditSelectionMetric) TableName() string {
	return "bandit_selection_metrics"
}
