package models

import (
	"time"
)

// Experiment is one A/B test over promotable content. Variants live in
// experiment_variants; the append-only action log lives in autopilot_actions.
type Experiment struct {
	ID        string `gorm:"type:varchar(40);primaryKey"`
	ContentID string `gorm:"type:varchar(120);not null;index"`

	// active | completed
	Status string `gorm:"type:varchar(20);not null;default:'active';index"`

	Winner *string `gorm:"type:varchar(80)"`

	Autopilot AutopilotConfig `gorm:"embedded;embeddedPrefix:autopilot_"`

	StartedAt   time.Time  `gorm:"type:timestamptz;not null"`
	CompletedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

// AutopilotConfig controls whether and how a winning variant's budget may be
// applied automatically. Approval is single-shot: set by approve, cleared by
// unapprove, consumed (not auto-cleared) by apply.
type AutopilotConfig struct {
	Enabled             bool    `gorm:"not null;default:false"`
	ConfidenceThreshold float64 `gorm:"not null;default:95"`
	MinSample           uint64  `gorm:"not null;default:100"`

	// recommend | auto
	Mode string `gorm:"type:varchar(20);not null;default:'recommend'"`

	MaxBudgetChangePercent float64    `gorm:"not null;default:10"`
	AllowBudgetIncrease    bool       `gorm:"not null;default:false"`
	RequiresApproval       bool       `gorm:"not null;default:false"`
	ApprovedBy             *string    `gorm:"type:varchar(120)"`
	ApprovedAt             *time.Time `gorm:"type:timestamptz"`
}

func (Experiment) TableName() string {
	return "experiments"
}
