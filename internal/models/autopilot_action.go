package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	ActionApply     = "apply"
	ActionRecommend = "recommend"
	ActionRollback  = "rollback"
)

// AutopilotAction is one entry in an experiment's append-only action log.
// Seq is 1-based per experiment; a rollback action references the apply it
// reverted via RevertedSeq, and that apply carries RolledBack=true.
type AutopilotAction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	ExperimentID string `gorm:"type:varchar(40);not null;uniqueIndex:idx_action_experiment_seq,priority:1"`
	Seq          int    `gorm:"not null;uniqueIndex:idx_action_experiment_seq,priority:2"`

	// apply | recommend | rollback
	ActionType string `gorm:"type:varchar(20);not null;index"`

	Winner     *string  `gorm:"type:varchar(80)"`
	Confidence *float64 `gorm:""`

	PreviousBudget *decimal.Decimal `gorm:"type:numeric(30,10)"`
	NewBudget      *decimal.Decimal `gorm:"type:numeric(30,10)"`

	DecisionSnapshot datatypes.JSON `gorm:"type:jsonb"`

	RevertedSeq *int   `gorm:""`
	RolledBack  bool   `gorm:"not null;default:false"`
	Reason      string `gorm:"type:varchar(80)"`

	At time.Time `gorm:"type:timestamptz;not null;index"`
}

func (AutopilotAction) TableName() string {
	return "autopilot_actions"
}
