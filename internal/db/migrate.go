package db

import (
	"autopromote/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Experiment{},
		&models.Variant{},
		&models.AutopilotAction{},
		&models.BanditWeightConfig{},
		&models.BanditWeightHistory{},
		&models.BanditSelectionMetric{},
		&models.SystemSetting{},
	)
}
