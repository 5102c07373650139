package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/switchboard/internal/models"
)

// AllModels returns every GORM model owned by switchboard.
func AllModels() []interface{} {
	return []interface{}{
		&models.ArchivedMessage{},
		&models.RunRecord{},
		&models.AdmissionCounter{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
