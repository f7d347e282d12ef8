package migration_2

import (
	"fmt"

	"gorm.io/gorm"
)

type Job struct {
	CompletedChunks int `gorm:"default:0"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Job{}, "completed_chunks"); err != nil {
		return fmt.Errorf("error adding CompletedChunks column: %w", err)
	}

	if err := db.Model(&Job{}).
		Where("completed_chunks IS NULL").
		Update("completed_chunks", 0).Error; err != nil {
		return fmt.Errorf("error setting default value for CompletedChunks: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&Job{}, "CompletedChunks"); err != nil {
		return fmt.Errorf("error dropping CompletedChunks column: %w", err)
	}

	return nil
}
