package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type Job struct {
	Attempts int `gorm:"default:0"`
}

func Migration(db *gorm.DB) error {
	if err := db.Migrator().AddColumn(&Job{}, "attempts"); err != nil {
		return fmt.Errorf("error adding Attempts column: %w", err)
	}

	if err := db.Model(&Job{}).
		Where("attempts IS NULL").
		Update("attempts", 0).Error; err != nil {
		return fmt.Errorf("error setting default value for Attempts: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropColumn(&Job{}, "Attempts"); err != nil {
		return fmt.Errorf("error dropping Attempts column: %w", err)
	}

	return nil
}
