package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Project struct {
	Id           uint   `gorm:"primaryKey"`
	Name         string `gorm:"not null"`
	Folder       string `gorm:"not null;uniqueIndex"`
	CreationTime time.Time

	PhotoCount      int `gorm:"default:0"`
	ReadyPhotoCount int `gorm:"default:0"`

	Photos []Photo `gorm:"foreignKey:ProjectId;constraint:OnDelete:CASCADE"`
}

type Photo struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectId uint      `gorm:"uniqueIndex:idx_photos_project_filename"`
	Project   *Project  `gorm:"foreignKey:ProjectId"`

	Filename string `gorm:"not null;uniqueIndex:idx_photos_project_filename"`
	Status   string `gorm:"size:20;not null"`

	DerivativesGenerated bool `gorm:"default:false"`

	CreationTime time.Time
}

type Job struct {
	Id       uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantId string    `gorm:"size:64;index"`

	ProjectId *uint    `gorm:"index"`
	Project   *Project `gorm:"foreignKey:ProjectId"`

	Type     string        `gorm:"size:64;not null;index"`
	TaskId   uuid.NullUUID `gorm:"type:uuid;index"`
	TaskType string        `gorm:"size:64"`

	Payload datatypes.JSON
	Items   datatypes.JSON

	Priority int    `gorm:"default:0"`
	Scope    string `gorm:"size:64;not null;index"`
	Status   string `gorm:"size:20;not null;index"`

	ChunkIndex int `gorm:"default:0"`
	ChunkCount int `gorm:"default:1"`

	Error string

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime
}

type JobEvent struct {
	Id    uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobId uuid.UUID `gorm:"type:uuid;index"`

	Status    string `gorm:"size:20;not null"`
	Detail    string
	Timestamp time.Time
}

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(
		&Project{}, &Photo{}, &Job{}, &JobEvent{},
	)
}
