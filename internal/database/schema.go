package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

const (
	PhotoRegistered string = "REGISTERED"
	PhotoProcessing string = "PROCESSING"
	PhotoReady      string = "READY"
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

// Job is one atomic unit of work in the orchestration pipeline. TaskId and
// TaskType are denormalized from the payload so the advancer can look up
// sibling jobs without unpacking JSON; the payload remains the wire contract
// between steps.
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

	// CompletedChunks lives on the chunk_index 0 row of a chunk group.
	// Each completing sibling increments it in its own transaction, so
	// concurrent completions serialize on that row and exactly one of
	// them observes the full count.
	CompletedChunks int `gorm:"default:0"`

	Attempts int `gorm:"default:0"`
	Error    string

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
