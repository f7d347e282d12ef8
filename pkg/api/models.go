package api

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskItem identifies one photo a task should process. On the wire it is
// either a bare filename string or an object carrying per item overrides.
type TaskItem struct {
	Filename  string
	ProjectId *uint `json:"ProjectId,omitempty"`
}

func (t *TaskItem) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &t.Filename)
	}

	type plain TaskItem
	return json.Unmarshal(data, (*plain)(t))
}

type StartTaskRequest struct {
	TaskType string

	TenantId  string
	ProjectId *uint
	Source    string

	Items []TaskItem

	// Flags is merged into the task payload and forwarded to every job in
	// the task, e.g. {"needGenerateDerivatives": false}.
	Flags map[string]any
}

type StartTaskResponse struct {
	TaskId   uuid.UUID
	TaskType string

	JobCount int
	Chunked  bool
}

type Job struct {
	Id uuid.UUID

	TaskId   *uuid.UUID `json:"TaskId,omitempty"`
	TaskType string     `json:"TaskType,omitempty"`

	Type      string
	TenantId  string
	ProjectId *uint `json:"ProjectId,omitempty"`

	Priority int
	Scope    string
	Status   string

	ChunkIndex int
	ChunkCount int

	Attempts int
	Error    string `json:"Error,omitempty"`

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type Task struct {
	TaskId   uuid.UUID
	TaskType string

	// Status is derived from the member jobs, there is no task row.
	Status string

	Jobs []Job
}

type CompleteJobRequest struct {
	// Flags computed by the worker, merged into the task payload on
	// completion, e.g. {"needGenerateDerivatives": false}.
	Flags map[string]any
}

type FailJobRequest struct {
	Error string
}

type JobEvent struct {
	JobId     uuid.UUID
	Status    string
	Detail    string `json:"Detail,omitempty"`
	Timestamp time.Time
}

type CreateProjectRequest struct {
	Name   string
	Folder string
}

type CreateProjectResponse struct {
	ProjectId uint
}

type Project struct {
	Id     uint
	Name   string
	Folder string

	PhotoCount      int
	ReadyPhotoCount int

	CreationTime time.Time
}

type Photo struct {
	Id        uuid.UUID
	ProjectId uint
	Filename  string
	Status    string

	DerivativesGenerated bool

	CreationTime time.Time
}

type UploadPhotoResponse struct {
	Filename string
	TaskId   uuid.UUID
}
