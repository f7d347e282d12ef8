package pipeline

import (
	"context"
	"errors"
	"fmt"

	"photohub/internal/database"
	"photohub/internal/jobs"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type StartParams struct {
	TaskType  string
	TenantId  string
	ProjectId *uint
	Source    string
	Items     []ItemRef
	Extra     map[string]any
}

// TaskHandle is returned by StartTask. FirstJobId is unset for degenerate
// definitions with no steps.
type TaskHandle struct {
	TaskId     uuid.UUID
	TaskType   string
	FirstJobId uuid.NullUUID
	Chunked    bool
	JobCount   int
}

// Starter resolves a task type against the registry and enqueues the first
// step's job(s).
type Starter struct {
	registry *Registry
	store    *jobs.Store
	db       *gorm.DB
}

func NewStarter(registry *Registry, store *jobs.Store, db *gorm.DB) *Starter {
	return &Starter{registry: registry, store: store, db: db}
}

// StartTask generates a task id, normalizes the given items, and makes
// exactly one enqueue call for the definition's first step. Unknown task
// types fail with ErrUnknownTaskType; store errors propagate unchanged.
func (s *Starter) StartTask(ctx context.Context, params StartParams) (TaskHandle, error) {
	def, err := s.registry.Get(params.TaskType)
	if err != nil {
		return TaskHandle{}, err
	}

	handle := TaskHandle{TaskId: uuid.New(), TaskType: def.Type}

	if len(def.Steps) == 0 {
		// Metadata-only definition: nothing to enqueue.
		return handle, nil
	}
	first := def.Steps[0]

	payload := make(map[string]any, len(params.Extra)+3)
	for key, value := range params.Extra {
		payload[key] = value
	}
	payload[PayloadTaskId] = handle.TaskId.String()
	payload[PayloadTaskType] = def.Type
	payload[PayloadSource] = params.Source

	var defaults *Item
	if params.ProjectId != nil {
		project, err := s.lookupProject(ctx, *params.ProjectId)
		if err != nil {
			return TaskHandle{}, err
		}
		defaults = &Item{
			ProjectId:     &project.Id,
			ProjectFolder: project.Folder,
			ProjectName:   project.Name,
		}
	}
	items := normalizeItems(params.Items, defaults)

	nj := jobs.NewJob{
		TenantId:  params.TenantId,
		ProjectId: params.ProjectId,
		Type:      first.JobType,
		TaskId:    uuid.NullUUID{UUID: handle.TaskId, Valid: true},
		TaskType:  def.Type,
		Payload:   payload,
		Priority:  first.Priority,
		Scope:     def.ScopeFor(first),
	}

	if len(items) > 0 {
		encoded := make([]any, len(items))
		for i, item := range items {
			encoded[i] = item
		}

		created, err := s.store.EnqueueWithItems(ctx, nj, encoded, true)
		if err != nil {
			return TaskHandle{}, err
		}

		handle.FirstJobId = uuid.NullUUID{UUID: created[0].Id, Valid: true}
		handle.Chunked = len(created) > 1
		handle.JobCount = len(created)
		return handle, nil
	}

	job, err := s.store.Enqueue(ctx, nj)
	if err != nil {
		return TaskHandle{}, err
	}

	handle.FirstJobId = uuid.NullUUID{UUID: job.Id, Valid: true}
	handle.JobCount = 1
	return handle, nil
}

func (s *Starter) lookupProject(ctx context.Context, projectId uint) (*database.Project, error) {
	var project database.Project
	if err := s.db.WithContext(ctx).First(&project, "id = ?", projectId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("project %d not found", projectId)
		}
		return nil, fmt.Errorf("error loading project %d: %w", projectId, err)
	}
	return &project, nil
}
