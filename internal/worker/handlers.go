package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"photohub/internal/database"
	"photohub/internal/pipeline"
	"photohub/internal/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	JobTypeIngest              = "ingest"
	JobTypeGenerateDerivatives = "generate_derivatives"
	JobTypeFinalize            = "finalize"
	JobTypeReindex             = "reindex"
)

var derivativeVariants = []string{"thumb", "preview"}

// PhotoHandlers implements the built in photo pipeline job types. The
// handlers are thin on purpose: registration, derivative writes, and status
// flips, with everything about ordering and retries left to the job store.
type PhotoHandlers struct {
	db      *gorm.DB
	objects storage.ObjectStore
}

func NewPhotoHandlers(db *gorm.DB, objects storage.ObjectStore) *PhotoHandlers {
	return &PhotoHandlers{db: db, objects: objects}
}

func (h *PhotoHandlers) Register(proc *Processor) {
	proc.RegisterHandler(JobTypeIngest, h.Ingest)
	proc.RegisterHandler(JobTypeGenerateDerivatives, h.GenerateDerivatives)
	proc.RegisterHandler(JobTypeFinalize, h.Finalize)
	proc.RegisterHandler(JobTypeReindex, h.Reindex)
}

func itemProject(job *database.Job, item pipeline.Item) (uint, error) {
	if item.ProjectId != nil {
		return *item.ProjectId, nil
	}
	if job.ProjectId != nil {
		return *job.ProjectId, nil
	}
	return 0, fmt.Errorf("item %q has no project", item.Filename)
}

func (h *PhotoHandlers) Ingest(ctx context.Context, job *database.Job) (map[string]any, error) {
	items, err := pipeline.DecodeItems(job.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job items: %w", err)
	}

	needDerivatives := false
	for _, item := range items {
		projectId, err := itemProject(job, item)
		if err != nil {
			return nil, err
		}

		photo := database.Photo{
			Id:           uuid.New(),
			ProjectId:    projectId,
			Filename:     item.Filename,
			Status:       database.PhotoProcessing,
			CreationTime: time.Now().UTC(),
		}

		// Re-registering an existing photo resets its status, so re-running
		// an upload task is safe.
		err = h.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "filename"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"status": database.PhotoProcessing}),
		}).Create(&photo).Error
		if err != nil {
			return nil, fmt.Errorf("failed to register photo %q: %w", item.Filename, err)
		}

		var registered database.Photo
		err = h.db.WithContext(ctx).
			Where("project_id = ? AND filename = ?", projectId, item.Filename).
			Take(&registered).Error
		if err != nil {
			return nil, fmt.Errorf("failed to load photo %q: %w", item.Filename, err)
		}
		if !registered.DerivativesGenerated {
			needDerivatives = true
		}
	}

	// Photos re-registered after a crash may already carry derivatives; when
	// every photo in the batch does, the chain can skip the generation step.
	return map[string]any{"needGenerateDerivatives": needDerivatives}, nil
}

const derivativeWorkers = 4

func (h *PhotoHandlers) generateDerivativesFor(ctx context.Context, job *database.Job, item pipeline.Item) error {
	projectId, err := itemProject(job, item)
	if err != nil {
		return err
	}

	original, err := h.objects.GetObject(ctx, storage.OriginalKey(item.ProjectFolder, item.Filename))
	if err != nil {
		return fmt.Errorf("failed to read original for %q: %w", item.Filename, err)
	}

	data, err := io.ReadAll(original)
	original.Close()
	if err != nil {
		return fmt.Errorf("failed to read original for %q: %w", item.Filename, err)
	}

	for _, variant := range derivativeVariants {
		key := storage.DerivativeKey(item.ProjectFolder, item.Filename, variant)
		if err := h.objects.PutObject(ctx, key, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write %s derivative for %q: %w", variant, item.Filename, err)
		}
	}

	err = h.db.WithContext(ctx).
		Model(&database.Photo{}).
		Where("project_id = ? AND filename = ?", projectId, item.Filename).
		Update("derivatives_generated", true).Error
	if err != nil {
		return fmt.Errorf("failed to record derivatives for %q: %w", item.Filename, err)
	}

	return nil
}

func (h *PhotoHandlers) GenerateDerivatives(ctx context.Context, job *database.Job) (map[string]any, error) {
	items, err := pipeline.DecodeItems(job.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job items: %w", err)
	}

	queue := make(chan pipeline.Item, len(items))
	for _, item := range items {
		queue <- item
	}
	close(queue)

	completed := make(chan CompletedItem[struct{}], len(items))
	RunInPool(func(item pipeline.Item) (struct{}, error) {
		return struct{}{}, h.generateDerivativesFor(ctx, job, item)
	}, queue, completed, derivativeWorkers)

	for result := range completed {
		if result.Error != nil {
			err = errors.Join(err, result.Error)
		}
	}

	return nil, err
}

func (h *PhotoHandlers) Finalize(ctx context.Context, job *database.Job) (map[string]any, error) {
	items, err := pipeline.DecodeItems(job.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to decode job items: %w", err)
	}

	projects := make(map[uint]struct{})
	for _, item := range items {
		projectId, err := itemProject(job, item)
		if err != nil {
			return nil, err
		}
		projects[projectId] = struct{}{}

		if err := database.UpdatePhotoStatus(ctx, h.db, projectId, item.Filename, database.PhotoReady); err != nil {
			return nil, fmt.Errorf("failed to mark photo %q ready: %w", item.Filename, err)
		}
	}

	if len(projects) == 0 && job.ProjectId != nil {
		projects[*job.ProjectId] = struct{}{}
	}

	for projectId := range projects {
		if err := database.RefreshProjectCounts(ctx, h.db, projectId); err != nil {
			return nil, fmt.Errorf("failed to refresh counts for project %d: %w", projectId, err)
		}
	}

	return nil, nil
}

func (h *PhotoHandlers) Reindex(ctx context.Context, job *database.Job) (map[string]any, error) {
	if job.ProjectId != nil {
		return nil, database.RefreshProjectCounts(ctx, h.db, *job.ProjectId)
	}

	var projectIds []uint
	if err := h.db.WithContext(ctx).Model(&database.Project{}).Pluck("id", &projectIds).Error; err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	for _, projectId := range projectIds {
		if err := database.RefreshProjectCounts(ctx, h.db, projectId); err != nil {
			return nil, fmt.Errorf("failed to refresh counts for project %d: %w", projectId, err)
		}
	}

	return nil, nil
}
