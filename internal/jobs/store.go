// Package jobs implements the persistent job queue the task pipeline runs on.
// Job rows are the source of truth; messaging only carries "job ready"
// signals, so a lost message is recoverable by republishing queued rows.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"photohub/internal/database"
	"photohub/internal/messaging"
	"photohub/internal/notify"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

const DefaultMaxChunkItems = 100

type Config struct {
	// MaxChunkItems bounds how many items a single job may carry when a
	// chunked enqueue splits a larger item list.
	MaxChunkItems int
}

// NewJob describes a job to enqueue. TaskId/TaskType are set by the pipeline
// for jobs belonging to a task chain and left zero for out-of-band jobs.
type NewJob struct {
	TenantId  string
	ProjectId *uint
	Type      string
	TaskId    uuid.NullUUID
	TaskType  string
	Payload   map[string]any
	Priority  int
	Scope     string
}

// CompletionHook runs inside the completing transaction. The store it receives
// is transaction-scoped: enqueues made through it commit atomically with the
// status flip, so a crash cannot mark a job completed without its successor.
type CompletionHook func(ctx context.Context, store *Store, job *database.Job) error

// FailureHook runs inside the failing transaction and may requeue the job.
type FailureHook func(ctx context.Context, store *Store, job *database.Job) error

type Store struct {
	db            *gorm.DB
	maxChunkItems int
	publisher     messaging.Publisher
	notifier      notify.Notifier

	completionHooks []CompletionHook
	failureHooks    []FailureHook

	// pending is non-nil on transaction-scoped clones; dispatches are
	// collected there and flushed by the owner after commit.
	pending *pendingDispatch
}

type pendingDispatch struct {
	ready []*database.Job
}

func NewStore(db *gorm.DB, cfg Config, publisher messaging.Publisher, notifier notify.Notifier) *Store {
	if cfg.MaxChunkItems <= 0 {
		cfg.MaxChunkItems = DefaultMaxChunkItems
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Store{
		db:            db,
		maxChunkItems: cfg.MaxChunkItems,
		publisher:     publisher,
		notifier:      notifier,
	}
}

// RegisterCompletionHook adds a hook invoked whenever a job reaches COMPLETED.
// Hooks must be registered before the store starts serving.
func (s *Store) RegisterCompletionHook(hook CompletionHook) {
	s.completionHooks = append(s.completionHooks, hook)
}

func (s *Store) RegisterFailureHook(hook FailureHook) {
	s.failureHooks = append(s.failureHooks, hook)
}

func (s *Store) MaxChunkItems() int {
	return s.maxChunkItems
}

func (s *Store) withTxn(txn *gorm.DB, pending *pendingDispatch) *Store {
	clone := *s
	clone.db = txn
	clone.pending = pending
	return &clone
}

func (s *Store) buildJob(nj NewJob, items []any, chunkIndex, chunkCount int) (*database.Job, error) {
	payload, err := json.Marshal(nj.Payload)
	if err != nil {
		return nil, fmt.Errorf("error marshalling job payload: %w", err)
	}

	job := &database.Job{
		Id:           uuid.New(),
		TenantId:     nj.TenantId,
		ProjectId:    nj.ProjectId,
		Type:         nj.Type,
		TaskId:       nj.TaskId,
		TaskType:     nj.TaskType,
		Payload:      datatypes.JSON(payload),
		Priority:     nj.Priority,
		Scope:        nj.Scope,
		Status:       database.JobQueued,
		ChunkIndex:   chunkIndex,
		ChunkCount:   chunkCount,
		CreationTime: time.Now().UTC(),
	}

	if len(items) > 0 {
		encoded, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("error marshalling job items: %w", err)
		}
		job.Items = datatypes.JSON(encoded)
	}

	return job, nil
}

// Enqueue persists a single job and dispatches it.
func (s *Store) Enqueue(ctx context.Context, nj NewJob) (*database.Job, error) {
	job, err := s.buildJob(nj, nil, 0, 1)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("error creating job: %w", err)
	}

	s.queueDispatch(ctx, job)

	return job, nil
}

// EnqueueWithItems persists one job per chunk of at most MaxChunkItems items
// when autoChunk is set, or a single job carrying all items otherwise. All
// chunk rows are created in one transaction so a partial enqueue cannot be
// observed.
func (s *Store) EnqueueWithItems(ctx context.Context, nj NewJob, items []any, autoChunk bool) ([]*database.Job, error) {
	if len(items) == 0 {
		job, err := s.Enqueue(ctx, nj)
		if err != nil {
			return nil, err
		}
		return []*database.Job{job}, nil
	}

	chunks := [][]any{items}
	if autoChunk {
		chunks = chunkItems(items, s.maxChunkItems)
	}

	created := make([]*database.Job, 0, len(chunks))
	for i, chunk := range chunks {
		job, err := s.buildJob(nj, chunk, i, len(chunks))
		if err != nil {
			return nil, err
		}
		created = append(created, job)
	}

	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		for _, job := range created {
			if err := txn.Create(job).Error; err != nil {
				return fmt.Errorf("error creating job chunk %d/%d: %w", job.ChunkIndex, job.ChunkCount, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, job := range created {
		s.queueDispatch(ctx, job)
	}

	return created, nil
}

func chunkItems(items []any, size int) [][]any {
	var chunks [][]any
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Claim transitions a job QUEUED -> RUNNING on behalf of a worker.
func (s *Store) Claim(ctx context.Context, id uuid.UUID) (*database.Job, error) {
	var claimed *database.Job
	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var job database.Job
		if err := txn.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			return fmt.Errorf("error loading job %s: %w", id, err)
		}

		if job.Status != database.JobQueued {
			return fmt.Errorf("%w: cannot claim job in status %s", ErrInvalidTransition, job.Status)
		}

		updates := map[string]any{
			"status":     database.JobRunning,
			"start_time": sql.NullTime{Time: time.Now().UTC(), Valid: true},
			"attempts":   job.Attempts + 1,
		}
		if err := txn.Model(&database.Job{Id: job.Id}).Updates(updates).Error; err != nil {
			return fmt.Errorf("error claiming job %s: %w", id, err)
		}

		job.Status = database.JobRunning
		job.Attempts++
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.JobStatusChanged(ctx, eventFor(claimed))
	return claimed, nil
}

// Complete transitions a job RUNNING -> COMPLETED and runs completion hooks in
// the same transaction. Flags computed by the worker are merged into the job
// payload before the hooks run, so downstream steps see the decisions the step
// recorded. Completing an already-completed job is a no-op so at-least-once
// message delivery stays safe.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, flags map[string]any) error {
	pending := &pendingDispatch{}
	var completed *database.Job

	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var job database.Job
		if err := txn.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			return fmt.Errorf("error loading job %s: %w", id, err)
		}

		if job.Status == database.JobCompleted {
			return nil
		}
		if job.Status != database.JobRunning {
			return fmt.Errorf("%w: cannot complete job in status %s", ErrInvalidTransition, job.Status)
		}

		updates := map[string]any{
			"status":          database.JobCompleted,
			"completion_time": sql.NullTime{Time: time.Now().UTC(), Valid: true},
		}
		if len(flags) > 0 {
			merged, err := mergePayloadFlags(job.Payload, flags)
			if err != nil {
				return fmt.Errorf("error recording flags for job %s: %w", id, err)
			}
			updates["payload"] = merged
			job.Payload = merged
		}
		if err := txn.Model(&database.Job{Id: job.Id}).Updates(updates).Error; err != nil {
			return fmt.Errorf("error completing job %s: %w", id, err)
		}

		job.Status = database.JobCompleted

		if job.ChunkCount > 1 && job.TaskId.Valid {
			done, err := bumpCompletedChunks(txn, job.TaskId.UUID, job.Type)
			if err != nil {
				return err
			}
			job.CompletedChunks = done
		}

		completed = &job

		txStore := s.withTxn(txn, pending)
		for _, hook := range s.completionHooks {
			if err := hook(ctx, txStore, &job); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if completed == nil {
		return nil
	}

	s.notifier.JobStatusChanged(ctx, eventFor(completed))
	s.flush(ctx, pending)
	return nil
}

// Fail transitions a job RUNNING -> FAILED and runs failure hooks, which may
// requeue the job for another attempt.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	pending := &pendingDispatch{}
	var failed *database.Job

	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var job database.Job
		if err := txn.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			return fmt.Errorf("error loading job %s: %w", id, err)
		}

		if job.Status == database.JobFailed || job.Status == database.JobCompleted {
			return nil
		}

		updates := map[string]any{
			"status":          database.JobFailed,
			"error":           errMsg,
			"completion_time": sql.NullTime{Time: time.Now().UTC(), Valid: true},
		}
		if err := txn.Model(&database.Job{Id: job.Id}).Updates(updates).Error; err != nil {
			return fmt.Errorf("error failing job %s: %w", id, err)
		}

		job.Status = database.JobFailed
		job.Error = errMsg
		failed = &job

		txStore := s.withTxn(txn, pending)
		for _, hook := range s.failureHooks {
			if err := hook(ctx, txStore, &job); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if failed == nil {
		return nil
	}

	s.notifier.JobStatusChanged(ctx, eventFor(failed))
	s.flush(ctx, pending)
	return nil
}

// Requeue puts a failed job back on the queue for another attempt. This is
// the one sanctioned non-monotonic transition, driven by a step's retry
// policy.
func (s *Store) Requeue(ctx context.Context, job *database.Job) error {
	updates := map[string]any{
		"status":          database.JobQueued,
		"start_time":      sql.NullTime{},
		"completion_time": sql.NullTime{},
	}
	if err := s.db.WithContext(ctx).Model(&database.Job{Id: job.Id}).Updates(updates).Error; err != nil {
		return fmt.Errorf("error requeueing job %s: %w", job.Id, err)
	}

	job.Status = database.JobQueued
	s.queueDispatch(ctx, job)
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*database.Job, error) {
	var job database.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("error loading job %s: %w", id, err)
	}
	return &job, nil
}

// ListForTask returns every job sharing a task id, oldest first. A task has no
// row of its own; this listing is its derived state. Sibling chunks are
// stamped with the same creation time, so the chunk index breaks the tie.
func (s *Store) ListForTask(ctx context.Context, taskId uuid.UUID) ([]database.Job, error) {
	var found []database.Job
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskId).
		Order("creation_time asc, chunk_index asc").
		Find(&found).Error
	if err != nil {
		return nil, fmt.Errorf("error listing jobs for task %s: %w", taskId, err)
	}
	return found, nil
}

// HasJob reports whether a job of the given type already exists for the task.
// The advancer uses it to stay idempotent under redelivery.
func (s *Store) HasJob(ctx context.Context, taskId uuid.UUID, jobType string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&database.Job{}).
		Where("task_id = ? AND type = ?", taskId, jobType).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("error checking for existing job: %w", err)
	}
	return count > 0, nil
}

// bumpCompletedChunks increments the chunk counter kept on the chunk_index 0
// row of a (task, step) chunk group and returns the new value. All siblings
// update the same row, so two transactions completing the last two chunks at
// once block on its lock rather than both reading a stale count.
func bumpCompletedChunks(txn *gorm.DB, taskId uuid.UUID, jobType string) (int, error) {
	err := txn.Model(&database.Job{}).
		Where("task_id = ? AND type = ? AND chunk_index = 0", taskId, jobType).
		Update("completed_chunks", gorm.Expr("completed_chunks + 1")).Error
	if err != nil {
		return 0, fmt.Errorf("error counting completed chunk: %w", err)
	}

	var counter database.Job
	err = txn.Select("completed_chunks").
		Take(&counter, "task_id = ? AND type = ? AND chunk_index = 0", taskId, jobType).Error
	if err != nil {
		return 0, fmt.Errorf("error reading chunk counter: %w", err)
	}
	return counter.CompletedChunks, nil
}

func mergePayloadFlags(payload datatypes.JSON, flags map[string]any) (datatypes.JSON, error) {
	merged := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &merged); err != nil {
			return nil, fmt.Errorf("error decoding payload: %w", err)
		}
	}
	for key, value := range flags {
		merged[key] = value
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("error encoding payload: %w", err)
	}
	return datatypes.JSON(encoded), nil
}

type Filter struct {
	Scope  string
	Status string
	Limit  int
}

func (s *Store) List(ctx context.Context, filter Filter) ([]database.Job, error) {
	query := s.db.WithContext(ctx).Model(&database.Job{})
	if filter.Scope != "" {
		query = query.Where("scope = ?", filter.Scope)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var found []database.Job
	if err := query.Order("creation_time desc").Find(&found).Error; err != nil {
		return nil, fmt.Errorf("error listing jobs: %w", err)
	}
	return found, nil
}

// RepublishQueued re-dispatches every QUEUED job. Called at startup so jobs
// whose ready message was lost (or that were enqueued while no broker was up)
// still get picked up.
func (s *Store) RepublishQueued(ctx context.Context) error {
	var queued []database.Job
	if err := s.db.WithContext(ctx).Where("status = ?", database.JobQueued).Find(&queued).Error; err != nil {
		return fmt.Errorf("error loading queued jobs: %w", err)
	}

	for i := range queued {
		s.publish(ctx, &queued[i])
	}

	if len(queued) > 0 {
		slog.Info("republished queued jobs", "count", len(queued))
	}
	return nil
}

func (s *Store) queueDispatch(ctx context.Context, job *database.Job) {
	if s.pending != nil {
		s.pending.ready = append(s.pending.ready, job)
		return
	}
	s.dispatch(ctx, job)
}

func (s *Store) flush(ctx context.Context, pending *pendingDispatch) {
	for _, job := range pending.ready {
		s.dispatch(ctx, job)
	}
}

func (s *Store) dispatch(ctx context.Context, job *database.Job) {
	s.publish(ctx, job)
	s.notifier.JobStatusChanged(ctx, eventFor(job))
}

func (s *Store) publish(ctx context.Context, job *database.Job) {
	if s.publisher == nil {
		return
	}
	// A failed publish is not fatal: the row stays QUEUED and is republished
	// on the next startup recovery pass.
	err := s.publisher.PublishJobReady(ctx, job.Scope, job.Priority, messaging.JobReadyPayload{JobId: job.Id})
	if err != nil {
		slog.Error("error publishing job ready message", "job_id", job.Id, "scope", job.Scope, "error", err)
	}
}

func eventFor(job *database.Job) notify.Event {
	event := notify.Event{
		JobId:   job.Id,
		JobType: job.Type,
		Status:  job.Status,
		Error:   job.Error,
	}
	if job.TaskId.Valid {
		event.TaskId = job.TaskId.UUID.String()
		event.TaskType = job.TaskType
	}
	return event
}
