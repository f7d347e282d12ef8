package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"photohub/internal/database"
	"photohub/internal/jobs"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Advancer moves a task to its next step whenever one of its jobs completes.
// It holds no state of its own beyond the registry; all job state lives in
// the store, and both hooks run inside the store's completing transaction.
type Advancer struct {
	registry *Registry
}

func NewAdvancer(registry *Registry) *Advancer {
	return &Advancer{registry: registry}
}

// Register attaches the advancer to a store. Safe to call once during wiring.
func (a *Advancer) Register(store *jobs.Store) {
	store.RegisterCompletionHook(a.OnJobCompleted)
	store.RegisterFailureHook(a.OnJobFailed)
}

// OnJobCompleted enqueues the next step of the completed job's task. Jobs
// outside any tracked chain, unknown task types, and job types matching no
// step are all no-ops: out-of-band jobs must not break the advancer.
func (a *Advancer) OnJobCompleted(ctx context.Context, store *jobs.Store, job *database.Job) error {
	payload, err := decodePayload(job.Payload)
	if err != nil {
		slog.Warn("completed job carries malformed payload", "job_id", job.Id, "error", err)
		return nil
	}

	ref, ok := taskRefFromPayload(payload)
	if !ok {
		slog.Debug("completed job is not part of a task chain", "job_id", job.Id, "job_type", job.Type)
		return nil
	}

	def, err := a.registry.Get(ref.Type)
	if err != nil {
		slog.Warn("completed job references unknown task type", "job_id", job.Id, "task_type", ref.Type)
		return nil
	}

	idx := stepIndex(def, job.Type)
	if idx < 0 {
		return nil
	}

	// Chunk barrier: the store bumps the shared chunk counter inside the
	// completing transaction, so exactly one completion sees the full count
	// and advances the task.
	items := job.Items
	if job.ChunkCount > 1 {
		if job.CompletedChunks < job.ChunkCount {
			return nil
		}

		items, err = a.mergeChunkItems(ctx, store, ref.Id, job.Type)
		if err != nil {
			return err
		}
	}

	next, ok := nextStep(def, idx, payload)
	if !ok {
		return nil // terminal: the task ends here
	}

	// Idempotency under redelivery: never insert the same step twice.
	exists, err := store.HasJob(ctx, ref.Id, next.JobType)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	scope := job.Scope
	if next.Scope != "" {
		scope = next.Scope
	}

	nj := jobs.NewJob{
		TenantId:  job.TenantId,
		ProjectId: job.ProjectId,
		Type:      next.JobType,
		TaskId:    job.TaskId,
		TaskType:  job.TaskType,
		Payload:   payload, // carries taskId/taskType/source and all accumulated flags
		Priority:  next.Priority,
		Scope:     scope,
	}

	decoded, err := DecodeItems(items)
	if err != nil {
		return err
	}
	if len(decoded) == 0 {
		_, err = store.Enqueue(ctx, nj)
		return err
	}

	encoded := make([]any, len(decoded))
	for i, item := range decoded {
		encoded[i] = item
	}
	_, err = store.EnqueueWithItems(ctx, nj, encoded, true)
	return err
}

// mergeChunkItems reassembles the full item list of a chunked step so the
// next step sees every item, not just the last chunk's slice.
func (a *Advancer) mergeChunkItems(ctx context.Context, store *jobs.Store, taskId uuid.UUID, jobType string) (datatypes.JSON, error) {
	chain, err := store.ListForTask(ctx, taskId)
	if err != nil {
		return nil, err
	}

	var merged []Item
	for _, sibling := range chain {
		if sibling.Type != jobType {
			continue
		}
		items, err := DecodeItems(sibling.Items)
		if err != nil {
			return nil, err
		}
		merged = append(merged, items...)
	}

	if len(merged) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("error merging chunk items: %w", err)
	}
	return datatypes.JSON(encoded), nil
}

// nextStep returns the step following idx, applying at most one skip hop.
func nextStep(def TaskDefinition, idx int, payload map[string]any) (Step, bool) {
	if idx+1 >= len(def.Steps) {
		return Step{}, false
	}

	next := def.Steps[idx+1]
	if next.SkipIf != nil && next.SkipIf.Matches(payload) {
		if idx+2 >= len(def.Steps) {
			return Step{}, false
		}
		return def.Steps[idx+2], true
	}
	return next, true
}

func stepIndex(def TaskDefinition, jobType string) int {
	for i, step := range def.Steps {
		if step.JobType == jobType {
			return i
		}
	}
	return -1
}

// OnJobFailed applies the failed step's failure policy: retry requeues the
// job until its attempts are exhausted; anything else halts the chain.
func (a *Advancer) OnJobFailed(ctx context.Context, store *jobs.Store, job *database.Job) error {
	payload, err := decodePayload(job.Payload)
	if err != nil {
		return nil
	}

	ref, ok := taskRefFromPayload(payload)
	if !ok {
		return nil
	}

	def, err := a.registry.Get(ref.Type)
	if err != nil {
		return nil
	}

	idx := stepIndex(def, job.Type)
	if idx < 0 {
		return nil
	}

	step := def.Steps[idx]
	if step.OnFailure != FailureRetry {
		return nil
	}

	maxAttempts := step.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if job.Attempts >= maxAttempts {
		slog.Warn("job exhausted retry attempts, halting task",
			"job_id", job.Id, "job_type", job.Type, "task_id", ref.Id, "attempts", job.Attempts)
		return nil
	}

	slog.Info("requeueing failed job", "job_id", job.Id, "job_type", job.Type, "attempt", job.Attempts)
	return store.Requeue(ctx, job)
}
