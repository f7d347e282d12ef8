package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"photohub/internal/database"
	"photohub/internal/jobs"
	"photohub/internal/messaging"
)

// Handler executes one claimed job. Returned flags are recorded into the job
// payload on completion so later steps see the decisions the handler made.
// The returned error marks the job FAILED; retry and advancement decisions
// belong to the job store's hooks, not here.
type Handler func(ctx context.Context, job *database.Job) (map[string]any, error)

type Processor struct {
	store    *jobs.Store
	receiver messaging.Receiver
	handlers map[string]Handler
}

func NewProcessor(store *jobs.Store, receiver messaging.Receiver) *Processor {
	return &Processor{
		store:    store,
		receiver: receiver,
		handlers: make(map[string]Handler),
	}
}

func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	p.handlers[jobType] = handler
}

func (p *Processor) Start() {
	slog.Info("starting job processor")

	for task := range p.receiver.Tasks() {
		p.ProcessTask(task)
	}
}

func (p *Processor) Stop() {
	slog.Info("stopping job processor")

	p.receiver.Close()
}

func (p *Processor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var payload messaging.JobReadyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("error unmarshalling job ready message", "queue", task.Queue(), "error", err)
		if err := task.Reject(); err != nil { // Discard malformed message
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	job, err := p.store.Claim(ctx, payload.JobId)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			slog.Error("received message for unknown job", "job_id", payload.JobId)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
		case errors.Is(err, jobs.ErrInvalidTransition):
			// Duplicate delivery, the job is already claimed or finished.
			slog.Info("job not claimable, skipping", "job_id", payload.JobId)
			if err := task.Ack(); err != nil {
				slog.Error("error acknowledging message from queue", "error", err)
			}
		default:
			slog.Error("error claiming job", "job_id", payload.JobId, "error", err)
			if err := task.Nack(); err != nil {
				slog.Error("error reporting processing failure on message from queue", "error", err)
			}
		}
		return
	}

	handler, ok := p.handlers[job.Type]
	if !ok {
		slog.Error("no handler registered for job type", "job_id", job.Id, "type", job.Type)
		if err := p.store.Fail(ctx, job.Id, fmt.Sprintf("no handler registered for job type %q", job.Type)); err != nil {
			slog.Error("error failing job", "job_id", job.Id, "error", err)
		}
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	flags, err := handler(ctx, job)
	if err != nil {
		slog.Error("error processing job", "job_id", job.Id, "type", job.Type, "error", err)
		if err := p.store.Fail(ctx, job.Id, err.Error()); err != nil {
			slog.Error("error failing job", "job_id", job.Id, "error", err)
		}
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
		return
	}

	if err := p.store.Complete(ctx, job.Id, flags); err != nil {
		slog.Error("error completing job", "job_id", job.Id, "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
		return
	}

	slog.Info("successfully processed job", "job_id", job.Id, "type", job.Type)
	if err := task.Ack(); err != nil {
		slog.Error("error acknowledging message from queue", "error", err)
	}
}
