// Package notify publishes job status changes to downstream observers. The
// pipeline only guarantees that taskId/taskType survive into every job in a
// chain; correlating and surfacing them is this package's concern. Notifier
// failures are logged and never propagated into job transactions.
package notify

import (
	"context"

	"github.com/google/uuid"
)

type Event struct {
	JobId    uuid.UUID `json:"job_id"`
	TaskId   string    `json:"task_id,omitempty"`
	TaskType string    `json:"task_type,omitempty"`
	JobType  string    `json:"job_type"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
}

type Notifier interface {
	JobStatusChanged(ctx context.Context, event Event)
}

type NopNotifier struct{}

func (NopNotifier) JobStatusChanged(ctx context.Context, event Event) {}

type MultiNotifier []Notifier

func (m MultiNotifier) JobStatusChanged(ctx context.Context, event Event) {
	for _, n := range m {
		n.JobStatusChanged(ctx, event)
	}
}
