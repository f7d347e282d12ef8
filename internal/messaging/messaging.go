package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5

	// MaxPriority is the highest priority the queues are declared with.
	// Job priorities above this are clamped on publish.
	MaxPriority = 10
)

// QueueName maps a job scope to the queue it is dispatched on. Scopes
// partition dispatch so that, e.g., per-project work and tenant-wide work do
// not starve each other.
func QueueName(scope string) string {
	return "jobs." + scope
}

// JobReadyPayload signals that a persisted job is ready to run. The job row is
// the source of truth; the message carries only its identity.
type JobReadyPayload struct {
	JobId uuid.UUID `json:"job_id"`
}

type Task interface {
	Queue() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type Publisher interface {
	PublishJobReady(ctx context.Context, scope string, priority int, payload JobReadyPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
