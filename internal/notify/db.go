package notify

import (
	"context"

	"photohub/internal/database"

	"gorm.io/gorm"
)

// DBNotifier appends job events to the job_events table. It serves as an
// audit trail and as a polling fallback for clients without a webhook relay.
type DBNotifier struct {
	db *gorm.DB
}

func NewDBNotifier(db *gorm.DB) *DBNotifier {
	return &DBNotifier{db: db}
}

func (n *DBNotifier) JobStatusChanged(ctx context.Context, event Event) {
	database.SaveJobEvent(ctx, n.db, event.JobId, event.Status, event.Error)
}
