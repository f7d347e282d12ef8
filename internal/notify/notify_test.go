package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"photohub/internal/database"
	"photohub/internal/notify"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestWebhookNotifier(t *testing.T) {
	var received []notify.Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event notify.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		received = append(received, event)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := notify.NewWebhookNotifier(server.URL)

	event := notify.Event{
		JobId:    uuid.New(),
		TaskId:   uuid.NewString(),
		TaskType: "upload_postprocess",
		JobType:  "ingest",
		Status:   database.JobCompleted,
	}
	notifier.JobStatusChanged(context.Background(), event)

	require.Len(t, received, 1)
	assert.Equal(t, event, received[0])
}

func TestWebhookNotifierUnreachableDoesNotPanic(t *testing.T) {
	notifier := notify.NewWebhookNotifier("http://127.0.0.1:1")
	notifier.JobStatusChanged(context.Background(), notify.Event{JobId: uuid.New(), Status: database.JobQueued})
}

func TestDBNotifier(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	notifier := notify.NewDBNotifier(db)

	jobId := uuid.New()
	notifier.JobStatusChanged(context.Background(), notify.Event{JobId: jobId, JobType: "ingest", Status: database.JobFailed, Error: "boom"})

	var events []database.JobEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, jobId, events[0].JobId)
	assert.Equal(t, database.JobFailed, events[0].Status)
	assert.Equal(t, "boom", events[0].Detail)
}

func TestMultiNotifier(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	multi := notify.MultiNotifier{notify.NopNotifier{}, notify.NewDBNotifier(db)}
	multi.JobStatusChanged(context.Background(), notify.Event{JobId: uuid.New(), Status: database.JobQueued})

	var count int64
	require.NoError(t, db.Model(&database.JobEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
