package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	backend "photohub/internal/api"
	"photohub/internal/database"
	"photohub/internal/jobs"
	"photohub/internal/messaging"
	"photohub/internal/pipeline"
	"photohub/internal/storage"
	"photohub/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

func createService(t *testing.T, db *gorm.DB) (*chi.Mux, *jobs.Store) {
	store := jobs.NewStore(db, jobs.Config{MaxChunkItems: 10}, messaging.NewInMemoryQueue(), nil)

	registry, err := pipeline.DefaultRegistry()
	require.NoError(t, err)
	pipeline.NewAdvancer(registry).Register(store)

	objects, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	service := backend.NewBackendService(db, store, pipeline.NewStarter(registry, store, db), objects)
	router := chi.NewRouter()
	service.AddRoutes(router)

	return router, store
}

func doJSON(t *testing.T, router *chi.Mux, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStartTask(t *testing.T) {
	db := createDB(t, &database.Project{Name: "Vacation", Folder: "vacation", CreationTime: time.Now()})
	router, store := createService(t, db)
	projectId := uint(1)

	rec := doJSON(t, router, http.MethodPost, "/tasks", api.StartTaskRequest{
		TaskType:  "upload_postprocess",
		ProjectId: &projectId,
		Source:    "import",
		Items:     []api.TaskItem{{Filename: "a.jpg"}, {Filename: "b.jpg"}},
		Flags:     map[string]any{"needGenerateDerivatives": true},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var response api.StartTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "upload_postprocess", response.TaskType)
	assert.Equal(t, 1, response.JobCount)

	chain, err := store.ListForTask(context.Background(), response.TaskId)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "ingest", chain[0].Type)
}

func TestStartTaskBareFilenameItems(t *testing.T) {
	db := createDB(t, &database.Project{Name: "Vacation", Folder: "vacation", CreationTime: time.Now()})
	router, store := createService(t, db)

	// Items may be bare strings on the wire.
	body := []byte(`{"TaskType": "upload_postprocess", "ProjectId": 1, "Items": ["a.jpg"]}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var response api.StartTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))

	chain, err := store.ListForTask(context.Background(), response.TaskId)
	require.NoError(t, err)
	require.Len(t, chain, 1)

	items, err := pipeline.DecodeItems(chain[0].Items)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a.jpg", items[0].Filename)
	assert.Equal(t, "vacation", items[0].ProjectFolder)
}

func TestStartTaskUnknownType(t *testing.T) {
	router, _ := createService(t, createDB(t))

	rec := doJSON(t, router, http.MethodPost, "/tasks", api.StartTaskRequest{TaskType: "nonexistent"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartTaskMissingType(t *testing.T) {
	router, _ := createService(t, createDB(t))

	rec := doJSON(t, router, http.MethodPost, "/tasks", api.StartTaskRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetTask(t *testing.T) {
	db := createDB(t, &database.Project{Name: "Vacation", Folder: "vacation", CreationTime: time.Now()})
	router, store := createService(t, db)
	projectId := uint(1)

	rec := doJSON(t, router, http.MethodPost, "/tasks", api.StartTaskRequest{
		TaskType:  "upload_postprocess",
		ProjectId: &projectId,
		Flags:     map[string]any{"needGenerateDerivatives": false},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var started api.StartTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	rec = doJSON(t, router, http.MethodGet, "/tasks/"+started.TaskId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var task api.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, started.TaskId, task.TaskId)
	assert.Equal(t, "upload_postprocess", task.TaskType)
	assert.Equal(t, database.JobQueued, task.Status)
	require.Len(t, task.Jobs, 1)

	// Drive the chain to completion; the derived status follows.
	chain, err := store.ListForTask(context.Background(), started.TaskId)
	require.NoError(t, err)
	for len(chain) > 0 {
		var progressed bool
		for _, job := range chain {
			if job.Status == database.JobQueued {
				_, err := store.Claim(context.Background(), job.Id)
				require.NoError(t, err)
				require.NoError(t, store.Complete(context.Background(), job.Id, nil))
				progressed = true
			}
		}
		if !progressed {
			break
		}
		chain, err = store.ListForTask(context.Background(), started.TaskId)
		require.NoError(t, err)
	}

	rec = doJSON(t, router, http.MethodGet, "/tasks/"+started.TaskId.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, database.JobCompleted, task.Status)
	assert.Len(t, task.Jobs, 2)
}

func TestGetTaskNotFound(t *testing.T) {
	router, _ := createService(t, createDB(t))

	rec := doJSON(t, router, http.MethodGet, "/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAndListJobs(t *testing.T) {
	db := createDB(t)
	router, store := createService(t, db)

	job, err := store.Enqueue(context.Background(), jobs.NewJob{Type: "reindex", Scope: "maintenance", Priority: 2})
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/jobs/"+job.Id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var fetched api.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, job.Id, fetched.Id)
	assert.Equal(t, "reindex", fetched.Type)
	assert.Equal(t, database.JobQueued, fetched.Status)

	rec = doJSON(t, router, http.MethodGet, "/jobs?scope=maintenance&status=QUEUED", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed []api.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, job.Id, listed[0].Id)

	rec = doJSON(t, router, http.MethodGet, "/jobs?scope=project", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Empty(t, listed)

	rec = doJSON(t, router, http.MethodGet, "/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobReportBack(t *testing.T) {
	db := createDB(t)
	router, store := createService(t, db)

	job, err := store.Enqueue(context.Background(), jobs.NewJob{Type: "ingest", Scope: "project"})
	require.NoError(t, err)

	// Completing a queued job conflicts; it must be claimed first.
	rec := doJSON(t, router, http.MethodPost, "/jobs/"+job.Id.String()+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err = store.Claim(context.Background(), job.Id)
	require.NoError(t, err)

	rec = doJSON(t, router, http.MethodPost, "/jobs/"+job.Id.String()+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	loaded, err := store.Get(context.Background(), job.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobCompleted, loaded.Status)
}

func TestJobReportBackWithFlags(t *testing.T) {
	db := createDB(t, &database.Project{Name: "Vacation", Folder: "vacation", CreationTime: time.Now()})
	router, store := createService(t, db)
	projectId := uint(1)

	rec := doJSON(t, router, http.MethodPost, "/tasks", api.StartTaskRequest{
		TaskType:  "upload_postprocess",
		ProjectId: &projectId,
		Items:     []api.TaskItem{{Filename: "a.jpg"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var started api.StartTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	chain, err := store.ListForTask(context.Background(), started.TaskId)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	_, err = store.Claim(context.Background(), chain[0].Id)
	require.NoError(t, err)

	// Flags posted with the completion steer the chain: derivatives are not
	// needed, so the task advances straight to finalize.
	rec = doJSON(t, router, http.MethodPost, "/jobs/"+chain[0].Id.String()+"/complete",
		api.CompleteJobRequest{Flags: map[string]any{"needGenerateDerivatives": false}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	chain, err = store.ListForTask(context.Background(), started.TaskId)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "finalize", chain[1].Type)
}

func TestJobReportBackFailure(t *testing.T) {
	db := createDB(t)
	router, store := createService(t, db)

	job, err := store.Enqueue(context.Background(), jobs.NewJob{Type: "ingest", Scope: "project"})
	require.NoError(t, err)
	_, err = store.Claim(context.Background(), job.Id)
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/jobs/"+job.Id.String()+"/fail", api.FailJobRequest{Error: "decode error"})
	require.Equal(t, http.StatusOK, rec.Code)

	loaded, err := store.Get(context.Background(), job.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, loaded.Status)
	assert.Equal(t, "decode error", loaded.Error)

	rec = doJSON(t, router, http.MethodPost, "/jobs/"+uuid.NewString()+"/fail", api.FailJobRequest{Error: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProjectLifecycle(t *testing.T) {
	router, _ := createService(t, createDB(t))

	rec := doJSON(t, router, http.MethodPost, "/projects", api.CreateProjectRequest{Name: "Vacation", Folder: "vacation"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created api.CreateProjectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Duplicate folders conflict.
	rec = doJSON(t, router, http.MethodPost, "/projects", api.CreateProjectRequest{Name: "Other", Folder: "vacation"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Folder names are restricted.
	rec = doJSON(t, router, http.MethodPost, "/projects", api.CreateProjectRequest{Name: "Bad", Folder: "../escape"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/projects/%d", created.ProjectId), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var project api.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &project))
	assert.Equal(t, "Vacation", project.Name)
	assert.Equal(t, "vacation", project.Folder)

	rec = doJSON(t, router, http.MethodGet, "/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var projects []api.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projects))
	assert.Len(t, projects, 1)

	rec = doJSON(t, router, http.MethodGet, "/projects/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadPhotoStartsTask(t *testing.T) {
	db := createDB(t, &database.Project{Name: "Vacation", Folder: "vacation", CreationTime: time.Now()})
	router, store := createService(t, db)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "sunset.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg bytes"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/projects/1/photos", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var response api.UploadPhotoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "sunset.jpg", response.Filename)

	chain, err := store.ListForTask(context.Background(), response.TaskId)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "ingest", chain[0].Type)

	items, err := pipeline.DecodeItems(chain[0].Items)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "sunset.jpg", items[0].Filename)
}

func TestListPhotos(t *testing.T) {
	db := createDB(t,
		&database.Project{Name: "Vacation", Folder: "vacation", CreationTime: time.Now()},
		&database.Photo{Id: uuid.New(), ProjectId: 1, Filename: "a.jpg", Status: database.PhotoReady, CreationTime: time.Now()},
		&database.Photo{Id: uuid.New(), ProjectId: 1, Filename: "b.jpg", Status: database.PhotoProcessing, CreationTime: time.Now()},
	)
	router, _ := createService(t, db)

	rec := doJSON(t, router, http.MethodGet, "/projects/1/photos", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var photos []api.Photo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &photos))
	require.Len(t, photos, 2)
	assert.Equal(t, "a.jpg", photos[0].Filename)
	assert.Equal(t, database.PhotoReady, photos[0].Status)
	assert.Equal(t, "b.jpg", photos[1].Filename)
}

func TestJobEvents(t *testing.T) {
	db := createDB(t)

	jobId := uuid.New()
	database.SaveJobEvent(context.Background(), db, jobId, database.JobQueued, "")
	database.SaveJobEvent(context.Background(), db, jobId, database.JobRunning, "")

	router, _ := createService(t, db)

	rec := doJSON(t, router, http.MethodGet, "/jobs/"+jobId.String()+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []api.JobEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, database.JobQueued, events[0].Status)
	assert.Equal(t, database.JobRunning, events[1].Status)
}
