package api

import (
	"errors"
	"net/http"
	"time"

	"photohub/internal/database"
	"photohub/internal/jobs"
	"photohub/internal/pipeline"
	"photohub/internal/storage"
	"photohub/pkg/api"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

type BackendService struct {
	db      *gorm.DB
	store   *jobs.Store
	starter *pipeline.Starter
	objects storage.ObjectStore
}

func NewBackendService(db *gorm.DB, store *jobs.Store, starter *pipeline.Starter, objects storage.ObjectStore) *BackendService {
	return &BackendService{db: db, store: store, starter: starter, objects: objects}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", RestHandler(s.StartTask))
		r.Get("/{task_id}", RestHandler(s.GetTask))
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListJobs))
		r.Get("/{job_id}", RestHandler(s.GetJob))
		r.Get("/{job_id}/events", RestHandler(s.GetJobEvents))
		r.Post("/{job_id}/complete", RestHandler(s.CompleteJob))
		r.Post("/{job_id}/fail", RestHandler(s.FailJob))
	})
	r.Route("/projects", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateProject))
		r.Get("/", RestHandler(s.ListProjects))
		r.Get("/{project_id}", RestHandler(s.GetProject))
		r.Get("/{project_id}/photos", RestHandler(s.ListPhotos))
		r.Post("/{project_id}/photos", RestHandler(s.UploadPhoto))
	})
}

func (s *BackendService) StartTask(r *http.Request) (any, error) {
	req, err := ParseRequest[api.StartTaskRequest](r)
	if err != nil {
		return nil, err
	}

	if req.TaskType == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required field: TaskType")
	}

	items := make([]pipeline.ItemRef, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Filename == "" {
			return nil, CodedErrorf(http.StatusUnprocessableEntity, "task item is missing a filename")
		}
		if item.ProjectId != nil {
			items = append(items, pipeline.DescriptorRef(pipeline.Item{Filename: item.Filename, ProjectId: item.ProjectId}))
		} else {
			items = append(items, pipeline.FilenameRef(item.Filename))
		}
	}

	handle, err := s.starter.StartTask(r.Context(), pipeline.StartParams{
		TaskType:  req.TaskType,
		TenantId:  req.TenantId,
		ProjectId: req.ProjectId,
		Source:    req.Source,
		Items:     items,
		Extra:     req.Flags,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownTaskType) {
			return nil, CodedErrorf(http.StatusNotFound, "unknown task type '%s'", req.TaskType)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to start task: %v", err)
	}

	return api.StartTaskResponse{
		TaskId:   handle.TaskId,
		TaskType: handle.TaskType,
		JobCount: handle.JobCount,
		Chunked:  handle.Chunked,
	}, nil
}

func (s *BackendService) GetTask(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	taskJobs, err := s.store.ListForTask(r.Context(), taskId)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving task jobs: %v", err)
	}
	if len(taskJobs) == 0 {
		return nil, CodedErrorf(http.StatusNotFound, "task not found")
	}

	return toApiTask(taskId, taskJobs), nil
}

type listJobsQuery struct {
	Scope  string `schema:"scope"`
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
}

func (s *BackendService) ListJobs(r *http.Request) (any, error) {
	query, err := ParseRequestQueryParams[listJobsQuery](r)
	if err != nil {
		return nil, err
	}

	found, err := s.store.List(r.Context(), jobs.Filter{
		Scope:  query.Scope,
		Status: query.Status,
		Limit:  query.Limit,
	})
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing jobs: %v", err)
	}

	return toApiJobs(found), nil
}

func (s *BackendService) GetJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	job, err := s.store.Get(r.Context(), jobId)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "job not found")
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving job: %v", err)
	}

	return toApiJob(*job), nil
}

func (s *BackendService) GetJobEvents(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	var events []database.JobEvent
	err = s.db.WithContext(r.Context()).
		Where("job_id = ?", jobId).
		Order("timestamp asc").
		Find(&events).Error
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving job events: %v", err)
	}

	out := make([]api.JobEvent, 0, len(events))
	for _, event := range events {
		out = append(out, toApiJobEvent(event))
	}
	return out, nil
}

func (s *BackendService) CompleteJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	// The body is optional; workers that computed no flags post none.
	var flags map[string]any
	if r.ContentLength != 0 {
		req, err := ParseRequest[api.CompleteJobRequest](r)
		if err != nil {
			return nil, err
		}
		flags = req.Flags
	}

	if err := s.store.Complete(r.Context(), jobId, flags); err != nil {
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			return nil, CodedErrorf(http.StatusNotFound, "job not found")
		case errors.Is(err, jobs.ErrInvalidTransition):
			return nil, CodedErrorf(http.StatusConflict, "job is not running")
		default:
			return nil, CodedErrorf(http.StatusInternalServerError, "error completing job: %v", err)
		}
	}

	return nil, nil
}

func (s *BackendService) FailJob(r *http.Request) (any, error) {
	jobId, err := URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.FailJobRequest](r)
	if err != nil {
		return nil, err
	}

	if err := s.store.Fail(r.Context(), jobId, req.Error); err != nil {
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			return nil, CodedErrorf(http.StatusNotFound, "job not found")
		case errors.Is(err, jobs.ErrInvalidTransition):
			return nil, CodedErrorf(http.StatusConflict, "job is not running")
		default:
			return nil, CodedErrorf(http.StatusInternalServerError, "error failing job: %v", err)
		}
	}

	return nil, nil
}

func (s *BackendService) CreateProject(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateProjectRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Name == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "missing required field: Name")
	}
	if req.Folder == "" {
		req.Folder = req.Name
	}
	if err := validateFolder(req.Folder); err != nil {
		return nil, err
	}

	project := database.Project{
		Name:         req.Name,
		Folder:       req.Folder,
		CreationTime: time.Now().UTC(),
	}

	if err := s.db.WithContext(r.Context()).Create(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, CodedErrorf(http.StatusConflict, "project folder '%s' already exists", req.Folder)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create project: %v", err)
	}

	return api.CreateProjectResponse{ProjectId: project.Id}, nil
}

func (s *BackendService) ListProjects(r *http.Request) (any, error) {
	var projects []database.Project
	if err := s.db.WithContext(r.Context()).Order("id asc").Find(&projects).Error; err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing projects: %v", err)
	}

	out := make([]api.Project, 0, len(projects))
	for _, project := range projects {
		out = append(out, toApiProject(project))
	}
	return out, nil
}

func (s *BackendService) getProject(r *http.Request) (*database.Project, error) {
	projectId, err := URLParamUint(r, "project_id")
	if err != nil {
		return nil, err
	}

	var project database.Project
	if err := s.db.WithContext(r.Context()).First(&project, "id = ?", projectId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "project not found")
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving project: %v", err)
	}

	return &project, nil
}

func (s *BackendService) GetProject(r *http.Request) (any, error) {
	project, err := s.getProject(r)
	if err != nil {
		return nil, err
	}
	return toApiProject(*project), nil
}

func (s *BackendService) ListPhotos(r *http.Request) (any, error) {
	project, err := s.getProject(r)
	if err != nil {
		return nil, err
	}

	var photos []database.Photo
	err = s.db.WithContext(r.Context()).
		Where("project_id = ?", project.Id).
		Order("filename asc").
		Find(&photos).Error
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing photos: %v", err)
	}

	out := make([]api.Photo, 0, len(photos))
	for _, photo := range photos {
		out = append(out, toApiPhoto(photo))
	}
	return out, nil
}

const maxUploadSize = 512 << 20

// UploadPhoto stores the uploaded file and starts an upload_postprocess task
// for it. The photo row itself is created by the task's ingest step.
func (s *BackendService) UploadPhoto(r *http.Request) (any, error) {
	project, err := s.getProject(r)
	if err != nil {
		return nil, err
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "unable to parse multipart form: %v", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "missing 'file' form field")
	}
	defer file.Close()

	if header.Filename == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "uploaded file has no filename")
	}

	key := storage.OriginalKey(project.Folder, header.Filename)
	if err := s.objects.PutObject(r.Context(), key, file); err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to store upload: %v", err)
	}

	handle, err := s.starter.StartTask(r.Context(), pipeline.StartParams{
		TaskType:  pipeline.TaskTypeUploadPostprocess,
		ProjectId: &project.Id,
		Source:    "upload",
		Items:     []pipeline.ItemRef{pipeline.FilenameRef(header.Filename)},
	})
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to start upload postprocessing: %v", err)
	}

	return api.UploadPhotoResponse{Filename: header.Filename, TaskId: handle.TaskId}, nil
}
