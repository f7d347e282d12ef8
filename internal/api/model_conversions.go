package api

import (
	"photohub/internal/database"
	"photohub/pkg/api"

	"github.com/google/uuid"
)

func toApiJob(job database.Job) api.Job {
	out := api.Job{
		Id:           job.Id,
		TaskType:     job.TaskType,
		Type:         job.Type,
		TenantId:     job.TenantId,
		ProjectId:    job.ProjectId,
		Priority:     job.Priority,
		Scope:        job.Scope,
		Status:       job.Status,
		ChunkIndex:   job.ChunkIndex,
		ChunkCount:   job.ChunkCount,
		Attempts:     job.Attempts,
		Error:        job.Error,
		CreationTime: job.CreationTime,
	}

	if job.TaskId.Valid {
		taskId := job.TaskId.UUID
		out.TaskId = &taskId
	}
	if job.StartTime.Valid {
		t := job.StartTime.Time
		out.StartTime = &t
	}
	if job.CompletionTime.Valid {
		t := job.CompletionTime.Time
		out.CompletionTime = &t
	}

	return out
}

func toApiJobs(jobs []database.Job) []api.Job {
	out := make([]api.Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toApiJob(job))
	}
	return out
}

// taskStatus derives an aggregate status for a task from its member jobs.
// Any failure wins, then any unfinished job, otherwise completed.
func taskStatus(jobs []database.Job) string {
	completed := 0
	running := false
	for _, job := range jobs {
		switch job.Status {
		case database.JobFailed:
			return database.JobFailed
		case database.JobRunning:
			running = true
		case database.JobCompleted:
			completed++
		}
	}

	if running {
		return database.JobRunning
	}
	if completed == len(jobs) {
		return database.JobCompleted
	}
	return database.JobQueued
}

func toApiTask(taskId uuid.UUID, jobs []database.Job) api.Task {
	task := api.Task{
		TaskId: taskId,
		Status: taskStatus(jobs),
		Jobs:   toApiJobs(jobs),
	}
	if len(jobs) > 0 {
		task.TaskType = jobs[0].TaskType
	}
	return task
}

func toApiProject(project database.Project) api.Project {
	return api.Project{
		Id:              project.Id,
		Name:            project.Name,
		Folder:          project.Folder,
		PhotoCount:      project.PhotoCount,
		ReadyPhotoCount: project.ReadyPhotoCount,
		CreationTime:    project.CreationTime,
	}
}

func toApiPhoto(photo database.Photo) api.Photo {
	return api.Photo{
		Id:                   photo.Id,
		ProjectId:            photo.ProjectId,
		Filename:             photo.Filename,
		Status:               photo.Status,
		DerivativesGenerated: photo.DerivativesGenerated,
		CreationTime:         photo.CreationTime,
	}
}

func toApiJobEvent(event database.JobEvent) api.JobEvent {
	return api.JobEvent{
		JobId:     event.JobId,
		Status:    event.Status,
		Detail:    event.Detail,
		Timestamp: event.Timestamp,
	}
}
