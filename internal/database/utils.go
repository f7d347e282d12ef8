package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdatePhotoStatus(ctx context.Context, txn *gorm.DB, projectId uint, filename, status string) error {
	err := txn.WithContext(ctx).Model(&Photo{}).
		Where("project_id = ? AND filename = ?", projectId, filename).
		Update("status", status).Error
	if err != nil {
		slog.Error("error updating photo status", "project_id", projectId, "filename", filename, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveJobEvent(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status, detail string) {
	event := JobEvent{
		Id:        uuid.New(),
		JobId:     jobId,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&event).Error; err != nil {
		slog.Error("error saving job event", "job_id", jobId, "error", err)
	}
}

func RefreshProjectCounts(ctx context.Context, txn *gorm.DB, projectId uint) error {
	var total, ready int64
	if err := txn.WithContext(ctx).Model(&Photo{}).Where("project_id = ?", projectId).Count(&total).Error; err != nil {
		return err
	}
	if err := txn.WithContext(ctx).Model(&Photo{}).Where("project_id = ? AND status = ?", projectId, PhotoReady).Count(&ready).Error; err != nil {
		return err
	}

	return txn.WithContext(ctx).Model(&Project{Id: projectId}).Updates(map[string]any{
		"photo_count":       total,
		"ready_photo_count": ready,
	}).Error
}
