package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobRepositoryImpl implements JobRepository
type JobRepositoryImpl struct {
	*BaseRepository[models.Job, models.JobFilter]
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *gorm.DB) JobRepository {
	return &JobRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Job, models.JobFilter](db, applyJobFilter),
	}
}

func applyJobFilter(db *gorm.DB, f models.JobFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.Type != nil {
		db = db.Where("type = ?", *f.Type)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if len(f.Statuses) > 0 {
		db = db.Where("status IN ?", f.Statuses)
	}
	if f.CampaignID != nil {
		db = db.Where("campaign_id = ?", *f.CampaignID)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	if f.LeaseExpiredBefore != nil {
		db = db.Where("(heartbeat_at IS NULL OR heartbeat_at < ?)", *f.LeaseExpiredBefore)
	}
	return db
}

// ByUUID retrieves a job by its public identifier
func (r *JobRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	rows, err := r.ByFilter(ctx, models.JobFilter{UUID: &id}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Transition moves a job to status `to` only when its current status is one of `from`
func (r *JobRepositoryImpl) Transition(ctx context.Context, id uint, from []models.JobStatus, to models.JobStatus, upd models.JobUpdate) (ok bool, err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
	}
	defer finish(db, shouldCommit, &err)

	values := map[string]any{
		"status":     to,
		"updated_at": utils.UTCNow(),
	}
	if upd.StartedAt != nil {
		values["started_at"] = *upd.StartedAt
	}
	if upd.CompletedAt != nil {
		values["completed_at"] = *upd.CompletedAt
	}
	if upd.ErrorMessage != nil {
		values["error_message"] = *upd.ErrorMessage
	}
	if upd.ExitCode != nil {
		values["exit_code"] = *upd.ExitCode
	}
	if upd.Progress != nil {
		values["progress"] = *upd.Progress
	}
	if upd.ProcessedItems != nil {
		values["processed_items"] = gorm.Expr("GREATEST(processed_items, ?)", *upd.ProcessedItems)
	}
	if upd.TotalItems != nil {
		values["total_items"] = *upd.TotalItems
	}
	if upd.ClearHeartbeat {
		values["heartbeat_at"] = nil
	} else if upd.HeartbeatAt != nil {
		values["heartbeat_at"] = *upd.HeartbeatAt
	}

	res := db.Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(values)
	if res.Error != nil {
		err = fmt.Errorf("failed to transition job %d to %s: %w", id, to, res.Error)
		return false, err
	}
	return res.RowsAffected > 0, nil
}

// UpdateProgress writes progress while the job is running or paused.
// processed_items never decreases: an older report than the stored one matches no row.
func (r *JobRepositoryImpl) UpdateProgress(ctx context.Context, id uint, processed, total, progress int) (bool, error) {
	res := r.getDB(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ? AND processed_items <= ?", id,
			[]models.JobStatus{models.JobStatusRunning, models.JobStatusPaused}, processed).
		Updates(map[string]any{
			"processed_items": processed,
			"total_items":     total,
			"progress":        progress,
			"updated_at":      utils.UTCNow(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update progress of job %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CommitProgress stores the position a worker persisted with its cursor. Unlike
// UpdateProgress it also matches finished jobs, so the work done before a cancel
// is kept. processed_items still never decreases.
func (r *JobRepositoryImpl) CommitProgress(ctx context.Context, id uint, processed, total, progress int) error {
	err := r.getDB(ctx).Model(&models.Job{}).
		Where("id = ? AND processed_items <= ?", id, processed).
		Updates(map[string]any{
			"processed_items": processed,
			"total_items":     total,
			"progress":        progress,
			"updated_at":      utils.UTCNow(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to commit progress of job %d: %w", id, err)
	}
	return nil
}

// Heartbeat renews the worker lease of an active job
func (r *JobRepositoryImpl) Heartbeat(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := r.getDB(ctx).Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, models.ActiveJobStatuses).
		Update("heartbeat_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("failed to renew lease of job %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ExpireLease parks a running job whose worker lease is older than before.
// A lease renewed after the caller read the job keeps the row untouched.
func (r *JobRepositoryImpl) ExpireLease(ctx context.Context, id uint, before time.Time) (bool, error) {
	res := r.getDB(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobStatusRunning).
		Where("(heartbeat_at IS NULL OR heartbeat_at < ?)", before).
		Updates(map[string]any{
			"status":       models.JobStatusPaused,
			"heartbeat_at": nil,
			"updated_at":   utils.UTCNow(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to expire lease of job %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Delete removes a job that is no longer active
func (r *JobRepositoryImpl) Delete(ctx context.Context, id uint) (ok bool, err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
	}
	defer finish(db, shouldCommit, &err)

	res := db.Where("id = ? AND status NOT IN ?", id, models.ActiveJobStatuses).Delete(&models.Job{})
	if res.Error != nil {
		err = fmt.Errorf("failed to delete job %d: %w", id, res.Error)
		return false, err
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if err = db.Where("job_id = ?", id).Delete(&models.DispatchCursor{}).Error; err != nil {
		err = fmt.Errorf("failed to delete dispatch cursor of job %d: %w", id, err)
		return false, err
	}
	return true, nil
}
