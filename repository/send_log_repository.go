package repository

import (
	"context"
	"fmt"

	"github.com/amirphl/orochi-dispatch/models"
	"gorm.io/gorm"
)

// SendLogRepositoryImpl implements SendLogRepository. Rows are never updated.
type SendLogRepositoryImpl struct {
	*BaseRepository[models.SendLogEntry, models.SendLogFilter]
}

// NewSendLogRepository creates a new send log repository
func NewSendLogRepository(db *gorm.DB) SendLogRepository {
	return &SendLogRepositoryImpl{
		BaseRepository: NewBaseRepository[models.SendLogEntry, models.SendLogFilter](db, applySendLogFilter),
	}
}

func applySendLogFilter(db *gorm.DB, f models.SendLogFilter) *gorm.DB {
	if f.JobID != nil {
		db = db.Where("job_id = ?", *f.JobID)
	}
	if f.CampaignID != nil {
		db = db.Where("campaign_id = ?", *f.CampaignID)
	}
	if f.SenderAccountID != nil {
		db = db.Where("sender_account_id = ?", *f.SenderAccountID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.Permanent != nil {
		db = db.Where("permanent = ?", *f.Permanent)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	return db
}

// CountsByJob aggregates sent and failed deliveries of one job
func (r *SendLogRepositoryImpl) CountsByJob(ctx context.Context, jobID uint) (models.SendCounts, error) {
	var row struct {
		Sent   int64
		Failed int64
	}
	err := r.getDB(ctx).Model(&models.SendLogEntry{}).
		Select("COUNT(*) FILTER (WHERE status = ?) AS sent, COUNT(*) FILTER (WHERE status = ?) AS failed",
			models.SendStatusSent, models.SendStatusFailed).
		Where("job_id = ?", jobID).
		Scan(&row).Error
	if err != nil {
		return models.SendCounts{}, fmt.Errorf("failed to count send logs of job %d: %w", jobID, err)
	}
	return models.SendCounts{Sent: row.Sent, Failed: row.Failed}, nil
}

// PermanentFailureEmails lists distinct lowercased addresses with a permanent failed delivery
func (r *SendLogRepositoryImpl) PermanentFailureEmails(ctx context.Context, filter models.SendLogFilter) ([]string, error) {
	failed := models.SendStatusFailed
	permanent := true
	filter.Status = &failed
	filter.Permanent = &permanent

	var emails []string
	err := applySendLogFilter(r.getDB(ctx).Model(&models.SendLogEntry{}), filter).
		Select("DISTINCT LOWER(email)").
		Scan(&emails).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list permanent failures: %w", err)
	}
	return emails, nil
}
