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

// CampaignRepositoryImpl implements CampaignRepository
type CampaignRepositoryImpl struct {
	*BaseRepository[models.Campaign, models.CampaignFilter]
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *gorm.DB) CampaignRepository {
	return &CampaignRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Campaign, models.CampaignFilter](db, applyCampaignFilter),
	}
}

func applyCampaignFilter(db *gorm.DB, f models.CampaignFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.OfferID != nil {
		db = db.Where("offer_id = ?", *f.OfferID)
	}
	if !f.IncludeArchived {
		db = db.Where("archived_at IS NULL")
	}
	if f.ScheduledBefore != nil {
		db = db.Where("scheduled_at IS NOT NULL AND scheduled_at <= ?", *f.ScheduledBefore)
	}
	if f.WithoutJob {
		db = db.Where("job_id IS NULL")
	}
	return db
}

// ByUUID retrieves a campaign by UUID
func (r *CampaignRepositoryImpl) ByUUID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	rows, err := r.ByFilter(ctx, models.CampaignFilter{UUID: &id, IncludeArchived: true}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// AttachJob records the job currently executing the campaign
func (r *CampaignRepositoryImpl) AttachJob(ctx context.Context, campaignID, jobID uint) error {
	err := r.getDB(ctx).Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]any{"job_id": jobID, "updated_at": utils.UTCNow()}).Error
	if err != nil {
		return fmt.Errorf("failed to attach job %d to campaign %d: %w", jobID, campaignID, err)
	}
	return nil
}

// Archive marks a campaign deleted; archiving twice is a no-op
func (r *CampaignRepositoryImpl) Archive(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := r.getDB(ctx).Model(&models.Campaign{}).
		Where("id = ? AND archived_at IS NULL", id).
		Updates(map[string]any{"archived_at": at, "updated_at": at})
	if res.Error != nil {
		return false, fmt.Errorf("failed to archive campaign %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListDue returns scheduled campaigns whose time has come and that have no job yet
func (r *CampaignRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Campaign, error) {
	return r.ByFilter(ctx, models.CampaignFilter{ScheduledBefore: &now, WithoutJob: true}, "scheduled_at ASC, id ASC", limit, 0)
}
