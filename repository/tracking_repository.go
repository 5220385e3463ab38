package repository

import (
	"context"
	"fmt"

	"github.com/amirphl/orochi-dispatch/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrackingRepositoryImpl implements TrackingRepository
type TrackingRepositoryImpl struct {
	DB *gorm.DB
}

// NewTrackingRepository creates a new tracking repository
func NewTrackingRepository(db *gorm.DB) TrackingRepository {
	return &TrackingRepositoryImpl{DB: db}
}

func (r *TrackingRepositoryImpl) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(TxContextKey).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return r.DB.WithContext(ctx)
}

func (r *TrackingRepositoryImpl) SaveOpen(ctx context.Context, ev *models.OpenEvent) error {
	if err := r.getDB(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("failed to save open event: %w", err)
	}
	return nil
}

func (r *TrackingRepositoryImpl) SaveClick(ctx context.Context, ev *models.ClickEvent) error {
	if err := r.getDB(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("failed to save click event: %w", err)
	}
	return nil
}

// AddUnsubscribe inserts into the global unsubscribe list, ignoring an existing address
func (r *TrackingRepositoryImpl) AddUnsubscribe(ctx context.Context, entry *models.UnsubscribeEntry) (bool, error) {
	res := r.getDB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		return false, fmt.Errorf("failed to save unsubscribe: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// EngagementByJob aggregates opens and clicks of one job
func (r *TrackingRepositoryImpl) EngagementByJob(ctx context.Context, jobID uint) (models.EngagementCounts, error) {
	db := r.getDB(ctx)
	var out models.EngagementCounts

	if err := db.Model(&models.OpenEvent{}).Where("job_id = ?", jobID).Count(&out.Opens).Error; err != nil {
		return out, fmt.Errorf("failed to count opens: %w", err)
	}
	if err := db.Model(&models.OutboundMessage{}).Where("job_id = ? AND opened = ?", jobID, true).Count(&out.UniqueOpens).Error; err != nil {
		return out, fmt.Errorf("failed to count unique opens: %w", err)
	}
	if err := db.Model(&models.ClickEvent{}).Where("job_id = ?", jobID).Count(&out.Clicks).Error; err != nil {
		return out, fmt.Errorf("failed to count clicks: %w", err)
	}
	if err := db.Model(&models.ClickEvent{}).Select("COUNT(DISTINCT LOWER(email))").Where("job_id = ?", jobID).Scan(&out.UniqueClickers).Error; err != nil {
		return out, fmt.Errorf("failed to count unique clickers: %w", err)
	}
	return out, nil
}
