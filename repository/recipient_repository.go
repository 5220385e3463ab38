package repository

import (
	"context"
	"fmt"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"gorm.io/gorm"
)

// RecipientRepositoryImpl implements RecipientRepository
type RecipientRepositoryImpl struct {
	*BaseRepository[models.Recipient, models.RecipientFilter]
}

// NewRecipientRepository creates a new recipient repository
func NewRecipientRepository(db *gorm.DB) RecipientRepository {
	return &RecipientRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Recipient, models.RecipientFilter](db, applyRecipientFilter),
	}
}

func applyRecipientFilter(db *gorm.DB, f models.RecipientFilter) *gorm.DB {
	if len(f.ListIDs) > 0 {
		db = db.Where("list_id IN ?", f.ListIDs)
	}
	if len(f.IDs) > 0 {
		db = db.Where("id IN ?", f.IDs)
	}
	if f.Email != nil {
		db = db.Where("LOWER(email) = ?", utils.NormalizeEmail(*f.Email))
	}
	if f.Geo != nil {
		db = db.Where("geo = ?", *f.Geo)
	}
	if f.Vertical != nil {
		db = db.Where("vertical = ?", *f.Vertical)
	}
	return db
}

// MarkHardBounced flags every row carrying one of the given addresses
func (r *RecipientRepositoryImpl) MarkHardBounced(ctx context.Context, emails []string) (int64, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	res := r.getDB(ctx).Model(&models.Recipient{}).
		Where("LOWER(email) IN ? AND is_hard_bounced = ?", normalizeAll(emails), false).
		Updates(map[string]any{"is_hard_bounced": true, "updated_at": utils.UTCNow()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark hard bounces: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MarkUnsubscribed flags every row carrying the address, across all lists
func (r *RecipientRepositoryImpl) MarkUnsubscribed(ctx context.Context, email string) (int64, error) {
	res := r.getDB(ctx).Model(&models.Recipient{}).
		Where("LOWER(email) = ? AND is_unsubscribed = ?", utils.NormalizeEmail(email), false).
		Updates(map[string]any{"is_unsubscribed": true, "updated_at": utils.UTCNow()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark unsubscribed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func normalizeAll(emails []string) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		out = append(out, utils.NormalizeEmail(e))
	}
	return out
}
