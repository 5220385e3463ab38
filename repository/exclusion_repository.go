package repository

import (
	"context"
	"fmt"

	"github.com/amirphl/orochi-dispatch/models"
	"gorm.io/gorm"
)

// ExclusionRepositoryImpl implements ExclusionRepository over blacklist_entries and suppression_entries
type ExclusionRepositoryImpl struct {
	DB *gorm.DB
}

// NewExclusionRepository creates a new exclusion repository
func NewExclusionRepository(db *gorm.DB) ExclusionRepository {
	return &ExclusionRepositoryImpl{DB: db}
}

// lookupChunk bounds the IN list of a single lookup query
const lookupChunk = 1000

func (r *ExclusionRepositoryImpl) getDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(TxContextKey).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return r.DB.WithContext(ctx)
}

// ActiveBlacklisted returns the subset of emails present in the active blacklist
func (r *ExclusionRepositoryImpl) ActiveBlacklisted(ctx context.Context, emails []string) ([]string, error) {
	var hits []string
	for _, chunk := range chunks(normalizeAll(emails), lookupChunk) {
		var found []string
		err := r.getDB(ctx).Model(&models.BlacklistEntry{}).
			Where("is_active = ? AND LOWER(email) IN ?", true, chunk).
			Select("LOWER(email)").
			Scan(&found).Error
		if err != nil {
			return nil, fmt.Errorf("failed to query blacklist: %w", err)
		}
		hits = append(hits, found...)
	}
	return hits, nil
}

// Suppressed returns the subset of emails suppressed for the offer
func (r *ExclusionRepositoryImpl) Suppressed(ctx context.Context, offerID uint, emails []string) ([]string, error) {
	var hits []string
	for _, chunk := range chunks(normalizeAll(emails), lookupChunk) {
		var found []string
		err := r.getDB(ctx).Model(&models.SuppressionEntry{}).
			Where("offer_id = ? AND LOWER(email) IN ?", offerID, chunk).
			Select("LOWER(email)").
			Scan(&found).Error
		if err != nil {
			return nil, fmt.Errorf("failed to query suppression list: %w", err)
		}
		hits = append(hits, found...)
	}
	return hits, nil
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
