package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"gorm.io/gorm"
)

// SenderAccountRepositoryImpl implements SenderAccountRepository
type SenderAccountRepositoryImpl struct {
	*BaseRepository[models.SenderAccount, models.SenderAccountFilter]
}

// NewSenderAccountRepository creates a new sender account repository
func NewSenderAccountRepository(db *gorm.DB) SenderAccountRepository {
	return &SenderAccountRepositoryImpl{
		BaseRepository: NewBaseRepository[models.SenderAccount, models.SenderAccountFilter](db, applySenderAccountFilter),
	}
}

func applySenderAccountFilter(db *gorm.DB, f models.SenderAccountFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.Email != nil {
		db = db.Where("email = ?", utils.NormalizeEmail(*f.Email))
	}
	if f.Domain != nil {
		db = db.Where("LOWER(domain) = ?", utils.NormalizeEmail(*f.Domain))
	}
	if f.Geo != nil {
		db = db.Where("geo = ?", *f.Geo)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if len(f.Statuses) > 0 {
		db = db.Where("status IN ?", f.Statuses)
	}
	if f.UnderLimit {
		db = db.Where("sent_today < daily_limit")
	}
	return db
}

// ByEmail retrieves an account by its sending address
func (r *SenderAccountRepositoryImpl) ByEmail(ctx context.Context, email string) (*models.SenderAccount, error) {
	rows, err := r.ByFilter(ctx, models.SenderAccountFilter{Email: &email}, "", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

const recordSendSQL = `
UPDATE sender_accounts
SET sent_today = sent_today + 1,
    last_used_at = ?,
    updated_at = ?,
    status = CASE WHEN status = 'active' AND sent_today + 1 >= daily_limit
                  THEN 'paused_limit_reached' ELSE status END
WHERE id = ? AND status IN ('active', 'warming_up') AND sent_today < daily_limit
RETURNING *`

// RecordSend consumes one unit of the account's daily quota
func (r *SenderAccountRepositoryImpl) RecordSend(ctx context.Context, id uint, at time.Time) (*models.SenderAccount, error) {
	var rows []*models.SenderAccount
	if err := r.getDB(ctx).Raw(recordSendSQL, at, at, id).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to record send for account %d: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// ResetDailyQuotas zeroes sent_today for every account whose window is more than a day old.
// Suspended and manually paused accounts are left untouched.
func (r *SenderAccountRepositoryImpl) ResetDailyQuotas(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-utils.QuotaWindow)
	res := r.getDB(ctx).Model(&models.SenderAccount{}).
		Where("status NOT IN ?", []models.SenderAccountStatus{models.SenderAccountStatusSuspended, models.SenderAccountStatusPaused}).
		Where("quota_reset_at IS NULL OR quota_reset_at < ?", cutoff).
		Updates(map[string]any{
			"sent_today":     0,
			"quota_reset_at": now,
			"updated_at":     now,
			"status": gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END",
				models.SenderAccountStatusPausedLimitReached, models.SenderAccountStatusActive),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reset daily quotas: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AdvanceWarmUp moves a warming account to a later stage. The daily limit never decreases.
func (r *SenderAccountRepositoryImpl) AdvanceWarmUp(ctx context.Context, id uint, stage, limit int, at time.Time) (bool, error) {
	res := r.getDB(ctx).Model(&models.SenderAccount{}).
		Where("id = ? AND status = ? AND warmup_stage < ?", id, models.SenderAccountStatusWarmingUp, stage).
		Updates(map[string]any{
			"warmup_stage":    stage,
			"daily_limit":     gorm.Expr("GREATEST(daily_limit, ?)", limit),
			"warmup_stage_at": at,
			"updated_at":      at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to advance warm-up of account %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateStatus moves an account to `to` when its current status is one of `from`
func (r *SenderAccountRepositoryImpl) UpdateStatus(ctx context.Context, id uint, from []models.SenderAccountStatus, to models.SenderAccountStatus) (ok bool, err error) {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return false, err
	}
	defer finish(db, shouldCommit, &err)

	res := db.Model(&models.SenderAccount{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": utils.UTCNow()})
	if res.Error != nil {
		err = fmt.Errorf("failed to update status of account %d: %w", id, res.Error)
		return false, err
	}
	return res.RowsAffected > 0, nil
}

// Heartbeat stamps the account's worker liveness column
func (r *SenderAccountRepositoryImpl) Heartbeat(ctx context.Context, id uint, at time.Time) error {
	res := r.getDB(ctx).Model(&models.SenderAccount{}).
		Where("id = ?", id).
		Update("heartbeat_at", at)
	if res.Error != nil {
		return fmt.Errorf("failed to write heartbeat for account %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.New("sender account not found")
	}
	return nil
}
