package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OutboundMessageRepositoryImpl implements OutboundMessageRepository
type OutboundMessageRepositoryImpl struct {
	*BaseRepository[models.OutboundMessage, struct{}]
}

// NewOutboundMessageRepository creates a new outbound message repository
func NewOutboundMessageRepository(db *gorm.DB) OutboundMessageRepository {
	return &OutboundMessageRepositoryImpl{
		BaseRepository: NewBaseRepository[models.OutboundMessage, struct{}](db, func(db *gorm.DB, _ struct{}) *gorm.DB { return db }),
	}
}

// ByToken retrieves the message owning a tracking token, nil when unknown
func (r *OutboundMessageRepositoryImpl) ByToken(ctx context.Context, token uuid.UUID) (*models.OutboundMessage, error) {
	var msg models.OutboundMessage
	err := r.getDB(ctx).Where("token = ?", token).Take(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find message by token: %w", err)
	}
	return &msg, nil
}

// UpdateDelivery records the outcome of one delivery attempt
func (r *OutboundMessageRepositoryImpl) UpdateDelivery(ctx context.Context, id uint, status models.MessageStatus, accountID *uint, lastErr *string) error {
	values := map[string]any{
		"status":     status,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": lastErr,
		"updated_at": utils.UTCNow(),
	}
	if accountID != nil {
		values["sender_account_id"] = *accountID
	}
	err := r.getDB(ctx).Model(&models.OutboundMessage{}).Where("id = ?", id).Updates(values).Error
	if err != nil {
		return fmt.Errorf("failed to update delivery of message %d: %w", id, err)
	}
	return nil
}

// MarkOpened sets the opened flag once and refreshes last_opened_at on every call
func (r *OutboundMessageRepositoryImpl) MarkOpened(ctx context.Context, id uint, at time.Time) (bool, error) {
	return r.markOnce(ctx, id, at, "opened", "first_opened_at", "last_opened_at")
}

// MarkClicked sets the clicked flag once and refreshes last_clicked_at on every call
func (r *OutboundMessageRepositoryImpl) MarkClicked(ctx context.Context, id uint, at time.Time) (bool, error) {
	return r.markOnce(ctx, id, at, "clicked", "first_clicked_at", "last_clicked_at")
}

func (r *OutboundMessageRepositoryImpl) markOnce(ctx context.Context, id uint, at time.Time, flag, first, last string) (bool, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.OutboundMessage{}).
		Where("id = ? AND "+flag+" = ?", id, false).
		Updates(map[string]any{flag: true, first: at, last: at, "updated_at": at})
	if res.Error != nil {
		return false, fmt.Errorf("failed to set %s on message %d: %w", flag, id, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if err := db.Model(&models.OutboundMessage{}).Where("id = ?", id).Update(last, at).Error; err != nil {
		return false, fmt.Errorf("failed to refresh %s on message %d: %w", last, id, err)
	}
	return false, nil
}

const claimQueuedSQL = `
UPDATE outbound_messages
SET status = 'sending', sender_account_id = ?, updated_at = ?
WHERE id IN (
    SELECT id FROM outbound_messages
    WHERE status = 'queued'
    ORDER BY id
    LIMIT ?
    FOR UPDATE SKIP LOCKED
)
RETURNING *`

// ClaimQueued moves up to limit queued messages to sending for one account.
// Concurrent claimers never receive the same row.
func (r *OutboundMessageRepositoryImpl) ClaimQueued(ctx context.Context, accountID uint, limit int) ([]*models.OutboundMessage, error) {
	var rows []*models.OutboundMessage
	if err := r.getDB(ctx).Raw(claimQueuedSQL, accountID, utils.UTCNow(), limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to claim queued messages: %w", err)
	}
	return rows, nil
}

var pendingMessageStatuses = []models.MessageStatus{models.MessageStatusQueued, models.MessageStatusSending}

// ReleaseClaimed returns an account's in-flight messages to the queue after its worker died
func (r *OutboundMessageRepositoryImpl) ReleaseClaimed(ctx context.Context, accountID uint) (int64, error) {
	res := r.getDB(ctx).Model(&models.OutboundMessage{}).
		Where("sender_account_id = ? AND status = ?", accountID, models.MessageStatusSending).
		Updates(map[string]any{"status": models.MessageStatusQueued, "updated_at": utils.UTCNow()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to release messages of account %d: %w", accountID, res.Error)
	}
	return res.RowsAffected, nil
}

// MarkUnsendableByEmail withdraws every queued or claimed message to the address
func (r *OutboundMessageRepositoryImpl) MarkUnsendableByEmail(ctx context.Context, email string) (int64, error) {
	res := r.getDB(ctx).Model(&models.OutboundMessage{}).
		Where("LOWER(email) = ? AND status IN ?", utils.NormalizeEmail(email), pendingMessageStatuses).
		Updates(map[string]any{"status": models.MessageStatusUnsendable, "updated_at": utils.UTCNow()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to withdraw queued messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Withdraw makes one queued or claimed message unsendable and reports whether it was pending
func (r *OutboundMessageRepositoryImpl) Withdraw(ctx context.Context, id uint) (bool, error) {
	res := r.getDB(ctx).Model(&models.OutboundMessage{}).
		Where("id = ? AND status IN ?", id, pendingMessageStatuses).
		Updates(map[string]any{"status": models.MessageStatusUnsendable, "updated_at": utils.UTCNow()})
	if res.Error != nil {
		return false, fmt.Errorf("failed to withdraw message %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AttemptedRecipients reports the recipients of ids that the job already tried to deliver to
func (r *OutboundMessageRepositoryImpl) AttemptedRecipients(ctx context.Context, jobID uint, recipientIDs []int64) (map[uint]bool, error) {
	out := make(map[uint]bool)
	if len(recipientIDs) == 0 {
		return out, nil
	}
	var ids []uint
	err := r.getDB(ctx).Model(&models.OutboundMessage{}).
		Where("job_id = ? AND recipient_id IN ? AND status IN ?", jobID, recipientIDs,
			[]models.MessageStatus{models.MessageStatusSent, models.MessageStatusFailed}).
		Distinct().
		Pluck("recipient_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list attempted recipients of job %d: %w", jobID, err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// CountQueued returns the depth of the shared send queue
func (r *OutboundMessageRepositoryImpl) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	err := r.getDB(ctx).Model(&models.OutboundMessage{}).Where("status = ?", models.MessageStatusQueued).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count queued messages: %w", err)
	}
	return n, nil
}
