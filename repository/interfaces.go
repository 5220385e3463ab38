package repository

import (
	"context"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/google/uuid"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// Transactor scopes repository calls made with the callback context to one transaction
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(context.Context) error) error
}

// JobRepository defines operations for jobs.
// Status changes are conditional updates; the returned bool reports whether a row matched.
type JobRepository interface {
	Repository[models.Job, models.JobFilter]
	ByUUID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Transition(ctx context.Context, id uint, from []models.JobStatus, to models.JobStatus, upd models.JobUpdate) (bool, error)
	UpdateProgress(ctx context.Context, id uint, processed, total, progress int) (bool, error)
	CommitProgress(ctx context.Context, id uint, processed, total, progress int) error
	Heartbeat(ctx context.Context, id uint, at time.Time) (bool, error)
	ExpireLease(ctx context.Context, id uint, before time.Time) (bool, error)
	Delete(ctx context.Context, id uint) (bool, error)
}

// CampaignRepository defines operations for campaigns
type CampaignRepository interface {
	Repository[models.Campaign, models.CampaignFilter]
	ByUUID(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	AttachJob(ctx context.Context, campaignID, jobID uint) error
	Archive(ctx context.Context, id uint, at time.Time) (bool, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Campaign, error)
}

// SenderAccountRepository defines operations for sender accounts
type SenderAccountRepository interface {
	Repository[models.SenderAccount, models.SenderAccountFilter]
	ByEmail(ctx context.Context, email string) (*models.SenderAccount, error)
	// RecordSend increments sent_today when the account is sendable and under its limit.
	// An active account reaching the limit flips to paused_limit_reached in the same statement.
	// Returns nil when the account was not eligible.
	RecordSend(ctx context.Context, id uint, at time.Time) (*models.SenderAccount, error)
	ResetDailyQuotas(ctx context.Context, now time.Time) (int64, error)
	AdvanceWarmUp(ctx context.Context, id uint, stage, limit int, at time.Time) (bool, error)
	UpdateStatus(ctx context.Context, id uint, from []models.SenderAccountStatus, to models.SenderAccountStatus) (bool, error)
	Heartbeat(ctx context.Context, id uint, at time.Time) error
}

// RecipientRepository defines operations for email_data rows
type RecipientRepository interface {
	Repository[models.Recipient, models.RecipientFilter]
	MarkHardBounced(ctx context.Context, emails []string) (int64, error)
	MarkUnsubscribed(ctx context.Context, email string) (int64, error)
}

// ExclusionRepository answers blacklist and suppression lookups for a set of addresses.
// Addresses are compared lowercased; results are lowercased.
type ExclusionRepository interface {
	ActiveBlacklisted(ctx context.Context, emails []string) ([]string, error)
	Suppressed(ctx context.Context, offerID uint, emails []string) ([]string, error)
}

// OutboundMessageRepository defines operations for outbound messages and the shared send queue
type OutboundMessageRepository interface {
	Save(ctx context.Context, msg *models.OutboundMessage) error
	ByID(ctx context.Context, id uint) (*models.OutboundMessage, error)
	ByToken(ctx context.Context, token uuid.UUID) (*models.OutboundMessage, error)
	SaveBatch(ctx context.Context, msgs []*models.OutboundMessage) error
	UpdateDelivery(ctx context.Context, id uint, status models.MessageStatus, accountID *uint, lastErr *string) error
	// MarkOpened and MarkClicked set the monotonic flag and report whether this call flipped it
	MarkOpened(ctx context.Context, id uint, at time.Time) (bool, error)
	MarkClicked(ctx context.Context, id uint, at time.Time) (bool, error)
	ClaimQueued(ctx context.Context, accountID uint, limit int) ([]*models.OutboundMessage, error)
	ReleaseClaimed(ctx context.Context, accountID uint) (int64, error)
	MarkUnsendableByEmail(ctx context.Context, email string) (int64, error)
	Withdraw(ctx context.Context, id uint) (bool, error)
	// AttemptedRecipients returns which of recipientIDs already have a sent or failed message from the job
	AttemptedRecipients(ctx context.Context, jobID uint, recipientIDs []int64) (map[uint]bool, error)
	CountQueued(ctx context.Context) (int64, error)
}

// SendLogRepository defines append-only operations for send logs
type SendLogRepository interface {
	Save(ctx context.Context, entry *models.SendLogEntry) error
	SaveBatch(ctx context.Context, entries []*models.SendLogEntry) error
	CountsByJob(ctx context.Context, jobID uint) (models.SendCounts, error)
	PermanentFailureEmails(ctx context.Context, filter models.SendLogFilter) ([]string, error)
}

// DispatchCursorRepository persists resumable dispatch positions
type DispatchCursorRepository interface {
	ByJobID(ctx context.Context, jobID uint) (*models.DispatchCursor, error)
	Save(ctx context.Context, cursor *models.DispatchCursor) error
	Advance(ctx context.Context, jobID uint, position int) error
}

// TrackingRepository records engagement events
type TrackingRepository interface {
	SaveOpen(ctx context.Context, ev *models.OpenEvent) error
	SaveClick(ctx context.Context, ev *models.ClickEvent) error
	// AddUnsubscribe inserts the address once and reports whether a row was created
	AddUnsubscribe(ctx context.Context, entry *models.UnsubscribeEntry) (bool, error)
	EngagementByJob(ctx context.Context, jobID uint) (models.EngagementCounts, error)
}
