package models

import "time"

// SendStatus is the outcome of one delivery attempt
type SendStatus string

const (
	SendStatusSent   SendStatus = "sent"
	SendStatusFailed SendStatus = "failed"
)

// SendLogEntry records one attempted delivery. Rows are append-only.
// Table: send_logs
type SendLogEntry struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	JobID           *uint      `gorm:"index:idx_send_logs_job_id" json:"job_id,omitempty"`
	CampaignID      *uint      `gorm:"index:idx_send_logs_campaign_id" json:"campaign_id,omitempty"`
	MessageID       *uint      `gorm:"index:idx_send_logs_message_id" json:"message_id,omitempty"`
	Email           string     `gorm:"size:320;not null;index:idx_send_logs_email" json:"email"`
	SenderAccountID *uint      `gorm:"index:idx_send_logs_sender_account_id" json:"sender_account_id,omitempty"`
	Status          SendStatus `gorm:"size:16;not null;index:idx_send_logs_status" json:"status"`
	Error           *string    `gorm:"type:text" json:"error,omitempty"`
	ErrorCode       *string    `gorm:"size:32" json:"error_code,omitempty"`
	Permanent       bool       `gorm:"not null;default:false" json:"permanent"`
	CreatedAt       time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_send_logs_created_at" json:"created_at"`
}

func (SendLogEntry) TableName() string { return "send_logs" }

// SendLogFilter provides filter fields for repository queries
type SendLogFilter struct {
	JobID           *uint
	CampaignID      *uint
	SenderAccountID *uint
	Status          *SendStatus
	Permanent       *bool
	CreatedAfter    *time.Time
}

// SendCounts aggregates send_logs for one job
type SendCounts struct {
	Sent   int64
	Failed int64
}
