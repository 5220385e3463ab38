package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus enumerates the lifecycle of an outbound message
type MessageStatus string

const (
	MessageStatusQueued     MessageStatus = "queued"
	MessageStatusSending    MessageStatus = "sending"
	MessageStatusSent       MessageStatus = "sent"
	MessageStatusFailed     MessageStatus = "failed"
	MessageStatusUnsendable MessageStatus = "unsendable"
)

// OutboundMessage is one personalized message for a (recipient, campaign) pair.
// Token is the opaque tracking identifier used by open, click and unsubscribe callbacks.
// Rows in status queued form the shared send queue drained by continuous workers.
// Table: outbound_messages
type OutboundMessage struct {
	ID    uint      `gorm:"primaryKey" json:"id"`
	Token uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_outbound_messages_token" json:"token"`

	JobID           *uint   `gorm:"index:idx_outbound_messages_job_id" json:"job_id,omitempty"`
	CampaignID      *uint   `gorm:"index:idx_outbound_messages_campaign_id" json:"campaign_id,omitempty"`
	RecipientID     *uint   `json:"recipient_id,omitempty"`
	Email           string  `gorm:"size:320;not null;index:idx_outbound_messages_email" json:"email"`
	FromName        string  `gorm:"size:255" json:"from_name"`
	Subject         string  `gorm:"size:998;not null" json:"subject"`
	Body            string  `gorm:"type:text;not null" json:"body"`
	SenderAccountID *uint   `gorm:"index:idx_outbound_messages_sender_account_id" json:"sender_account_id,omitempty"`
	Provider        *string `gorm:"size:16" json:"provider,omitempty"`

	Status    MessageStatus `gorm:"size:16;not null;default:'queued';index:idx_outbound_messages_status" json:"status"`
	Attempts  int           `gorm:"not null;default:0" json:"attempts"`
	LastError *string       `gorm:"type:text" json:"last_error,omitempty"`

	Opened         bool       `gorm:"not null;default:false" json:"opened"`
	FirstOpenedAt  *time.Time `json:"first_opened_at,omitempty"`
	LastOpenedAt   *time.Time `json:"last_opened_at,omitempty"`
	Clicked        bool       `gorm:"not null;default:false" json:"clicked"`
	FirstClickedAt *time.Time `json:"first_clicked_at,omitempty"`
	LastClickedAt  *time.Time `json:"last_clicked_at,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (OutboundMessage) TableName() string { return "outbound_messages" }
