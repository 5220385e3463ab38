package models

import (
	"time"

	"github.com/google/uuid"
)

// SenderAccountStatus enumerates the quota and warm-up states of a sending identity
type SenderAccountStatus string

const (
	SenderAccountStatusWarmingUp          SenderAccountStatus = "warming_up"
	SenderAccountStatusActive             SenderAccountStatus = "active"
	SenderAccountStatusPaused             SenderAccountStatus = "paused"
	SenderAccountStatusPausedLimitReached SenderAccountStatus = "paused_limit_reached"
	SenderAccountStatusSuspended          SenderAccountStatus = "suspended"
)

// IsValid reports whether s is a known account status
func (s SenderAccountStatus) IsValid() bool {
	switch s {
	case SenderAccountStatusWarmingUp, SenderAccountStatusActive, SenderAccountStatusPaused,
		SenderAccountStatusPausedLimitReached, SenderAccountStatusSuspended:
		return true
	}
	return false
}

// CanSend reports whether sends may be recorded against an account in this state
func (s SenderAccountStatus) CanSend() bool {
	return s == SenderAccountStatusActive || s == SenderAccountStatusWarmingUp
}

// SenderAccount is one sending identity with its daily quota
// Table: sender_accounts
// Invariant: sent_today <= daily_limit while status is active
type SenderAccount struct {
	ID   uint      `gorm:"primaryKey" json:"id"`
	UUID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_sender_accounts_uuid" json:"uuid"`

	Email       string  `gorm:"size:255;not null;uniqueIndex:uk_sender_accounts_email" json:"email"`
	Domain      string  `gorm:"size:255;not null;index:idx_sender_accounts_domain" json:"domain"`
	Geo         *string `gorm:"size:8;index:idx_sender_accounts_geo" json:"geo,omitempty"`
	DisplayName *string `gorm:"size:255" json:"display_name,omitempty"`

	// Credential columns. CredentialRef names a secret, never the secret itself.
	SMTPHost      *string `gorm:"size:255" json:"smtp_host,omitempty"`
	SMTPPort      *int    `json:"smtp_port,omitempty"`
	Username      *string `gorm:"size:255" json:"username,omitempty"`
	CredentialRef *string `gorm:"size:255" json:"credential_ref,omitempty"`

	Status       SenderAccountStatus `gorm:"size:32;not null;default:'warming_up';index:idx_sender_accounts_status" json:"status"`
	DailyLimit   int                 `gorm:"not null" json:"daily_limit"`
	SentToday    int                 `gorm:"not null;default:0" json:"sent_today"`
	QuotaResetAt *time.Time          `json:"quota_reset_at,omitempty"`
	BatchSize    int                 `gorm:"not null;default:50" json:"batch_size"`
	SendDelayMS  int                 `gorm:"not null;default:0" json:"send_delay_ms"`

	WarmupStage       int        `gorm:"not null;default:0" json:"warmup_stage"`
	WarmupTargetLimit int        `gorm:"not null;default:0" json:"warmup_target_limit"`
	WarmupStageAt     *time.Time `json:"warmup_stage_at,omitempty"`

	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (SenderAccount) TableName() string { return "sender_accounts" }

// UsageRatio is sent_today / daily_limit; accounts without a limit rank last
func (a *SenderAccount) UsageRatio() float64 {
	if a.DailyLimit <= 0 {
		return 1
	}
	return float64(a.SentToday) / float64(a.DailyLimit)
}

// RemainingToday is how many sends the account may still record today
func (a *SenderAccount) RemainingToday() int {
	if a.SentToday >= a.DailyLimit {
		return 0
	}
	return a.DailyLimit - a.SentToday
}

// SenderAccountFilter represents filter criteria for sender account queries
type SenderAccountFilter struct {
	ID         *uint
	UUID       *uuid.UUID
	Email      *string
	Domain     *string
	Geo        *string
	Status     *SenderAccountStatus
	Statuses   []SenderAccountStatus
	UnderLimit bool
}
