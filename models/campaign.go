package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CampaignProvider selects the delivery channel family for a campaign
type CampaignProvider string

const (
	CampaignProviderAPI  CampaignProvider = "api"
	CampaignProviderSMTP CampaignProvider = "smtp"
)

// JobType is the send job that dispatches a campaign of this provider
func (p CampaignProvider) JobType() JobType {
	if p == CampaignProviderSMTP {
		return JobTypeSendCampaignSMTP
	}
	return JobTypeSendCampaignAPI
}

// Campaign holds content, batching and recipient-selection parameters for one send
// Table: campaigns
// Status is derived from the referenced job; archived_at marks a deleted campaign
type Campaign struct {
	ID   uint      `gorm:"primaryKey" json:"id"`
	UUID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_campaigns_uuid" json:"uuid"`

	Name     string           `gorm:"size:255;not null" json:"name"`
	OfferID  *uint            `gorm:"index:idx_campaigns_offer_id" json:"offer_id,omitempty"`
	OfferURL *string          `gorm:"type:text" json:"offer_url,omitempty"`
	FromName string           `gorm:"size:255;not null" json:"from_name"`
	Subject  string           `gorm:"size:998;not null" json:"subject"`
	Body     string           `gorm:"type:text;not null" json:"body"`
	Provider CampaignProvider `gorm:"size:16;not null;default:'api'" json:"provider"`

	BatchSize    int `gorm:"not null;default:50" json:"batch_size"`
	BatchDelayMS int `gorm:"not null;default:2000" json:"batch_delay_ms"`

	ListIDs         pq.Int64Array `gorm:"type:bigint[];not null" json:"list_ids"`
	Geo             *string       `gorm:"size:8" json:"geo,omitempty"`
	Vertical        *string       `gorm:"size:64" json:"vertical,omitempty"`
	RecipientOffset int           `gorm:"not null;default:0" json:"recipient_offset"`
	RecipientLimit  *int          `json:"recipient_limit,omitempty"`
	RotateAccounts  bool          `gorm:"not null;default:false" json:"rotate_accounts"`
	SenderDomain    *string       `gorm:"size:255" json:"sender_domain,omitempty"`

	ScheduledAt *time.Time `gorm:"index:idx_campaigns_scheduled_at" json:"scheduled_at,omitempty"`
	JobID       *uint      `gorm:"index:idx_campaigns_job_id" json:"job_id,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Campaign) TableName() string { return "campaigns" }

// CampaignFilter represents filter criteria for campaign queries
type CampaignFilter struct {
	ID              *uint
	UUID            *uuid.UUID
	OfferID         *uint
	IncludeArchived bool
	ScheduledBefore *time.Time
	WithoutJob      bool
}
