package models

import "time"

// BlacklistEntry is a network-wide blocked address
// Table: blacklist_entries
type BlacklistEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"size:320;not null;uniqueIndex:uk_blacklist_entries_email" json:"email"`
	Reason    *string   `gorm:"size:255" json:"reason,omitempty"`
	IsActive  bool      `gorm:"not null;default:true;index:idx_blacklist_entries_is_active" json:"is_active"`
	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
}

func (BlacklistEntry) TableName() string { return "blacklist_entries" }

// SuppressionReason enumerates why an address is suppressed for an offer
type SuppressionReason string

const (
	SuppressionReasonAdvertiser SuppressionReason = "advertiser_list"
	SuppressionReasonComplaint  SuppressionReason = "spam_complaint"
	SuppressionReasonManual     SuppressionReason = "manual"
)

// SuppressionEntry excludes an address from sends of one offer only
// Table: suppression_entries
type SuppressionEntry struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	OfferID   uint              `gorm:"not null;uniqueIndex:uk_suppression_entries_offer_email,priority:1" json:"offer_id"`
	Email     string            `gorm:"size:320;not null;uniqueIndex:uk_suppression_entries_offer_email,priority:2" json:"email"`
	Reason    SuppressionReason `gorm:"size:32;not null;default:'advertiser_list'" json:"reason"`
	Source    *string           `gorm:"size:64" json:"source,omitempty"`
	CreatedAt time.Time         `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
}

func (SuppressionEntry) TableName() string { return "suppression_entries" }

// UnsubscribeSource records where an unsubscribe came from
type UnsubscribeSource string

const (
	UnsubscribeSourceTracking UnsubscribeSource = "tracking_link"
	UnsubscribeSourceManual   UnsubscribeSource = "manual"
)

// UnsubscribeEntry is the global unsubscribe list
// Table: unsubscribe_entries
type UnsubscribeEntry struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	Email      string            `gorm:"size:320;not null;uniqueIndex:uk_unsubscribe_entries_email" json:"email"`
	Source     UnsubscribeSource `gorm:"size:32;not null" json:"source"`
	MessageID  *uint             `json:"message_id,omitempty"`
	CampaignID *uint             `json:"campaign_id,omitempty"`
	CreatedAt  time.Time         `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
}

func (UnsubscribeEntry) TableName() string { return "unsubscribe_entries" }
