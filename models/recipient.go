package models

import "time"

// Recipient is one email_data row: an address inside a list with its exclusion flags
// Table: email_data
// The same address may appear in several lists
type Recipient struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ListID         uint      `gorm:"not null;index:idx_email_data_list_id" json:"list_id"`
	Email          string    `gorm:"size:320;not null;index:idx_email_data_email" json:"email"`
	FirstName      *string   `gorm:"size:255" json:"first_name,omitempty"`
	LastName       *string   `gorm:"size:255" json:"last_name,omitempty"`
	Geo            *string   `gorm:"size:8;index:idx_email_data_geo" json:"geo,omitempty"`
	Vertical       *string   `gorm:"size:64" json:"vertical,omitempty"`
	IsHardBounced  bool      `gorm:"not null;default:false" json:"is_hard_bounced"`
	IsUnsubscribed bool      `gorm:"not null;default:false" json:"is_unsubscribed"`
	IsOptout       bool      `gorm:"not null;default:false" json:"is_optout"`
	CreatedAt      time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt      time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Recipient) TableName() string { return "email_data" }

// RecipientFilter selects candidate recipients before exclusion rules run
type RecipientFilter struct {
	ListIDs  []int64
	IDs      []int64
	Email    *string
	Geo      *string
	Vertical *string
}
