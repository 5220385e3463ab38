package models

import "time"

// OpenEvent is one fired open pixel for a known message
// Table: open_events
type OpenEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	MessageID  uint      `gorm:"not null;index:idx_open_events_message_id" json:"message_id"`
	JobID      *uint     `gorm:"index:idx_open_events_job_id" json:"job_id,omitempty"`
	CampaignID *uint     `gorm:"index:idx_open_events_campaign_id" json:"campaign_id,omitempty"`
	Email      string    `gorm:"size:320;not null" json:"email"`
	UserAgent  *string   `gorm:"type:text" json:"user_agent,omitempty"`
	IP         *string   `gorm:"size:64" json:"ip,omitempty"`
	CreatedAt  time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_open_events_created_at" json:"created_at"`
}

func (OpenEvent) TableName() string { return "open_events" }

// ClickEvent is one tracked click bound to its destination URL
// Table: click_events
type ClickEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	MessageID  uint      `gorm:"not null;index:idx_click_events_message_id" json:"message_id"`
	JobID      *uint     `gorm:"index:idx_click_events_job_id" json:"job_id,omitempty"`
	CampaignID *uint     `gorm:"index:idx_click_events_campaign_id" json:"campaign_id,omitempty"`
	Email      string    `gorm:"size:320;not null" json:"email"`
	URL        string    `gorm:"type:text;not null" json:"url"`
	UserAgent  *string   `gorm:"type:text" json:"user_agent,omitempty"`
	IP         *string   `gorm:"size:64" json:"ip,omitempty"`
	CreatedAt  time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_click_events_created_at" json:"created_at"`
}

func (ClickEvent) TableName() string { return "click_events" }

// EngagementCounts aggregates tracking events for one job
type EngagementCounts struct {
	Opens          int64
	UniqueOpens    int64
	Clicks         int64
	UniqueClickers int64
}
