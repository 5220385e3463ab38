package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// DispatchCursor is the resumable position of a dispatch job.
// RecipientIDs holds the ordered eligible recipients resolved at start;
// Position is the index of the next recipient to send.
// Table: dispatch_cursors
type DispatchCursor struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	JobID        uint            `gorm:"not null;uniqueIndex:uk_dispatch_cursors_job_id" json:"job_id"`
	RecipientIDs pq.Int64Array   `gorm:"type:bigint[];not null" json:"recipient_ids"`
	Position     int             `gorm:"not null;default:0" json:"position"`
	Exclusions   json.RawMessage `gorm:"type:jsonb;not null;default:'{}'" json:"exclusions"`

	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (DispatchCursor) TableName() string { return "dispatch_cursors" }

// Remaining returns the recipient ids not yet processed
func (c *DispatchCursor) Remaining() []int64 {
	if c.Position >= len(c.RecipientIDs) {
		return nil
	}
	return c.RecipientIDs[c.Position:]
}
