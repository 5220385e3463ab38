package repository

import (
	"fmt"

	"github.com/amirphl/orochi-dispatch/models"
	"gorm.io/gorm"
)

// activeCampaignIndexSQL keeps at most one pending, running or paused job per campaign
const activeCampaignIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS uk_jobs_active_campaign
ON jobs (campaign_id)
WHERE campaign_id IS NOT NULL AND status IN ('pending', 'running', 'paused')`

// AllModels lists every table owned by the dispatch engine
func AllModels() []any {
	return []any{
		&models.Job{},
		&models.Campaign{},
		&models.SenderAccount{},
		&models.Recipient{},
		&models.BlacklistEntry{},
		&models.SuppressionEntry{},
		&models.OutboundMessage{},
		&models.SendLogEntry{},
		&models.DispatchCursor{},
		&models.OpenEvent{},
		&models.ClickEvent{},
		&models.UnsubscribeEntry{},
	}
}

// Migrate creates or updates the schema
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}
	if err := db.Exec(activeCampaignIndexSQL).Error; err != nil {
		return fmt.Errorf("failed to create active campaign index: %w", err)
	}
	return nil
}
