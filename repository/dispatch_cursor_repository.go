package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DispatchCursorRepositoryImpl implements DispatchCursorRepository
type DispatchCursorRepositoryImpl struct {
	*BaseRepository[models.DispatchCursor, struct{}]
}

// NewDispatchCursorRepository creates a new dispatch cursor repository
func NewDispatchCursorRepository(db *gorm.DB) DispatchCursorRepository {
	return &DispatchCursorRepositoryImpl{
		BaseRepository: NewBaseRepository[models.DispatchCursor, struct{}](db, func(db *gorm.DB, _ struct{}) *gorm.DB { return db }),
	}
}

// ByJobID retrieves the cursor of a job, nil when the job never started dispatching
func (r *DispatchCursorRepositoryImpl) ByJobID(ctx context.Context, jobID uint) (*models.DispatchCursor, error) {
	var cursor models.DispatchCursor
	err := r.getDB(ctx).Where("job_id = ?", jobID).Take(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find cursor of job %d: %w", jobID, err)
	}
	return &cursor, nil
}

// Save inserts the cursor or replaces the recipient snapshot of an existing one
func (r *DispatchCursorRepositoryImpl) Save(ctx context.Context, cursor *models.DispatchCursor) error {
	err := r.getDB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"recipient_ids", "position", "exclusions", "updated_at"}),
	}).Create(cursor).Error
	if err != nil {
		return fmt.Errorf("failed to save cursor of job %d: %w", cursor.JobID, err)
	}
	return nil
}

// Advance moves the cursor forward; a lower position is ignored
func (r *DispatchCursorRepositoryImpl) Advance(ctx context.Context, jobID uint, position int) error {
	err := r.getDB(ctx).Model(&models.DispatchCursor{}).
		Where("job_id = ? AND position <= ?", jobID, position).
		Updates(map[string]any{"position": position, "updated_at": utils.UTCNow()}).Error
	if err != nil {
		return fmt.Errorf("failed to advance cursor of job %d: %w", jobID, err)
	}
	return nil
}
