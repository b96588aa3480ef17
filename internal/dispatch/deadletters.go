package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
)

// DeadLetterStore persists deliveries that exhausted their retries.
type DeadLetterStore interface {
	Record(ctx context.Context, letter *models.DispatchDeadLetter) error
}

type DeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) Record(ctx context.Context, letter *models.DispatchDeadLetter) error {
	if letter.ID == uuid.Nil {
		letter.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(letter).Error
}

// ListByEndpoint returns the newest dead letters for one endpoint.
func (r *DeadLetterRepository) ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]models.DispatchDeadLetter, error) {
	var rows []models.DispatchDeadLetter
	if err := r.db.WithContext(ctx).
		Where("endpoint_id = ?", endpointID).
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteBefore purges dead letters recorded before cutoff.
func (r *DeadLetterRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("failed_at < ?", cutoff).Delete(&models.DispatchDeadLetter{})
	return res.RowsAffected, res.Error
}
