package webhookevents

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/pagination"
)

// Outcome is what processing learned about one inbound callback.
type Outcome struct {
	Processed       bool
	ProcessingError *string
	Forwarded       bool
	ForwardingError *string
	At              time.Time
}

// Repository stores inbound gateway callbacks for audit.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, event *models.WebhookEvent) error
	Record(ctx context.Context, id uuid.UUID, outcome Outcome) error
	List(ctx context.Context, cursor *pagination.Cursor, limit int) ([]models.WebhookEvent, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, event *models.WebhookEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) Record(ctx context.Context, id uuid.UUID, outcome Outcome) error {
	updates := map[string]any{
		"processed":        outcome.Processed,
		"processing_error": outcome.ProcessingError,
		"forwarded":        outcome.Forwarded,
		"forwarding_error": outcome.ForwardingError,
	}
	if outcome.Processed {
		updates["processed_at"] = outcome.At
	}
	if outcome.Forwarded {
		updates["forwarded_at"] = outcome.At
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) List(ctx context.Context, cursor *pagination.Cursor, limit int) ([]models.WebhookEvent, error) {
	query := r.db.WithContext(ctx)
	if cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var events []models.WebhookEvent
	if err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
