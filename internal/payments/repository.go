// Package payments persists gateway payments and their single pending-to-terminal transition.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// ErrNotFound is returned when no payment matches the lookup.
var ErrNotFound = errors.New("payment not found")

// Completion carries the verified settlement details written when a payment completes.
type Completion struct {
	ReferenceID string
	CardPan     string
	CardHash    string
	Fee         *int64
	PaidAt      time.Time
}

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByAuthority(ctx context.Context, authority string) (*models.Payment, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, completion Completion) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string, failedAt time.Time) (bool, error)
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

func (r *repository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if payment.Status == "" {
		payment.Status = enums.PaymentStatusPending
	}
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *repository) FindByAuthority(ctx context.Context, authority string) (*models.Payment, error) {
	return r.first(ctx, "authority = ?", authority)
}

func (r *repository) first(ctx context.Context, query string, arg any) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).Where(query, arg).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// MarkCompleted moves a pending payment to completed. It reports false when the payment already
// left pending, which makes redelivered callbacks a no-op.
func (r *repository) MarkCompleted(ctx context.Context, id uuid.UUID, completion Completion) (bool, error) {
	updates := map[string]any{
		"status":  enums.PaymentStatusCompleted,
		"paid_at": completion.PaidAt,
	}
	if completion.ReferenceID != "" {
		updates["reference_id"] = completion.ReferenceID
	}
	if completion.CardPan != "" {
		updates["card_pan"] = completion.CardPan
	}
	if completion.CardHash != "" {
		updates["card_hash"] = completion.CardHash
	}
	if completion.Fee != nil {
		updates["fee"] = *completion.Fee
	}
	return r.transition(ctx, id, updates)
}

func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string, failedAt time.Time) (bool, error) {
	return r.transition(ctx, id, map[string]any{
		"status":         enums.PaymentStatusFailed,
		"failure_reason": reason,
		"failed_at":      failedAt,
	})
}

func (r *repository) transition(ctx context.Context, id uuid.UUID, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, enums.PaymentStatusPending).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
