package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

var ErrNotFound = errors.New("subscription not found")

// PlanChange is the snapshot written when a subscription moves to another product.
type PlanChange struct {
	ProductID        uuid.UUID
	Price            int64
	BillingPeriod    enums.BillingPeriod
	NextBillingDate  *time.Time
	PendingProductID *uuid.UUID
	PendingPrice     *int64
	ProrationCredit  int64
}

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, sub *models.Subscription) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindActive(ctx context.Context, userID, productID uuid.UUID) (*models.Subscription, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error)
	Activate(ctx context.Context, id uuid.UUID, start time.Time, next *time.Time) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error)
	ApplyPlanChange(ctx context.Context, id uuid.UUID, change PlanChange) (bool, error)
	SetProrationCredit(ctx context.Context, id uuid.UUID, credit int64) error
	CancelActiveByContract(ctx context.Context, contractID uuid.UUID, reason string, at time.Time) ([]models.Subscription, error)
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

func (r *repository) Create(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindActive returns nil without error when the user has no active subscription to the product.
func (r *repository) FindActive(ctx context.Context, userID, productID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ? AND status = ?", userID, productID, enums.SubscriptionStatusActive).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	var rows []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) Activate(ctx context.Context, id uuid.UUID, start time.Time, next *time.Time) (bool, error) {
	return r.transition(ctx, id, enums.SubscriptionStatusPending, map[string]any{
		"status":            enums.SubscriptionStatusActive,
		"start_date":        start,
		"next_billing_date": next,
	})
}

func (r *repository) Cancel(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	return r.transition(ctx, id, enums.SubscriptionStatusActive, cancelUpdates(reason, at))
}

func (r *repository) ApplyPlanChange(ctx context.Context, id uuid.UUID, change PlanChange) (bool, error) {
	return r.transition(ctx, id, enums.SubscriptionStatusActive, map[string]any{
		"product_id":         change.ProductID,
		"price":              change.Price,
		"billing_period":     change.BillingPeriod,
		"next_billing_date":  change.NextBillingDate,
		"pending_product_id": change.PendingProductID,
		"pending_price":      change.PendingPrice,
		"proration_credit":   change.ProrationCredit,
	})
}

func (r *repository) SetProrationCredit(ctx context.Context, id uuid.UUID, credit int64) error {
	return r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Update("proration_credit", credit).Error
}

// CancelActiveByContract cancels every active subscription billed against contractID and returns
// them in their canceled state.
func (r *repository) CancelActiveByContract(ctx context.Context, contractID uuid.UUID, reason string, at time.Time) ([]models.Subscription, error) {
	var rows []models.Subscription
	if err := r.db.WithContext(ctx).
		Where("contract_id = ? AND status = ?", contractID, enums.SubscriptionStatusActive).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	if err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id IN ? AND status = ?", ids, enums.SubscriptionStatusActive).
		Updates(cancelUpdates(reason, at)).Error; err != nil {
		return nil, err
	}

	for i := range rows {
		applyCancel(&rows[i], reason, at)
	}
	return rows, nil
}

func (r *repository) transition(ctx context.Context, id uuid.UUID, from enums.SubscriptionStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func cancelUpdates(reason string, at time.Time) map[string]any {
	updates := map[string]any{
		"status":            enums.SubscriptionStatusCanceled,
		"end_date":          at,
		"next_billing_date": nil,
	}
	if reason != "" {
		updates["cancellation_reason"] = reason
	}
	return updates
}

func applyCancel(sub *models.Subscription, reason string, at time.Time) {
	end := at
	sub.Status = enums.SubscriptionStatusCanceled
	sub.EndDate = &end
	sub.NextBillingDate = nil
	if reason != "" {
		sub.CancellationReason = &reason
	}
}

// ContractCascade adapts the repository to the transaction-scoped cascade contract cancellation needs.
type ContractCascade struct {
	repo Repository
}

func NewContractCascade(repo Repository) *ContractCascade {
	return &ContractCascade{repo: repo}
}

func (c *ContractCascade) CancelActiveByContract(ctx context.Context, tx *gorm.DB, contractID uuid.UUID, reason string, at time.Time) ([]models.Subscription, error) {
	return c.repo.WithTx(tx).CancelActiveByContract(ctx, contractID, reason, at)
}
