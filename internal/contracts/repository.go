package contracts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

var ErrNotFound = errors.New("contract not found")

// Activation is what a verified signature writes onto a pending contract.
type Activation struct {
	Signature  string
	BankCode   *string
	BankName   *string
	IsPrimary  bool
	VerifiedAt time.Time
}

type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, contract *models.Contract) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Contract, error)
	FindByAuthority(ctx context.Context, userID uuid.UUID, authority string) (*models.Contract, error)
	FindActiveBySignature(ctx context.Context, userID uuid.UUID, signature string) (*models.Contract, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Contract, error)
	CountUsable(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
	Activate(ctx context.Context, id uuid.UUID, activation Activation) (bool, error)
	MarkUnverified(ctx context.Context, id uuid.UUID, status enums.ContractStatus, reason string) (bool, error)
	MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ClearPrimary(ctx context.Context, userID uuid.UUID) error
	SetPrimary(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
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

func (r *repository) Create(ctx context.Context, contract *models.Contract) error {
	if contract.ID == uuid.Nil {
		contract.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(contract).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Contract, error) {
	return r.first(ctx, r.db.Where("id = ?", id))
}

func (r *repository) FindByAuthority(ctx context.Context, userID uuid.UUID, authority string) (*models.Contract, error) {
	return r.first(ctx, r.db.Where("authority = ? AND user_id = ?", authority, userID))
}

func (r *repository) FindActiveBySignature(ctx context.Context, userID uuid.UUID, signature string) (*models.Contract, error) {
	return r.first(ctx, r.db.Where("user_id = ? AND signature = ? AND status = ?", userID, signature, enums.ContractStatusActive))
}

func (r *repository) first(ctx context.Context, query *gorm.DB) (*models.Contract, error) {
	var contract models.Contract
	err := query.WithContext(ctx).First(&contract).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &contract, nil
}

func (r *repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Contract, error) {
	var rows []models.Contract
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountUsable counts the user's active contracts that have not expired at now.
func (r *repository) CountUsable(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Contract{}).
		Where("user_id = ? AND status = ? AND expires_at > ?", userID, enums.ContractStatusActive, now).
		Count(&count).Error
	return count, err
}

// Activate promotes a pending contract. The authority is single use and is cleared.
func (r *repository) Activate(ctx context.Context, id uuid.UUID, activation Activation) (bool, error) {
	updates := map[string]any{
		"status":        enums.ContractStatusActive,
		"contract_type": enums.ContractTypeDirectDebit,
		"signature":     activation.Signature,
		"authority":     nil,
		"is_active":     true,
		"is_primary":    activation.IsPrimary,
		"verified_at":   activation.VerifiedAt,
	}
	if activation.BankCode != nil {
		updates["bank_code"] = *activation.BankCode
	}
	if activation.BankName != nil {
		updates["bank_name"] = *activation.BankName
	}
	return r.transition(ctx, id, enums.ContractStatusPendingSignature, updates)
}

// MarkUnverified moves a pending contract to cancelled_by_user or verification_failed.
func (r *repository) MarkUnverified(ctx context.Context, id uuid.UUID, status enums.ContractStatus, reason string) (bool, error) {
	return r.transition(ctx, id, enums.ContractStatusPendingSignature, map[string]any{
		"status":         status,
		"failure_reason": reason,
		"is_active":      false,
	})
}

func (r *repository) MarkCancelled(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return r.transition(ctx, id, enums.ContractStatusActive, map[string]any{
		"status":       enums.ContractStatusCancelledByUser,
		"is_active":    false,
		"is_primary":   false,
		"cancelled_at": at,
	})
}

func (r *repository) ClearPrimary(ctx context.Context, userID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.Contract{}).
		Where("user_id = ? AND is_primary = ?", userID, true).
		Update("is_primary", false).Error
}

func (r *repository) SetPrimary(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&models.Contract{}).
		Where("id = ?", id).
		Update("is_primary", true).Error
}

func (r *repository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Contract{}).Error
}

func (r *repository) transition(ctx context.Context, id uuid.UUID, from enums.ContractStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Contract{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
