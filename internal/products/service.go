package products

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/billingevents"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

// Service exposes catalog reads and administrative product management.
type Service interface {
	Create(ctx context.Context, adminID uuid.UUID, input CreateInput) (*ProductDTO, error)
	Deactivate(ctx context.Context, adminID, productID uuid.UUID) (*ProductDTO, error)
	ListActive(ctx context.Context) ([]ProductDTO, error)
}

// CreateInput holds the validated payload to create a product.
type CreateInput struct {
	Name          string
	Description   *string
	Price         int64
	BillingPeriod enums.BillingPeriod
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	Repository Repository
	TxRunner   txRunner
	Events     billingevents.Recorder
}

type service struct {
	repo   Repository
	tx     txRunner
	events billingevents.Recorder
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, errors.New("product repository required")
	}
	if params.TxRunner == nil {
		return nil, errors.New("transaction runner required")
	}
	if params.Events == nil {
		return nil, errors.New("billing event recorder required")
	}
	return &service{repo: params.Repository, tx: params.TxRunner, events: params.Events}, nil
}

func (s *service) Create(ctx context.Context, adminID uuid.UUID, input CreateInput) (*ProductDTO, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "name is required")
	}
	if input.Price <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price must be positive")
	}
	if !input.BillingPeriod.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid billing period").
			WithDetails(map[string]any{"billing_period": input.BillingPeriod})
	}

	product := &models.Product{
		Name:          name,
		Description:   input.Description,
		Price:         input.Price,
		BillingPeriod: input.BillingPeriod,
		IsActive:      true,
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, product); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create product")
		}
		_, err := s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:    adminID,
			EventType: billingevents.TypeProductCreated,
			Data: map[string]any{
				"product_id":     product.ID,
				"price":          product.Price,
				"billing_period": product.BillingPeriod,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	dto := toDTO(product)
	return &dto, nil
}

func (s *service) Deactivate(ctx context.Context, adminID, productID uuid.UUID) (*ProductDTO, error) {
	var product *models.Product
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		found, err := repo.FindByID(ctx, productID)
		if errors.Is(err, ErrNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load product")
		}
		product = found

		changed, err := repo.Deactivate(ctx, productID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "deactivate product")
		}
		product.IsActive = false
		if !changed {
			return nil
		}
		_, err = s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:    adminID,
			EventType: billingevents.TypeProductDeactivated,
			Data:      map[string]any{"product_id": productID},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	dto := toDTO(product)
	return &dto, nil
}

func (s *service) ListActive(ctx context.Context) ([]ProductDTO, error) {
	rows, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list products")
	}
	out := make([]ProductDTO, 0, len(rows))
	for i := range rows {
		out = append(out, toDTO(&rows[i]))
	}
	return out, nil
}
