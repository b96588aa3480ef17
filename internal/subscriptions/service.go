package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/billingevents"
	"github.com/angelmondragon/billing-backend/internal/contracts"
	"github.com/angelmondragon/billing-backend/internal/dispatch"
	"github.com/angelmondragon/billing-backend/internal/payments"
	"github.com/angelmondragon/billing-backend/internal/products"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/fx"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

// Service defines the subscription lifecycle surface.
type Service interface {
	Create(ctx context.Context, userID uuid.UUID, input CreateInput) (*CreateResult, error)
	Cancel(ctx context.Context, userID, subscriptionID uuid.UUID, reason string) (*SubscriptionDTO, error)
	ChangePlan(ctx context.Context, userID, subscriptionID uuid.UUID, input ChangePlanInput) (*ChangePlanResult, error)
	Get(ctx context.Context, userID, subscriptionID uuid.UUID) (*SubscriptionDTO, error)
	List(ctx context.Context, userID uuid.UUID) ([]SubscriptionDTO, error)
}

// CreateInput selects the product and, for recurring billing, the contract to charge.
type CreateInput struct {
	ProductID  uuid.UUID
	ContractID *uuid.UUID
}

type ChangePlanInput struct {
	ProductID uuid.UUID
	Mode      enums.EffectiveMode
}

type productLoader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Product, error)
}

type contractLoader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Contract, error)
}

type paymentGateway interface {
	RequestPayment(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentRequestResult, error)
	ExecuteContractCharge(ctx context.Context, authority, signature string) (gateway.ChargeResult, error)
}

type settlementConverter interface {
	ToSettlement(ctx context.Context, amount int64) (fx.Conversion, error)
}

type eventDispatcher interface {
	Dispatch(ctx context.Context, event dispatch.Event) dispatch.Report
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams groups dependencies for the subscription service. Dispatcher is optional.
type ServiceParams struct {
	Repository        Repository
	Payments          payments.Repository
	Products          productLoader
	Contracts         contractLoader
	Gateway           paymentGateway
	Converter         settlementConverter
	Events            billingevents.Recorder
	Dispatcher        eventDispatcher
	TxRunner          txRunner
	Logger            *logger.Logger
	CallbackURL       string
	ReferenceCurrency string
	Now               func() time.Time
}

type service struct {
	repo        Repository
	payments    payments.Repository
	products    productLoader
	contracts   contractLoader
	gateway     paymentGateway
	converter   settlementConverter
	events      billingevents.Recorder
	dispatcher  eventDispatcher
	tx          txRunner
	logger      *logger.Logger
	callbackURL string
	currency    string
	now         func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.Repository == nil:
		return nil, fmt.Errorf("subscription repository required")
	case params.Payments == nil:
		return nil, fmt.Errorf("payment repository required")
	case params.Products == nil:
		return nil, fmt.Errorf("product loader required")
	case params.Contracts == nil:
		return nil, fmt.Errorf("contract loader required")
	case params.Gateway == nil:
		return nil, fmt.Errorf("gateway client required")
	case params.Converter == nil:
		return nil, fmt.Errorf("currency converter required")
	case params.Events == nil:
		return nil, fmt.Errorf("billing event recorder required")
	case params.TxRunner == nil:
		return nil, fmt.Errorf("transaction runner required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case strings.TrimSpace(params.CallbackURL) == "":
		return nil, fmt.Errorf("gateway callback url required")
	case strings.TrimSpace(params.ReferenceCurrency) == "":
		return nil, fmt.Errorf("reference currency required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:        params.Repository,
		payments:    params.Payments,
		products:    params.Products,
		contracts:   params.Contracts,
		gateway:     params.Gateway,
		converter:   params.Converter,
		events:      params.Events,
		dispatcher:  params.Dispatcher,
		tx:          params.TxRunner,
		logger:      params.Logger,
		callbackURL: params.CallbackURL,
		currency:    params.ReferenceCurrency,
		now:         now,
	}, nil
}

func (s *service) Create(ctx context.Context, userID uuid.UUID, input CreateInput) (*CreateResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user required")
	}
	product, err := s.activeProduct(ctx, input.ProductID)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindActive(ctx, userID, product.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check active subscription")
	}
	if existing != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "an active subscription to this product already exists").
			WithDetails(map[string]any{"subscription_id": existing.ID})
	}

	if input.ContractID != nil {
		return s.createWithContract(ctx, userID, product, *input.ContractID)
	}
	return s.createOneOff(ctx, userID, product)
}

func (s *service) createWithContract(ctx context.Context, userID uuid.UUID, product *models.Product, contractID uuid.UUID) (*CreateResult, error) {
	now := s.now().UTC()
	contract, err := s.chargeableContract(ctx, userID, contractID, now)
	if err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		UserID:          userID,
		ProductID:       product.ID,
		Status:          enums.SubscriptionStatusActive,
		StartDate:       &now,
		NextBillingDate: nextBilling(product.BillingPeriod, now),
		Price:           product.Price,
		BillingPeriod:   product.BillingPeriod,
		ContractID:      &contract.ID,
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, sub); err != nil {
			return err
		}
		_, err := s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:         userID,
			SubscriptionID: &sub.ID,
			ContractID:     &contract.ID,
			EventType:      billingevents.TypeSubscriptionCreated,
			Data: map[string]any{
				"product_id":     product.ID,
				"price":          sub.Price,
				"billing_period": sub.BillingPeriod,
			},
		})
		return err
	})
	if err != nil {
		return nil, mapWriteError(err, "create subscription")
	}

	s.dispatchSubscription(ctx, sub, dispatch.NewSubscriptionCreated)
	return &CreateResult{Subscription: toDTO(sub)}, nil
}

func (s *service) createOneOff(ctx context.Context, userID uuid.UUID, product *models.Product) (*CreateResult, error) {
	conversion, err := s.converter.ToSettlement(ctx, product.Price)
	if err != nil {
		return nil, err
	}
	requested, err := s.gateway.RequestPayment(ctx, gateway.PaymentRequest{
		Amount:      conversion.Amount,
		Currency:    conversion.Currency,
		Description: product.Name,
		CallbackURL: s.callbackURL,
		Metadata: map[string]string{
			"user_id":    userID.String(),
			"product_id": product.ID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		UserID:        userID,
		ProductID:     product.ID,
		Status:        enums.SubscriptionStatusPending,
		Price:         product.Price,
		BillingPeriod: product.BillingPeriod,
	}
	authority := requested.Authority
	payment := &models.Payment{
		UserID:           userID,
		Amount:           product.Price,
		SettlementAmount: conversion.Amount,
		Currency:         conversion.Currency,
		Description:      product.Name,
		Status:           enums.PaymentStatusPending,
		Authority:        &authority,
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, sub); err != nil {
			return err
		}
		payment.SubscriptionID = &sub.ID
		if err := s.payments.WithTx(tx).Create(ctx, payment); err != nil {
			return err
		}
		if _, err := s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:         userID,
			SubscriptionID: &sub.ID,
			EventType:      billingevents.TypeSubscriptionPending,
			Data:           map[string]any{"product_id": product.ID, "price": sub.Price},
		}); err != nil {
			return err
		}
		_, err := s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:         userID,
			SubscriptionID: &sub.ID,
			PaymentID:      &payment.ID,
			EventType:      billingevents.TypePaymentRequested,
			Data: map[string]any{
				"authority":         authority,
				"amount":            payment.Amount,
				"settlement_amount": payment.SettlementAmount,
				"currency":          payment.Currency,
				"rate":              conversion.Rate.String(),
			},
		})
		return err
	})
	if err != nil {
		s.logger.Error(s.logger.WithAuthority(ctx, authority), "subscription.persist_after_payment_request_failed", err)
		return nil, mapWriteError(err, "create pending subscription")
	}

	s.dispatchSubscription(ctx, sub, dispatch.NewSubscriptionCreated)
	return &CreateResult{
		Subscription: toDTO(sub),
		Payment:      payments.ToDTO(payment),
		RedirectURL:  requested.RedirectURL,
	}, nil
}

func (s *service) Cancel(ctx context.Context, userID, subscriptionID uuid.UUID, reason string) (*SubscriptionDTO, error) {
	sub, err := s.owned(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != enums.SubscriptionStatusActive {
		return nil, stateConflict("only active subscriptions can be canceled", sub.Status)
	}

	reason = strings.TrimSpace(reason)
	now := s.now().UTC()
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		changed, err := s.repo.WithTx(tx).Cancel(ctx, sub.ID, reason, now)
		if err != nil {
			return err
		}
		if !changed {
			return stateConflict("subscription is no longer active", sub.Status)
		}
		_, err = s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:         userID,
			SubscriptionID: &sub.ID,
			ContractID:     sub.ContractID,
			EventType:      billingevents.TypeSubscriptionCanceled,
			Data:           map[string]any{"reason": reason},
		})
		return err
	})
	if err != nil {
		return nil, mapWriteError(err, "cancel subscription")
	}

	applyCancel(sub, reason, now)
	s.dispatchSubscription(ctx, sub, dispatch.NewSubscriptionUpdated)
	dto := toDTO(sub)
	return &dto, nil
}

func (s *service) ChangePlan(ctx context.Context, userID, subscriptionID uuid.UUID, input ChangePlanInput) (*ChangePlanResult, error) {
	mode := input.Mode
	if mode == "" {
		mode = enums.EffectiveModeImmediate
	}
	if !mode.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid effective mode").
			WithDetails(map[string]any{"effective_mode": mode})
	}

	sub, err := s.owned(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != enums.SubscriptionStatusActive {
		return nil, stateConflict("only active subscriptions can change plan", sub.Status)
	}
	if sub.ProductID == input.ProductID {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "subscription is already on this product")
	}
	product, err := s.activeProduct(ctx, input.ProductID)
	if err != nil {
		return nil, err
	}
	if other, err := s.repo.FindActive(ctx, userID, product.ID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check active subscription")
	} else if other != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "an active subscription to this product already exists").
			WithDetails(map[string]any{"subscription_id": other.ID})
	}

	now := s.now().UTC()
	proration := Proration{Net: product.Price}
	effective := now
	if mode == enums.EffectiveModeImmediate {
		period, _ := sub.BillingPeriod.Length()
		proration = Prorate(sub.Price, product.Price, now, sub.NextBillingDate, period)
	} else if sub.NextBillingDate != nil {
		effective = *sub.NextBillingDate
	}

	change := PlanChange{
		ProductID:       product.ID,
		Price:           product.Price,
		BillingPeriod:   product.BillingPeriod,
		NextBillingDate: sub.NextBillingDate,
		ProrationCredit: sub.ProrationCredit,
	}
	switch {
	case !product.BillingPeriod.IsRecurring():
		change.NextBillingDate = nil
	case change.NextBillingDate == nil:
		change.NextBillingDate = nextBilling(product.BillingPeriod, now)
	}
	if mode == enums.EffectiveModeNextCycle {
		pendingPrice := product.Price
		change.PendingProductID = &product.ID
		change.PendingPrice = &pendingPrice
	}

	var collect int64
	if mode == enums.EffectiveModeImmediate && sub.NextBillingDate != nil {
		switch {
		case proration.Net < 0:
			change.ProrationCredit += -proration.Net
		case proration.Net > 0 && sub.ContractID != nil:
			collect = proration.Net - change.ProrationCredit
			if collect <= 0 {
				change.ProrationCredit = -collect
				collect = 0
			}
		}
	}

	previousProduct := sub.ProductID
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		changed, err := s.repo.WithTx(tx).ApplyPlanChange(ctx, sub.ID, change)
		if err != nil {
			return err
		}
		if !changed {
			return stateConflict("subscription is no longer active", sub.Status)
		}
		_, err = s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:         userID,
			SubscriptionID: &sub.ID,
			ContractID:     sub.ContractID,
			EventType:      billingevents.TypeSubscriptionPlanChanged,
			Data: map[string]any{
				"from_product_id": previousProduct,
				"to_product_id":   product.ID,
				"effective_mode":  mode,
				"credit":          proration.Credit,
				"charge":          proration.Charge,
				"net":             proration.Net,
				"ratio":           proration.Ratio.String(),
			},
		})
		return err
	})
	if err != nil {
		return nil, mapWriteError(err, "change plan")
	}

	sub.ProductID = change.ProductID
	sub.Price = change.Price
	sub.BillingPeriod = change.BillingPeriod
	sub.NextBillingDate = change.NextBillingDate
	sub.PendingProductID = change.PendingProductID
	sub.PendingPrice = change.PendingPrice
	sub.ProrationCredit = change.ProrationCredit

	result := &ChangePlanResult{
		Mode:            mode,
		Credit:          proration.Credit,
		Charge:          proration.Charge,
		Net:             proration.Net,
		EffectiveDate:   effective,
		NextBillingDate: sub.NextBillingDate,
	}
	if collect > 0 {
		payment := s.collectThroughContract(ctx, sub, collect, product.Name)
		result.Payment = payments.ToDTO(payment)
		if payment != nil && payment.Status == enums.PaymentStatusCompleted {
			sub.ProrationCredit = 0
		}
	}

	s.dispatchSubscription(ctx, sub, dispatch.NewSubscriptionUpdated)
	result.Subscription = toDTO(sub)
	return result, nil
}

func (s *service) Get(ctx context.Context, userID, subscriptionID uuid.UUID) (*SubscriptionDTO, error) {
	sub, err := s.owned(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}
	dto := toDTO(sub)
	return &dto, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]SubscriptionDTO, error) {
	rows, err := s.repo.ListForUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list subscriptions")
	}
	out := make([]SubscriptionDTO, 0, len(rows))
	for i := range rows {
		out = append(out, toDTO(&rows[i]))
	}
	return out, nil
}

func (s *service) owned(ctx context.Context, userID, subscriptionID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, subscriptionID)
	if errors.Is(err, ErrNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load subscription")
	}
	if sub.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

func (s *service) activeProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product_id is required")
	}
	product, err := s.products.FindByID(ctx, productID)
	if errors.Is(err, products.ErrNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load product")
	}
	if !product.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "product is not active").
			WithDetails(map[string]any{"product_id": product.ID})
	}
	return product, nil
}

func (s *service) chargeableContract(ctx context.Context, userID, contractID uuid.UUID, now time.Time) (*models.Contract, error) {
	contract, err := s.contracts.FindByID(ctx, contractID)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "contract not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load contract")
	}
	if contract.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "contract not found")
	}
	if !contract.IsChargeable(now) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "contract is not active").
			WithDetails(map[string]any{"contract_id": contract.ID, "status": contract.EffectiveStatus(now)})
	}
	return contract, nil
}

type subscriptionEventBuilder func(*models.Subscription, string, time.Time) (dispatch.Event, error)

func (s *service) dispatchSubscription(ctx context.Context, sub *models.Subscription, build subscriptionEventBuilder) {
	if s.dispatcher == nil {
		return
	}
	event, err := build(sub, s.currency, s.now())
	if err != nil {
		s.logger.Error(ctx, "dispatch.build_failed", err)
		return
	}
	s.dispatcher.Dispatch(ctx, event)
}

func nextBilling(period enums.BillingPeriod, from time.Time) *time.Time {
	length, ok := period.Length()
	if !ok {
		return nil
	}
	next := from.Add(length)
	return &next
}

func stateConflict(msg string, status enums.SubscriptionStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, msg).
		WithDetails(map[string]any{"status": status})
}

func mapWriteError(err error, msg string) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	if db.IsUniqueViolation(err, "") {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "an active subscription to this product already exists")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, msg)
}
