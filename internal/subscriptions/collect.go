package subscriptions

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/billingevents"
	"github.com/angelmondragon/billing-backend/internal/dispatch"
	"github.com/angelmondragon/billing-backend/internal/payments"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
)

// collectThroughContract charges amount (reference currency) against the subscription's contract.
// The plan change is already committed; a failed collection is recorded on the payment, not undone.
func (s *service) collectThroughContract(ctx context.Context, sub *models.Subscription, amount int64, description string) *models.Payment {
	ctx = s.logger.WithFields(ctx, map[string]any{"subscription_id": sub.ID.String(), "amount": amount})
	now := s.now().UTC()

	contract, err := s.contracts.FindByID(ctx, *sub.ContractID)
	if err != nil {
		s.logger.Error(ctx, "collection.contract_lookup_failed", err)
		return nil
	}
	if !contract.IsChargeable(now) {
		s.logger.Warn(ctx, "collection.contract_not_chargeable")
		return nil
	}

	conversion, err := s.converter.ToSettlement(ctx, amount)
	if err != nil {
		s.logger.Error(ctx, "collection.conversion_failed", err)
		return nil
	}
	requested, err := s.gateway.RequestPayment(ctx, gateway.PaymentRequest{
		Amount:      conversion.Amount,
		Currency:    conversion.Currency,
		Description: description,
		CallbackURL: s.callbackURL,
		Metadata: map[string]string{
			"subscription_id": sub.ID.String(),
			"contract_id":     contract.ID.String(),
		},
	})
	if err != nil {
		s.logger.Error(ctx, "collection.payment_request_failed", err)
		return nil
	}

	authority := requested.Authority
	ctx = s.logger.WithAuthority(ctx, authority)
	payment := &models.Payment{
		UserID:           sub.UserID,
		SubscriptionID:   &sub.ID,
		ContractID:       &contract.ID,
		Amount:           amount,
		SettlementAmount: conversion.Amount,
		Currency:         conversion.Currency,
		Description:      description,
		Status:           enums.PaymentStatusPending,
		Authority:        &authority,
	}
	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.payments.WithTx(tx).Create(ctx, payment); err != nil {
			return err
		}
		_, err := s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:         sub.UserID,
			SubscriptionID: &sub.ID,
			PaymentID:      &payment.ID,
			ContractID:     &contract.ID,
			EventType:      billingevents.TypePaymentRequested,
			Data: map[string]any{
				"authority":         authority,
				"amount":            amount,
				"settlement_amount": conversion.Amount,
				"currency":          conversion.Currency,
				"reason":            "proration",
			},
		})
		return err
	}); err != nil {
		s.logger.Error(ctx, "collection.persist_failed", err)
		return nil
	}

	charge, err := s.gateway.ExecuteContractCharge(ctx, authority, *contract.Signature)
	if err != nil && (pkgerrors.IsCode(err, pkgerrors.CodeGatewayUnavailable) || pkgerrors.IsCode(err, pkgerrors.CodeGatewayAuth)) {
		s.logger.Warn(ctx, "collection.outcome_unknown")
		return payment
	}

	if err != nil {
		reason := err.Error()
		if typed := pkgerrors.As(err); typed != nil {
			reason = typed.Message()
		}
		s.settleCollection(ctx, payment, false, func(tx *gorm.DB) (bool, error) {
			changed, err := s.payments.WithTx(tx).MarkFailed(ctx, payment.ID, reason, now)
			if err != nil || !changed {
				return changed, err
			}
			payment.Status = enums.PaymentStatusFailed
			payment.FailureReason = &reason
			payment.FailedAt = &now
			return true, nil
		}, map[string]any{"reason": reason, "provider_code": charge.Code})
		return payment
	}

	s.settleCollection(ctx, payment, true, func(tx *gorm.DB) (bool, error) {
		changed, err := s.payments.WithTx(tx).MarkCompleted(ctx, payment.ID, payments.Completion{
			ReferenceID: charge.ReferenceID,
			PaidAt:      now,
		})
		if err != nil || !changed {
			return changed, err
		}
		payment.Status = enums.PaymentStatusCompleted
		if charge.ReferenceID != "" {
			ref := charge.ReferenceID
			payment.ReferenceID = &ref
		}
		payment.PaidAt = &now
		return true, s.repo.WithTx(tx).SetProrationCredit(ctx, sub.ID, 0)
	}, map[string]any{"reference_id": charge.ReferenceID})
	return payment
}

func (s *service) settleCollection(ctx context.Context, payment *models.Payment, succeeded bool, write func(tx *gorm.DB) (bool, error), data map[string]any) {
	eventType := billingevents.TypePaymentFailed
	severity := enums.SeverityWarning
	if succeeded {
		eventType = billingevents.TypePaymentCompleted
		severity = enums.SeverityInfo
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		changed, err := write(tx)
		if err != nil || !changed {
			return err
		}
		_, err = s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:         payment.UserID,
			SubscriptionID: payment.SubscriptionID,
			PaymentID:      &payment.ID,
			ContractID:     payment.ContractID,
			EventType:      eventType,
			Data:           data,
			Severity:       severity,
		})
		return err
	})
	if err != nil {
		s.logger.Error(s.logger.WithField(ctx, "payment_id", payment.ID.String()), "reconciliation.hazard", err)
		return
	}

	if s.dispatcher == nil {
		return
	}
	build := dispatch.NewPaymentFailed
	if succeeded {
		build = dispatch.NewPaymentSucceeded
	}
	event, err := build(payment, s.now())
	if err != nil {
		s.logger.Error(ctx, "dispatch.build_failed", err)
		return
	}
	s.dispatcher.Dispatch(ctx, event)
}
