// Package dispatch delivers billing events to the configured downstream webhook endpoints.
package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
)

// EventType is the tag of an outbound event.
type EventType string

const (
	EventPaymentSucceeded    EventType = "payment_intent.succeeded"
	EventPaymentFailed       EventType = "payment_intent.payment_failed"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionCreated EventType = "customer.subscription.created"
)

func (t EventType) String() string {
	return string(t)
}

// Event is the canonical outbound event. Endpoints receive a translated copy, never this value.
type Event struct {
	ID       string            `json:"id"`
	Type     EventType         `json:"type"`
	Created  int64             `json:"created"`
	Data     EventData         `json:"data"`
	Metadata map[string]string `json:"metadata"`

	subject uuid.UUID
}

// EventData wraps the provider-style object. Object is a PaymentIntent or a Subscription.
type EventData struct {
	Object any `json:"object"`
}

// Subject is the user the event is about.
func (e Event) Subject() uuid.UUID {
	return e.subject
}

type PaymentError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PaymentIntent describes a settled or failed payment. Amount is in the settlement currency.
type PaymentIntent struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Customer         string            `json:"customer"`
	Description      string            `json:"description,omitempty"`
	Created          int64             `json:"created"`
	LastPaymentError *PaymentError     `json:"last_payment_error,omitempty"`
	Metadata         map[string]string `json:"metadata"`
}

type Plan struct {
	Product  string `json:"product"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Interval string `json:"interval"`
}

type Subscription struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart *int64            `json:"current_period_start"`
	CurrentPeriodEnd   *int64            `json:"current_period_end"`
	CanceledAt         *int64            `json:"canceled_at"`
	Plan               Plan              `json:"plan"`
	Metadata           map[string]string `json:"metadata"`
}

var (
	errNilPayment      = errors.New("payment is required")
	errNilSubscription = errors.New("subscription is required")
)

// NewPaymentSucceeded builds the event for a completed payment.
func NewPaymentSucceeded(payment *models.Payment, at time.Time) (Event, error) {
	if payment == nil {
		return Event{}, errNilPayment
	}
	if payment.Status != enums.PaymentStatusCompleted {
		return Event{}, fmt.Errorf("payment %s is %s, not completed", payment.ID, payment.Status)
	}
	intent := paymentIntent(payment)
	intent.Status = "succeeded"
	intent.AmountReceived = payment.SettlementAmount
	return newEvent(EventPaymentSucceeded, payment.UserID, intent, at, paymentMetadata(payment)), nil
}

// NewPaymentFailed builds the event for a failed payment.
func NewPaymentFailed(payment *models.Payment, at time.Time) (Event, error) {
	if payment == nil {
		return Event{}, errNilPayment
	}
	if payment.Status != enums.PaymentStatusFailed {
		return Event{}, fmt.Errorf("payment %s is %s, not failed", payment.ID, payment.Status)
	}
	intent := paymentIntent(payment)
	intent.Status = "requires_payment_method"
	reason := "payment failed"
	if payment.FailureReason != nil && strings.TrimSpace(*payment.FailureReason) != "" {
		reason = *payment.FailureReason
	}
	intent.LastPaymentError = &PaymentError{Code: "payment_failed", Message: reason}
	return newEvent(EventPaymentFailed, payment.UserID, intent, at, paymentMetadata(payment)), nil
}

// NewSubscriptionCreated builds the event for a new subscription. currency is the reference currency
// the price snapshot is held in.
func NewSubscriptionCreated(sub *models.Subscription, currency string, at time.Time) (Event, error) {
	obj, err := subscriptionObject(sub, currency)
	if err != nil {
		return Event{}, err
	}
	return newEvent(EventSubscriptionCreated, sub.UserID, obj, at, subscriptionMetadata(sub)), nil
}

// NewSubscriptionUpdated builds the event for any later subscription change.
func NewSubscriptionUpdated(sub *models.Subscription, currency string, at time.Time) (Event, error) {
	obj, err := subscriptionObject(sub, currency)
	if err != nil {
		return Event{}, err
	}
	return newEvent(EventSubscriptionUpdated, sub.UserID, obj, at, subscriptionMetadata(sub)), nil
}

func newEvent(eventType EventType, subject uuid.UUID, object any, at time.Time, metadata map[string]string) Event {
	return Event{
		ID:       "evt_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:     eventType,
		Created:  at.Unix(),
		Data:     EventData{Object: object},
		Metadata: metadata,
		subject:  subject,
	}
}

func paymentIntent(payment *models.Payment) PaymentIntent {
	return PaymentIntent{
		ID:          payment.ID.String(),
		Object:      "payment_intent",
		Amount:      payment.SettlementAmount,
		Currency:    strings.ToLower(payment.Currency),
		Description: payment.Description,
		Created:     payment.CreatedAt.Unix(),
		Metadata:    map[string]string{"reference_amount": fmt.Sprintf("%d", payment.Amount)},
	}
}

func paymentMetadata(payment *models.Payment) map[string]string {
	meta := map[string]string{"payment_id": payment.ID.String()}
	if payment.SubscriptionID != nil {
		meta["subscription_id"] = payment.SubscriptionID.String()
	}
	if payment.ReferenceID != nil {
		meta["reference_id"] = *payment.ReferenceID
	}
	return meta
}

func subscriptionObject(sub *models.Subscription, currency string) (Subscription, error) {
	if sub == nil {
		return Subscription{}, errNilSubscription
	}
	if !sub.Status.IsValid() {
		return Subscription{}, fmt.Errorf("subscription %s has invalid status %q", sub.ID, sub.Status)
	}
	if strings.TrimSpace(currency) == "" {
		return Subscription{}, errors.New("currency is required")
	}
	return Subscription{
		ID:                 sub.ID.String(),
		Object:             "subscription",
		Status:             subscriptionStatus(sub.Status),
		CurrentPeriodStart: unixPtr(sub.StartDate),
		CurrentPeriodEnd:   unixPtr(sub.NextBillingDate),
		CanceledAt:         unixPtr(sub.EndDate),
		Plan: Plan{
			Product:  sub.ProductID.String(),
			Amount:   sub.Price,
			Currency: strings.ToLower(currency),
			Interval: planInterval(sub.BillingPeriod),
		},
		Metadata: map[string]string{},
	}, nil
}

func subscriptionMetadata(sub *models.Subscription) map[string]string {
	meta := map[string]string{"subscription_id": sub.ID.String()}
	if sub.ContractID != nil {
		meta["contract_id"] = sub.ContractID.String()
	}
	return meta
}

func subscriptionStatus(status enums.SubscriptionStatus) string {
	switch status {
	case enums.SubscriptionStatusPending:
		return "incomplete"
	case enums.SubscriptionStatusCanceled:
		return "canceled"
	default:
		return "active"
	}
}

func planInterval(period enums.BillingPeriod) string {
	switch period {
	case enums.BillingPeriodMonthly:
		return "month"
	case enums.BillingPeriodYearly:
		return "year"
	default:
		return "one_time"
	}
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}
