// Package gatewaywebhook ingests payment callbacks from the gateway. Callback claims are only
// acted on after the gateway confirms them through VerifyPayment.
package gatewaywebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/billingevents"
	"github.com/angelmondragon/billing-backend/internal/dispatch"
	"github.com/angelmondragon/billing-backend/internal/payments"
	"github.com/angelmondragon/billing-backend/internal/subscriptions"
	"github.com/angelmondragon/billing-backend/internal/webhookevents"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/redis"
)

const (
	source    = "gateway"
	lockScope = "webhook_authority"
)

// Ingestion outcomes, also used as metric labels.
const (
	OutcomeCompleted         = "completed"
	OutcomeFailed            = "failed"
	OutcomeDuplicate         = "duplicate"
	OutcomeUnknownAuthority  = "unknown_authority"
	OutcomeInFlight          = "in_flight"
	OutcomeVerifyUnavailable = "verify_unavailable"
	OutcomeMalformed         = "malformed"
	OutcomeError             = "error"
)

// Receipt is returned to the gateway. It is always 200 once the callback passed the gate.
type Receipt struct {
	Received  bool      `json:"received"`
	EventID   uuid.UUID `json:"event_id"`
	Processed bool      `json:"processed"`
	Forwarded bool      `json:"forwarded"`
}

type Service interface {
	HandleCallback(ctx context.Context, payload []byte) (*Receipt, error)
}

type paymentVerifier interface {
	VerifyPayment(ctx context.Context, authority string, amount int64) (gateway.VerifyResult, error)
}

type eventDispatcher interface {
	Dispatch(ctx context.Context, event dispatch.Event) dispatch.Report
}

type outcomeCounter interface {
	IncOutcome(outcome string)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams wires ingestion. Dispatcher, Locker and Metrics are optional.
type ServiceParams struct {
	WebhookEvents     webhookevents.Repository
	Payments          payments.Repository
	Subscriptions     subscriptions.Repository
	Gateway           paymentVerifier
	Events            billingevents.Recorder
	Dispatcher        eventDispatcher
	Locker            redis.Locker
	LockTTL           time.Duration
	Metrics           outcomeCounter
	TxRunner          txRunner
	Logger            *logger.Logger
	ReferenceCurrency string
	Now               func() time.Time
}

type service struct {
	webhooks      webhookevents.Repository
	payments      payments.Repository
	subscriptions subscriptions.Repository
	gateway       paymentVerifier
	events        billingevents.Recorder
	dispatcher    eventDispatcher
	locker        redis.Locker
	lockTTL       time.Duration
	metrics       outcomeCounter
	tx            txRunner
	logger        *logger.Logger
	currency      string
	now           func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.WebhookEvents == nil:
		return nil, fmt.Errorf("webhook event repository required")
	case params.Payments == nil:
		return nil, fmt.Errorf("payment repository required")
	case params.Subscriptions == nil:
		return nil, fmt.Errorf("subscription repository required")
	case params.Gateway == nil:
		return nil, fmt.Errorf("gateway client required")
	case params.Events == nil:
		return nil, fmt.Errorf("billing event recorder required")
	case params.TxRunner == nil:
		return nil, fmt.Errorf("transaction runner required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case strings.TrimSpace(params.ReferenceCurrency) == "":
		return nil, fmt.Errorf("reference currency required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	ttl := params.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &service{
		webhooks:      params.WebhookEvents,
		payments:      params.Payments,
		subscriptions: params.Subscriptions,
		gateway:       params.Gateway,
		events:        params.Events,
		dispatcher:    params.Dispatcher,
		locker:        params.Locker,
		lockTTL:       ttl,
		metrics:       params.Metrics,
		tx:            params.TxRunner,
		logger:        params.Logger,
		currency:      params.ReferenceCurrency,
		now:           now,
	}, nil
}

// result is what one callback did, written back onto its audit row.
type result struct {
	outcome   string
	processed bool
	procErr   string
	delivered int
	fwdErr    error
}

func (s *service) HandleCallback(ctx context.Context, payload []byte) (*Receipt, error) {
	var cb Callback
	decodeErr := json.Unmarshal(payload, &cb)
	if decodeErr != nil {
		cb = Callback{}
	}
	cb.Authority = strings.TrimSpace(cb.Authority)
	ctx = s.logger.WithAuthority(ctx, cb.Authority)

	event := &models.WebhookEvent{
		Source:    source,
		EventType: cb.EventType(),
		Payload:   auditPayload(payload),
	}
	if cb.Authority != "" {
		authority := cb.Authority
		event.Authority = &authority
	}
	if err := s.webhooks.Create(ctx, event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record callback")
	}
	ctx = s.logger.WithField(ctx, "webhook_event_id", event.ID.String())

	var res result
	if decodeErr != nil {
		s.logger.Warn(s.logger.WithField(ctx, "error", decodeErr.Error()), "webhook.callback_malformed")
		res = result{outcome: OutcomeMalformed, procErr: "invalid callback body: " + decodeErr.Error()}
	} else {
		res = s.process(ctx, cb)
	}
	s.record(ctx, event.ID, res)

	if s.metrics != nil {
		s.metrics.IncOutcome(res.outcome)
	}
	s.logger.Info(s.logger.WithField(ctx, "outcome", res.outcome), "webhook.callback_handled")

	return &Receipt{
		Received:  true,
		EventID:   event.ID,
		Processed: res.processed,
		Forwarded: res.delivered > 0,
	}, nil
}

func (s *service) process(ctx context.Context, cb Callback) result {
	if cb.Authority == "" {
		return result{outcome: OutcomeUnknownAuthority, procErr: "callback carries no authority"}
	}

	if s.locker != nil {
		release, acquired, err := s.locker.AcquireLock(ctx, lockScope, cb.Authority, s.lockTTL)
		switch {
		case err != nil:
			// The payment status check below still guards against double processing.
			s.logger.Warn(s.logger.WithField(ctx, "error", err.Error()), "webhook.lock_unavailable")
		case !acquired:
			return result{outcome: OutcomeInFlight, procErr: "authority is already being processed"}
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warn(s.logger.WithField(ctx, "error", err.Error()), "webhook.lock_release_failed")
				}
			}()
		}
	}

	payment, err := s.payments.FindByAuthority(ctx, cb.Authority)
	if errors.Is(err, payments.ErrNotFound) {
		return result{outcome: OutcomeUnknownAuthority, procErr: "no payment for authority"}
	}
	if err != nil {
		s.logger.Error(ctx, "webhook.payment_lookup_failed", err)
		return result{outcome: OutcomeError, procErr: err.Error()}
	}
	ctx = s.logger.WithFields(ctx, map[string]any{
		"payment_id": payment.ID.String(),
		"user_id":    payment.UserID.String(),
	})

	if payment.Status != enums.PaymentStatusPending {
		return result{outcome: OutcomeDuplicate, procErr: fmt.Sprintf("payment already %s", payment.Status)}
	}

	if !cb.Succeeded() {
		return s.fail(ctx, payment, fmt.Sprintf("gateway reported status %q", cb.Status), 0)
	}

	verified, err := s.gateway.VerifyPayment(ctx, cb.Authority, payment.SettlementAmount)
	if err != nil {
		// Settlement is unknown; the payment stays pending for a later redelivery.
		s.logger.Error(ctx, "webhook.verify_unavailable", err)
		return result{outcome: OutcomeVerifyUnavailable, procErr: err.Error()}
	}
	if !verified.Succeeded {
		reason := strings.TrimSpace(verified.Message)
		if reason == "" {
			reason = string(verified.Outcome)
		}
		return s.fail(ctx, payment, reason, verified.Code)
	}
	return s.complete(ctx, payment, cb, verified)
}

func (s *service) complete(ctx context.Context, payment *models.Payment, cb Callback, verified gateway.VerifyResult) result {
	now := s.now().UTC()
	completion := payments.Completion{
		ReferenceID: firstNonEmpty(verified.ReferenceID, string(cb.RefID)),
		CardPan:     firstNonEmpty(verified.CardPan, cb.CardPan),
		CardHash:    firstNonEmpty(verified.CardHash, cb.CardHash),
		PaidAt:      now,
	}
	switch {
	case verified.Fee > 0:
		fee := verified.Fee
		completion.Fee = &fee
	default:
		if fee, ok := cb.Fee.Value(); ok {
			completion.Fee = &fee
		}
	}

	var activated *models.Subscription
	applied := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		changed, err := s.payments.WithTx(tx).MarkCompleted(ctx, payment.ID, completion)
		if err != nil || !changed {
			return err
		}
		applied = true
		if _, err := s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:         payment.UserID,
			SubscriptionID: payment.SubscriptionID,
			PaymentID:      &payment.ID,
			ContractID:     payment.ContractID,
			EventType:      billingevents.TypePaymentCompleted,
			Data: map[string]any{
				"reference_id":     completion.ReferenceID,
				"already_verified": verified.AlreadyVerified,
				"provider_code":    verified.Code,
			},
		}); err != nil {
			return err
		}

		if payment.SubscriptionID == nil {
			return nil
		}
		subs := s.subscriptions.WithTx(tx)
		sub, err := subs.FindByID(ctx, *payment.SubscriptionID)
		if errors.Is(err, subscriptions.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if sub.Status != enums.SubscriptionStatusPending {
			return nil
		}
		existing, err := subs.FindActive(ctx, sub.UserID, sub.ProductID)
		if err != nil {
			return err
		}
		if existing != nil {
			// Paid, but the user already holds this product; keep the payment and leave the duplicate pending.
			s.logger.Warn(s.logger.WithField(ctx, "subscription_id", sub.ID.String()), "webhook.subscription_already_active")
			return nil
		}
		var next *time.Time
		if length, ok := sub.BillingPeriod.Length(); ok {
			n := now.Add(length)
			next = &n
		}
		ok, err := subs.Activate(ctx, sub.ID, now, next)
		if err != nil || !ok {
			return err
		}
		sub.Status = enums.SubscriptionStatusActive
		sub.StartDate = &now
		sub.NextBillingDate = next
		activated = sub
		_, err = s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:         sub.UserID,
			SubscriptionID: &sub.ID,
			PaymentID:      &payment.ID,
			EventType:      billingevents.TypeSubscriptionActivated,
			Data:           map[string]any{"next_billing_date": next},
		})
		return err
	})
	if err != nil {
		// The gateway has settled but nothing local was written.
		s.logger.Error(s.logger.WithField(ctx, "stage", "complete_after_verify"), "reconciliation.hazard", err)
		return result{outcome: OutcomeError, procErr: err.Error()}
	}
	if !applied {
		return result{outcome: OutcomeDuplicate, procErr: "payment left pending state concurrently"}
	}

	payment.Status = enums.PaymentStatusCompleted
	payment.PaidAt = &now
	if completion.ReferenceID != "" {
		ref := completion.ReferenceID
		payment.ReferenceID = &ref
	}
	res := result{outcome: OutcomeCompleted, processed: true}
	s.forward(ctx, &res, func() (dispatch.Event, error) { return dispatch.NewPaymentSucceeded(payment, now) })
	if activated != nil {
		s.forward(ctx, &res, func() (dispatch.Event, error) {
			return dispatch.NewSubscriptionUpdated(activated, s.currency, now)
		})
	}
	return res
}

func (s *service) fail(ctx context.Context, payment *models.Payment, reason string, providerCode int) result {
	now := s.now().UTC()
	applied := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		changed, err := s.payments.WithTx(tx).MarkFailed(ctx, payment.ID, reason, now)
		if err != nil || !changed {
			return err
		}
		applied = true
		_, err = s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:         payment.UserID,
			SubscriptionID: payment.SubscriptionID,
			PaymentID:      &payment.ID,
			ContractID:     payment.ContractID,
			EventType:      billingevents.TypePaymentFailed,
			Data:           map[string]any{"reason": reason, "provider_code": providerCode},
			Severity:       enums.SeverityWarning,
		})
		return err
	})
	if err != nil {
		s.logger.Error(ctx, "webhook.fail_failed", err)
		return result{outcome: OutcomeError, procErr: err.Error()}
	}
	if !applied {
		return result{outcome: OutcomeDuplicate, procErr: "payment left pending state concurrently"}
	}

	payment.Status = enums.PaymentStatusFailed
	payment.FailureReason = &reason
	payment.FailedAt = &now
	res := result{outcome: OutcomeFailed, processed: true}
	s.forward(ctx, &res, func() (dispatch.Event, error) { return dispatch.NewPaymentFailed(payment, now) })
	return res
}

// forward dispatches one synthesized event after commit and folds the report into res.
func (s *service) forward(ctx context.Context, res *result, build func() (dispatch.Event, error)) {
	if s.dispatcher == nil {
		return
	}
	event, err := build()
	if err != nil {
		s.logger.Error(ctx, "dispatch.build_failed", err)
		res.fwdErr = multierr.Append(res.fwdErr, err)
		return
	}
	report := s.dispatcher.Dispatch(ctx, event)
	res.delivered += report.Delivered
	res.fwdErr = multierr.Append(res.fwdErr, report.Err)
}

func (s *service) record(ctx context.Context, id uuid.UUID, res result) {
	outcome := webhookevents.Outcome{
		Processed: res.processed,
		Forwarded: res.delivered > 0,
		At:        s.now().UTC(),
	}
	if res.procErr != "" {
		msg := res.procErr
		outcome.ProcessingError = &msg
	}
	if res.fwdErr != nil {
		msg := res.fwdErr.Error()
		outcome.ForwardingError = &msg
	}
	if err := s.webhooks.Record(ctx, id, outcome); err != nil {
		s.logger.Error(ctx, "webhook.record_outcome_failed", err)
	}
}

// auditPayload keeps the body as stored JSON. Bodies that are not JSON are kept as a JSON string.
func auditPayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return json.RawMessage(`null`)
	}
	return json.RawMessage(quoted)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
