package billingevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/outbox"
	"github.com/angelmondragon/billing-backend/pkg/pagination"
)

// Recorder appends billing events inside the caller's transaction.
type Recorder interface {
	Append(ctx context.Context, tx *gorm.DB, input AppendInput) (*models.BillingEvent, error)
}

// Service defines the billing event log operations.
type Service interface {
	Recorder
	ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.BillingEvent, string, error)
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// AppendInput captures the immutable snapshot a billing event stores.
type AppendInput struct {
	UserID         uuid.UUID
	SubscriptionID *uuid.UUID
	PaymentID      *uuid.UUID
	ContractID     *uuid.UUID
	EventType      string
	Data           any
	Severity       enums.Severity
}

// ServiceParams wires the billing event service. Outbox is optional; when set and Stream is
// true every append also queues a billing_event_recorded row.
type ServiceParams struct {
	Repository Repository
	Outbox     outboxEmitter
	Stream     bool
}

type service struct {
	repo   Repository
	outbox outboxEmitter
	stream bool
}

// StreamPayload is the data published for each recorded billing event.
type StreamPayload struct {
	BillingEventID string          `json:"billing_event_id"`
	UserID         string          `json:"user_id"`
	SubscriptionID *string         `json:"subscription_id,omitempty"`
	PaymentID      *string         `json:"payment_id,omitempty"`
	ContractID     *string         `json:"contract_id,omitempty"`
	EventType      string          `json:"event_type"`
	Severity       string          `json:"severity"`
	EventData      json.RawMessage `json:"event_data"`
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("billing event repository required")
	}
	return &service{repo: params.Repository, outbox: params.Outbox, stream: params.Stream}, nil
}

func (s *service) Append(ctx context.Context, tx *gorm.DB, input AppendInput) (*models.BillingEvent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if input.UserID == uuid.Nil {
		return nil, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(input.EventType) == "" {
		return nil, fmt.Errorf("event type is required")
	}
	severity := input.Severity
	if severity == "" {
		severity = enums.SeverityInfo
	}
	if !severity.IsValid() {
		return nil, fmt.Errorf("invalid severity %q", severity)
	}

	data := json.RawMessage(`{}`)
	if input.Data != nil {
		raw, err := json.Marshal(input.Data)
		if err != nil {
			return nil, fmt.Errorf("encode event data: %w", err)
		}
		data = raw
	}

	event := &models.BillingEvent{
		UserID:         input.UserID,
		SubscriptionID: input.SubscriptionID,
		PaymentID:      input.PaymentID,
		ContractID:     input.ContractID,
		EventType:      input.EventType,
		EventData:      data,
		Severity:       severity,
	}
	if err := s.repo.WithTx(tx).Create(ctx, event); err != nil {
		return nil, err
	}

	if s.stream && s.outbox != nil {
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventBillingEventRecorded,
			AggregateType: enums.AggregateBillingEvent,
			AggregateID:   event.ID,
			Actor:         &outbox.ActorRef{UserID: event.UserID},
			Data:          streamPayload(event),
		}); err != nil {
			return nil, fmt.Errorf("queue billing event: %w", err)
		}
	}
	return event, nil
}

func (s *service) ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.BillingEvent, string, error) {
	if userID == uuid.Nil {
		return nil, "", pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.ListForUser(ctx, userID, cursor, pagination.LimitWithBuffer(params.Limit))
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list billing events")
	}
	page, next := pagination.Trim(rows, params.Limit, func(e models.BillingEvent) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
	return page, next, nil
}

func streamPayload(event *models.BillingEvent) StreamPayload {
	return StreamPayload{
		BillingEventID: event.ID.String(),
		UserID:         event.UserID.String(),
		SubscriptionID: idString(event.SubscriptionID),
		PaymentID:      idString(event.PaymentID),
		ContractID:     idString(event.ContractID),
		EventType:      event.EventType,
		Severity:       string(event.Severity),
		EventData:      event.EventData,
	}
}

func idString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
