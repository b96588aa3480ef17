// Package contracts runs the direct-debit contract lifecycle: initiate, verify, cancel and primary selection.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-backend/internal/billingevents"
	"github.com/angelmondragon/billing-backend/internal/dispatch"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/db/models"
	"github.com/angelmondragon/billing-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

const cascadeReason = "contract_cancelled"

var mobilePattern = regexp.MustCompile(`^09\d{9}$`)

// ValidMobile reports whether value is a national mobile number (09 followed by nine digits).
func ValidMobile(value string) bool {
	return mobilePattern.MatchString(value)
}

type Service interface {
	Initiate(ctx context.Context, userID uuid.UUID, input InitiateInput) (*InitiateResult, error)
	Verify(ctx context.Context, userID uuid.UUID, input VerifyInput) (*VerifyResult, error)
	Cancel(ctx context.Context, userID, contractID uuid.UUID) (*CancelResult, error)
	SetPrimary(ctx context.Context, userID, contractID uuid.UUID) (*ContractDTO, error)
	List(ctx context.Context, userID uuid.UUID) ([]ContractDTO, error)
}

type InitiateInput struct {
	Mobile          string
	SSN             string
	ExpiresAt       time.Time
	MaxDailyCount   int
	MaxMonthlyCount int
	MaxAmount       int64
}

// VerifyInput is what the signing bank hands back through the client. Status is the bank's verdict;
// NOK or a cancel value means the payer abandoned signing.
type VerifyInput struct {
	Authority string
	Status    string
	BankCode  string
}

type contractGateway interface {
	RequestContract(ctx context.Context, req gateway.ContractRequest) (gateway.ContractRequestResult, error)
	VerifyContractSignature(ctx context.Context, authority string) (string, error)
	CancelContract(ctx context.Context, signature string) error
	SigningURLTemplate(authority string) string
}

type subscriptionCanceller interface {
	CancelActiveByContract(ctx context.Context, tx *gorm.DB, contractID uuid.UUID, reason string, at time.Time) ([]models.Subscription, error)
}

type eventDispatcher interface {
	Dispatch(ctx context.Context, event dispatch.Event) dispatch.Report
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	Repository        Repository
	Gateway           contractGateway
	Banks             *BankCache
	Subscriptions     subscriptionCanceller
	Events            billingevents.Recorder
	Dispatcher        eventDispatcher
	TxRunner          txRunner
	Logger            *logger.Logger
	MinimumWindow     time.Duration
	CallbackURL       string
	ReferenceCurrency string
	Now               func() time.Time
}

type service struct {
	repo          Repository
	gateway       contractGateway
	banks         *BankCache
	subscriptions subscriptionCanceller
	events        billingevents.Recorder
	dispatcher    eventDispatcher
	tx            txRunner
	logger        *logger.Logger
	minWindow     time.Duration
	callbackURL   string
	currency      string
	now           func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.Repository == nil:
		return nil, fmt.Errorf("contract repository required")
	case params.Gateway == nil:
		return nil, fmt.Errorf("gateway client required")
	case params.Banks == nil:
		return nil, fmt.Errorf("bank cache required")
	case params.Subscriptions == nil:
		return nil, fmt.Errorf("subscription canceller required")
	case params.Events == nil:
		return nil, fmt.Errorf("billing event recorder required")
	case params.TxRunner == nil:
		return nil, fmt.Errorf("transaction runner required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case strings.TrimSpace(params.CallbackURL) == "":
		return nil, fmt.Errorf("contract callback url required")
	case strings.TrimSpace(params.ReferenceCurrency) == "":
		return nil, fmt.Errorf("reference currency required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:          params.Repository,
		gateway:       params.Gateway,
		banks:         params.Banks,
		subscriptions: params.Subscriptions,
		events:        params.Events,
		dispatcher:    params.Dispatcher,
		tx:            params.TxRunner,
		logger:        params.Logger,
		minWindow:     params.MinimumWindow,
		callbackURL:   params.CallbackURL,
		currency:      params.ReferenceCurrency,
		now:           now,
	}, nil
}

func (s *service) Initiate(ctx context.Context, userID uuid.UUID, input InitiateInput) (*InitiateResult, error) {
	mobile := strings.TrimSpace(input.Mobile)
	if !ValidMobile(mobile) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "mobile must be 11 digits starting with 09")
	}
	if input.MaxDailyCount <= 0 || input.MaxMonthlyCount <= 0 || input.MaxAmount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "contract limits must be positive").
			WithDetails(map[string]any{
				"max_daily_count":   input.MaxDailyCount,
				"max_monthly_count": input.MaxMonthlyCount,
				"max_amount":        input.MaxAmount,
			})
	}
	now := s.now().UTC()
	earliest := now.Add(s.minWindow)
	if input.ExpiresAt.Before(earliest) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "expires_at is too soon").
			WithDetails(map[string]any{"earliest": earliest.Format(time.RFC3339)})
	}

	requested, err := s.gateway.RequestContract(ctx, gateway.ContractRequest{
		Mobile:          mobile,
		SSN:             strings.TrimSpace(input.SSN),
		ExpiresAt:       input.ExpiresAt,
		MaxDailyCount:   input.MaxDailyCount,
		MaxMonthlyCount: input.MaxMonthlyCount,
		MaxAmount:       input.MaxAmount,
		CallbackURL:     s.callbackURL,
	})
	if err != nil {
		return nil, err
	}
	s.banks.Store(requested.Banks)

	authority := requested.Authority
	contract := &models.Contract{
		UserID:          userID,
		ContractType:    enums.ContractTypePending,
		Status:          enums.ContractStatusPendingSignature,
		Authority:       &authority,
		Mobile:          mobile,
		MaxDailyCount:   input.MaxDailyCount,
		MaxMonthlyCount: input.MaxMonthlyCount,
		MaxAmount:       input.MaxAmount,
		ExpiresAt:       input.ExpiresAt.UTC(),
	}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, contract); err != nil {
			return err
		}
		_, err := s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:     userID,
			ContractID: &contract.ID,
			EventType:  billingevents.TypeContractInitiated,
			Data: map[string]any{
				"authority":         authority,
				"expires_at":        contract.ExpiresAt,
				"max_daily_count":   contract.MaxDailyCount,
				"max_monthly_count": contract.MaxMonthlyCount,
				"max_amount":        contract.MaxAmount,
			},
		})
		return err
	})
	if err != nil {
		return nil, wrapWrite(err, "persist contract")
	}

	return &InitiateResult{
		ContractID:         contract.ID,
		Authority:          authority,
		Banks:              requested.Banks,
		SigningURLTemplate: s.gateway.SigningURLTemplate(authority),
	}, nil
}

func (s *service) Verify(ctx context.Context, userID uuid.UUID, input VerifyInput) (*VerifyResult, error) {
	authority := strings.TrimSpace(input.Authority)
	if authority == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "authority is required")
	}
	ctx = s.logger.WithAuthority(ctx, authority)

	contract, err := s.repo.FindByAuthority(ctx, userID, authority)
	if errors.Is(err, ErrNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "contract not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load contract")
	}

	now := s.now().UTC()
	switch contract.Status {
	case enums.ContractStatusPendingSignature:
	case enums.ContractStatusCancelledByUser:
		return &VerifyResult{Outcome: OutcomeUserCancelled, Contract: toDTO(contract, now)}, nil
	case enums.ContractStatusVerificationFailed:
		return &VerifyResult{Outcome: OutcomeVerificationFailed, Contract: toDTO(contract, now), Reason: deref(contract.FailureReason)}, nil
	default:
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "contract is not awaiting signature").
			WithDetails(map[string]any{"status": contract.Status})
	}

	if bankCancelled(input.Status) {
		return s.markUnverified(ctx, contract, enums.ContractStatusCancelledByUser, "signing cancelled at bank", now)
	}

	signature, err := s.gateway.VerifyContractSignature(ctx, authority)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeGatewayUnavailable) || pkgerrors.IsCode(err, pkgerrors.CodeGatewayAuth) {
			return nil, err
		}
		reason := err.Error()
		if typed := pkgerrors.As(err); typed != nil {
			reason = typed.Message()
		}
		return s.markUnverified(ctx, contract, enums.ContractStatusVerificationFailed, reason, now)
	}

	existing, err := s.repo.FindActiveBySignature(ctx, userID, signature)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check existing signature")
	}
	if existing != nil {
		return s.merge(ctx, contract, existing, now)
	}

	activation := Activation{Signature: signature, VerifiedAt: now}
	if code := strings.TrimSpace(input.BankCode); code != "" {
		activation.BankCode = &code
		bank, ok, err := s.banks.Lookup(ctx, code)
		switch {
		case err != nil:
			s.logger.Warn(s.logger.WithField(ctx, "error", err.Error()), "contract.bank_lookup_failed")
		case ok:
			name := bank.Name
			activation.BankName = &name
		}
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		usable, err := repo.CountUsable(ctx, userID, now)
		if err != nil {
			return err
		}
		activation.IsPrimary = usable == 0
		if activation.IsPrimary {
			if err := repo.ClearPrimary(ctx, userID); err != nil {
				return err
			}
		}
		changed, err := repo.Activate(ctx, contract.ID, activation)
		if err != nil {
			return err
		}
		if !changed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "contract is no longer awaiting signature")
		}
		_, err = s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:     userID,
			ContractID: &contract.ID,
			EventType:  billingevents.TypeContractVerified,
			Data: map[string]any{
				"is_primary": activation.IsPrimary,
				"bank_code":  activation.BankCode,
			},
		})
		return err
	})
	if err != nil {
		return nil, wrapWrite(err, "activate contract")
	}

	contract.Status = enums.ContractStatusActive
	contract.ContractType = enums.ContractTypeDirectDebit
	contract.Signature = &signature
	contract.Authority = nil
	contract.IsActive = true
	contract.IsPrimary = activation.IsPrimary
	contract.VerifiedAt = &now
	contract.BankCode = activation.BankCode
	contract.BankName = activation.BankName
	return &VerifyResult{Outcome: OutcomeVerified, ContractVerified: true, Contract: toDTO(contract, now)}, nil
}

// merge drops a pending row whose signature the user already holds and returns the existing contract.
func (s *service) merge(ctx context.Context, pending, existing *models.Contract, now time.Time) (*VerifyResult, error) {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Delete(ctx, pending.ID); err != nil {
			return err
		}
		_, err := s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:     existing.UserID,
			ContractID: &existing.ID,
			EventType:  billingevents.TypeContractMerged,
			Data:       map[string]any{"discarded_contract_id": pending.ID},
		})
		return err
	})
	if err != nil {
		return nil, wrapWrite(err, "merge contract")
	}
	return &VerifyResult{Outcome: OutcomeVerified, ContractVerified: true, Contract: toDTO(existing, now), Merged: true}, nil
}

func (s *service) markUnverified(ctx context.Context, contract *models.Contract, status enums.ContractStatus, reason string, now time.Time) (*VerifyResult, error) {
	eventType := billingevents.TypeContractVerificationFailed
	severity := enums.SeverityError
	outcome := OutcomeVerificationFailed
	if status == enums.ContractStatusCancelledByUser {
		eventType = billingevents.TypeContractUserCancelled
		severity = enums.SeverityWarning
		outcome = OutcomeUserCancelled
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		changed, err := s.repo.WithTx(tx).MarkUnverified(ctx, contract.ID, status, reason)
		if err != nil {
			return err
		}
		if !changed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "contract is no longer awaiting signature")
		}
		_, err = s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:     contract.UserID,
			ContractID: &contract.ID,
			EventType:  eventType,
			Data:       map[string]any{"reason": reason},
			Severity:   severity,
		})
		return err
	})
	if err != nil {
		return nil, wrapWrite(err, "record contract outcome")
	}

	contract.Status = status
	contract.FailureReason = &reason
	contract.IsActive = false
	return &VerifyResult{Outcome: outcome, Contract: toDTO(contract, now), Reason: reason}, nil
}

func (s *service) Cancel(ctx context.Context, userID, contractID uuid.UUID) (*CancelResult, error) {
	contract, err := s.owned(ctx, userID, contractID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if status := contract.EffectiveStatus(now); status != enums.ContractStatusActive || contract.Signature == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only active contracts can be cancelled").
			WithDetails(map[string]any{"status": status})
	}

	if err := s.gateway.CancelContract(ctx, *contract.Signature); err != nil {
		return nil, err
	}

	var canceled []models.Subscription
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		changed, err := s.repo.WithTx(tx).MarkCancelled(ctx, contract.ID, now)
		if err != nil {
			return err
		}
		if !changed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "contract is no longer active")
		}
		canceled, err = s.subscriptions.CancelActiveByContract(ctx, tx, contract.ID, cascadeReason, now)
		if err != nil {
			return err
		}

		ids := make([]uuid.UUID, 0, len(canceled))
		for i := range canceled {
			ids = append(ids, canceled[i].ID)
			if _, err := s.events.Append(ctx, tx, billingevents.AppendInput{
				UserID:         userID,
				SubscriptionID: &canceled[i].ID,
				ContractID:     &contract.ID,
				EventType:      billingevents.TypeSubscriptionCanceled,
				Data:           map[string]any{"reason": cascadeReason},
			}); err != nil {
				return err
			}
		}
		_, err = s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:     userID,
			ContractID: &contract.ID,
			EventType:  billingevents.TypeContractCancelled,
			Data:       map[string]any{"canceled_subscription_ids": ids},
		})
		return err
	})
	if err != nil {
		s.logger.Error(s.logger.WithFields(ctx, map[string]any{
			"contract_id": contract.ID.String(),
			"user_id":     userID.String(),
			"stage":       "local_cancel_after_gateway_cancel",
		}), "reconciliation.hazard", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "contract cancelled at gateway but local update failed")
	}

	result := &CancelResult{CanceledSubscriptionIDs: make([]uuid.UUID, 0, len(canceled))}
	for i := range canceled {
		result.CanceledSubscriptionIDs = append(result.CanceledSubscriptionIDs, canceled[i].ID)
		s.dispatchSubscriptionUpdated(ctx, &canceled[i])
	}

	contract.Status = enums.ContractStatusCancelledByUser
	contract.IsActive = false
	contract.IsPrimary = false
	contract.CancelledAt = &now
	result.Contract = toDTO(contract, now)
	return result, nil
}

func (s *service) SetPrimary(ctx context.Context, userID, contractID uuid.UUID) (*ContractDTO, error) {
	contract, err := s.owned(ctx, userID, contractID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !contract.IsChargeable(now) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only active contracts can be primary").
			WithDetails(map[string]any{"status": contract.EffectiveStatus(now)})
	}
	if contract.IsPrimary {
		dto := toDTO(contract, now)
		return &dto, nil
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.ClearPrimary(ctx, userID); err != nil {
			return err
		}
		if err := repo.SetPrimary(ctx, contract.ID); err != nil {
			return err
		}
		_, err := s.events.Append(ctx, tx, billingevents.AppendInput{
			UserID:     userID,
			ContractID: &contract.ID,
			EventType:  billingevents.TypeContractPrimaryChanged,
		})
		return err
	})
	if err != nil {
		return nil, wrapWrite(err, "set primary contract")
	}

	contract.IsPrimary = true
	dto := toDTO(contract, now)
	return &dto, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID) ([]ContractDTO, error) {
	rows, err := s.repo.ListForUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list contracts")
	}
	now := s.now().UTC()
	out := make([]ContractDTO, 0, len(rows))
	for i := range rows {
		out = append(out, toDTO(&rows[i], now))
	}
	return out, nil
}

func (s *service) owned(ctx context.Context, userID, contractID uuid.UUID) (*models.Contract, error) {
	contract, err := s.repo.FindByID(ctx, contractID)
	if errors.Is(err, ErrNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "contract not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load contract")
	}
	if contract.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "contract not found")
	}
	return contract, nil
}

func (s *service) dispatchSubscriptionUpdated(ctx context.Context, sub *models.Subscription) {
	if s.dispatcher == nil {
		return
	}
	event, err := dispatch.NewSubscriptionUpdated(sub, s.currency, s.now())
	if err != nil {
		s.logger.Error(ctx, "dispatch.build_failed", err)
		return
	}
	s.dispatcher.Dispatch(ctx, event)
}

func bankCancelled(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "NOK", "CANCEL", "CANCELLED", "CANCELED":
		return true
	}
	return false
}

func wrapWrite(err error, msg string) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	if db.IsUniqueViolation(err, "") {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, msg)
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, msg)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
