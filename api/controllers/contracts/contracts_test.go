package contracts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/billing-backend/api/middleware"
	contractsvc "github.com/angelmondragon/billing-backend/internal/contracts"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

type stubContractService struct {
	initiateInput contractsvc.InitiateInput
	verifyInput   contractsvc.VerifyInput
	cancelID      uuid.UUID
	primaryID     uuid.UUID
	userID        uuid.UUID
	verifyResult  *contractsvc.VerifyResult
	err           error
}

func (s *stubContractService) Initiate(_ context.Context, userID uuid.UUID, input contractsvc.InitiateInput) (*contractsvc.InitiateResult, error) {
	s.userID = userID
	s.initiateInput = input
	if s.err != nil {
		return nil, s.err
	}
	return &contractsvc.InitiateResult{ContractID: uuid.New(), Authority: "auth-1"}, nil
}

func (s *stubContractService) Verify(_ context.Context, userID uuid.UUID, input contractsvc.VerifyInput) (*contractsvc.VerifyResult, error) {
	s.userID = userID
	s.verifyInput = input
	if s.err != nil {
		return nil, s.err
	}
	if s.verifyResult != nil {
		return s.verifyResult, nil
	}
	return &contractsvc.VerifyResult{Outcome: contractsvc.OutcomeVerified, ContractVerified: true}, nil
}

func (s *stubContractService) Cancel(_ context.Context, userID, contractID uuid.UUID) (*contractsvc.CancelResult, error) {
	s.userID = userID
	s.cancelID = contractID
	if s.err != nil {
		return nil, s.err
	}
	return &contractsvc.CancelResult{}, nil
}

func (s *stubContractService) SetPrimary(_ context.Context, userID, contractID uuid.UUID) (*contractsvc.ContractDTO, error) {
	s.userID = userID
	s.primaryID = contractID
	if s.err != nil {
		return nil, s.err
	}
	return &contractsvc.ContractDTO{ID: contractID, IsPrimary: true}, nil
}

func (s *stubContractService) List(_ context.Context, userID uuid.UUID) ([]contractsvc.ContractDTO, error) {
	s.userID = userID
	return []contractsvc.ContractDTO{}, s.err
}

func authed(req *http.Request, userID uuid.UUID) *http.Request {
	return req.WithContext(middleware.WithUserID(req.Context(), userID.String()))
}

func withParam(req *http.Request, key, value string) *http.Request {
	rc := chi.NewRouteContext()
	rc.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func TestInitiateCreatesContract(t *testing.T) {
	svc := &stubContractService{}
	userID := uuid.New()
	body := `{"mobile":"09121234567","expires_at":"2027-01-01T00:00:00Z","max_daily_count":2,"max_monthly_count":10,"max_amount":500000}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/contracts", strings.NewReader(body)), userID)
	resp := httptest.NewRecorder()

	Initiate(svc, logger.Nop()).ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.userID != userID {
		t.Fatalf("expected caller %s got %s", userID, svc.userID)
	}
	if svc.initiateInput.Mobile != "09121234567" || svc.initiateInput.MaxAmount != 500000 {
		t.Fatalf("unexpected input %+v", svc.initiateInput)
	}
	if svc.initiateInput.ExpiresAt.Year() != 2027 {
		t.Fatalf("expected expiry parsed, got %v", svc.initiateInput.ExpiresAt)
	}
}

func TestInitiateRejectsInvalidMobile(t *testing.T) {
	svc := &stubContractService{}
	body := `{"mobile":"12345","expires_at":"2027-01-01T00:00:00Z","max_daily_count":2,"max_monthly_count":10,"max_amount":500000}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/contracts", strings.NewReader(body)), uuid.New())
	resp := httptest.NewRecorder()

	Initiate(svc, logger.Nop()).ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
	var envelope struct {
		Error struct {
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := envelope.Error.Details["mobile"]; !ok {
		t.Fatalf("expected mobile detail, got %v", envelope.Error.Details)
	}
}

func TestInitiateRequiresCaller(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/contracts", strings.NewReader(`{}`))
	resp := httptest.NewRecorder()
	Initiate(&stubContractService{}, logger.Nop()).ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestVerifyPassesBankVerdict(t *testing.T) {
	svc := &stubContractService{}
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/contracts/verify", strings.NewReader(`{"authority":"auth-1","status":"OK","bank_code":"BMI"}`)), uuid.New())
	resp := httptest.NewRecorder()

	Verify(svc, logger.Nop()).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	if svc.verifyInput.BankCode != "BMI" || svc.verifyInput.Status != "OK" {
		t.Fatalf("unexpected input %+v", svc.verifyInput)
	}
}

func TestVerifyReportsContractNotVerifiedAfterBankCancel(t *testing.T) {
	svc := &stubContractService{verifyResult: &contractsvc.VerifyResult{
		Outcome:          contractsvc.OutcomeUserCancelled,
		ContractVerified: false,
		Reason:           "user cancelled at bank",
	}}
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/contracts/verify", strings.NewReader(`{"authority":"auth-1","status":"NOK"}`)), uuid.New())
	resp := httptest.NewRecorder()

	Verify(svc, logger.Nop()).ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	verified, ok := body.Data["contract_verified"].(bool)
	if !ok || verified {
		t.Fatalf("expected contract_verified=false, got %v", body.Data["contract_verified"])
	}
	if body.Data["outcome"] != string(contractsvc.OutcomeUserCancelled) {
		t.Fatalf("unexpected outcome %v", body.Data["outcome"])
	}
}

func TestCancelMapsServiceErrors(t *testing.T) {
	svc := &stubContractService{err: pkgerrors.New(pkgerrors.CodeStateConflict, "contract is not active")}
	contractID := uuid.New()
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/contracts/"+contractID.String()+"/cancel", nil), uuid.New())
	req = withParam(req, "contractId", contractID.String())
	resp := httptest.NewRecorder()

	Cancel(svc, logger.Nop()).ServeHTTP(resp, req)

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", resp.Code)
	}
	if svc.cancelID != contractID {
		t.Fatalf("expected contract %s got %s", contractID, svc.cancelID)
	}
}

func TestSetPrimaryRejectsBadID(t *testing.T) {
	svc := &stubContractService{}
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/contracts/x/primary", nil), uuid.New())
	req = withParam(req, "contractId", "x")
	resp := httptest.NewRecorder()

	SetPrimary(svc, logger.Nop()).ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.Code)
	}
	if svc.primaryID != uuid.Nil {
		t.Fatal("service should not be called")
	}
}
