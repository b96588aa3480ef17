package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billing-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

type recordedCall struct {
	op      string
	outcome string
}

type stubObserver struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (s *stubObserver) ObserveCall(op, outcome string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recordedCall{op: op, outcome: outcome})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *stubObserver) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	obs := &stubObserver{}
	client, err := NewClient(ClientParams{
		Config: config.GatewayConfig{
			BaseURL:            srv.URL,
			StartPayURL:        "https://pay.example.com/StartPay/",
			SigningURLTemplate: "https://pay.example.com/sign/{authority}/{bank_code}",
			MerchantID:         "merchant-1",
			AccessToken:        "token-1",
			Timeout:            time.Second,
		},
		Logger:   logger.Nop(),
		Observer: obs,
	})
	require.NoError(t, err)
	return client, obs
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data, "errors": []any{}})
}

func writeProviderError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "errors": map[string]any{"code": code, "message": message}})
}

func TestRequestPaymentSuccess(t *testing.T) {
	client, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, pathPaymentRequest, r.URL.Path)
		var body paymentRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "merchant-1", body.MerchantID)
		assert.Equal(t, int64(50000), body.Amount)
		assert.Empty(t, r.Header.Get("Authorization"))
		writeData(w, map[string]any{"code": 100, "message": "Success", "authority": "A0001", "fee": 500, "fee_type": "Merchant"})
	})

	res, err := client.RequestPayment(context.Background(), PaymentRequest{
		Amount: 50000, Description: "plan", CallbackURL: "https://billing.example.com/cb",
	})
	require.NoError(t, err)
	assert.Equal(t, "A0001", res.Authority)
	assert.Equal(t, "https://pay.example.com/StartPay/A0001", res.RedirectURL)
	assert.Equal(t, int64(500), res.Fee)
	require.Len(t, obs.calls, 1)
	assert.Equal(t, recordedCall{op: "payment_request", outcome: "success"}, obs.calls[0])
}

func TestRequestPaymentMapsProviderCodes(t *testing.T) {
	cases := []struct {
		code int
		want pkgerrors.Code
	}{
		{code: -9, want: pkgerrors.CodeValidation},
		{code: -10, want: pkgerrors.CodeGatewayAuth},
		{code: -11, want: pkgerrors.CodeGatewayAuth},
		{code: -51, want: pkgerrors.CodePaymentDeclined},
		{code: -80, want: pkgerrors.CodePaymentDeclined},
		{code: -999, want: pkgerrors.CodePaymentRequired},
	}
	for _, tc := range cases {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeProviderError(w, tc.code, "nope")
		})
		_, err := client.RequestPayment(context.Background(), PaymentRequest{Amount: 1000, CallbackURL: "https://cb"})
		require.Error(t, err, "code %d", tc.code)
		assert.True(t, pkgerrors.IsCode(err, tc.want), "code %d gave %v", tc.code, err)
	}
}

func TestUnknownCodeCarriesRawProviderValues(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeProviderError(w, -77, "strange")
	})
	_, err := client.RequestPayment(context.Background(), PaymentRequest{Amount: 1000, CallbackURL: "https://cb"})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	details, ok := typed.Details().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, -77, details["provider_code"])
	assert.Equal(t, "strange", details["provider_message"])
}

func TestTransportFailureIsGatewayUnavailable(t *testing.T) {
	client, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	client.httpClient.Timeout = 20 * time.Millisecond

	_, err := client.VerifyPayment(context.Background(), "A0001", 1000)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayUnavailable))
	require.Len(t, obs.calls, 1)
	assert.Equal(t, "unavailable", obs.calls[0].outcome)
}

func TestServerErrorIsGatewayUnavailable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.RequestPayment(context.Background(), PaymentRequest{Amount: 1000, CallbackURL: "https://cb"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayUnavailable))
}

func TestVerifyPaymentOutcomes(t *testing.T) {
	t.Run("success with numeric ref id", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeData(w, map[string]any{"code": 100, "message": "Verified", "ref_id": 201, "card_pan": "6037****1234", "card_hash": "H", "fee": 10})
		})
		res, err := client.VerifyPayment(context.Background(), "A1", 1000)
		require.NoError(t, err)
		assert.True(t, res.Succeeded)
		assert.False(t, res.AlreadyVerified)
		assert.Equal(t, "201", res.ReferenceID)
		assert.Equal(t, "6037****1234", res.CardPan)
	})

	t.Run("already verified", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeData(w, map[string]any{"code": 101, "message": "Verified", "ref_id": "202"})
		})
		res, err := client.VerifyPayment(context.Background(), "A1", 1000)
		require.NoError(t, err)
		assert.True(t, res.Succeeded)
		assert.True(t, res.AlreadyVerified)
		assert.Equal(t, "202", res.ReferenceID)
	})

	t.Run("declined is a result", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeProviderError(w, -51, "session failed")
		})
		res, err := client.VerifyPayment(context.Background(), "A1", 1000)
		require.NoError(t, err)
		assert.False(t, res.Succeeded)
		assert.Equal(t, OutcomeDeclined, res.Outcome)
		assert.Equal(t, -51, res.Code)
	})

	t.Run("misconfigured is an error", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeProviderError(w, -11, "merchant inactive")
		})
		_, err := client.VerifyPayment(context.Background(), "A1", 1000)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayAuth))
	})
}

func TestRequestContractReturnsBanks(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathContractRequest:
			var body contractRequestBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "2026-12-01 10:00:00", body.ExpireAt)
			assert.Equal(t, "09121234567", body.Mobile)
			writeData(w, map[string]any{"code": 100, "payman_authority": "PA-1"})
		case pathBankList:
			writeData(w, map[string]any{"code": 100, "banks": []map[string]any{
				{"name": "Bank Melli", "slug": "melli", "bank_code": "017", "max_daily_amount": 500000000, "max_daily_count": 10},
			}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	res, err := client.RequestContract(context.Background(), ContractRequest{
		Mobile:          "09121234567",
		ExpiresAt:       time.Date(2026, 12, 1, 10, 0, 0, 0, time.UTC),
		MaxDailyCount:   2,
		MaxMonthlyCount: 10,
		MaxAmount:       1000000,
		CallbackURL:     "https://cb",
	})
	require.NoError(t, err)
	assert.Equal(t, "PA-1", res.Authority)
	require.Len(t, res.Banks, 1)
	assert.Equal(t, "017", res.Banks[0].BankCode)
	assert.Equal(t, "https://pay.example.com/sign/PA-1/{bank_code}", client.SigningURLTemplate("PA-1"))
}

func TestRequestContractRejectsNonPositiveLimits(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("gateway must not be called")
	})
	_, err := client.RequestContract(context.Background(), ContractRequest{ExpiresAt: time.Now(), MaxDailyCount: 0, MaxMonthlyCount: 1, MaxAmount: 1})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestContractChargeUsesBearerToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case pathContractCheckout:
			writeData(w, map[string]any{"code": 100, "reference_id": 9911})
		case pathContractCancel:
			writeData(w, map[string]any{"code": 100})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	res, err := client.ExecuteContractCharge(context.Background(), "A1", "sig")
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, "9911", res.ReferenceID)

	require.NoError(t, client.CancelContract(context.Background(), "sig"))
}

func TestContractChargeInsufficientAuthorization(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeProviderError(w, -85, "limit exceeded")
	})
	res, err := client.ExecuteContractCharge(context.Background(), "A1", "sig")
	require.Error(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, -85, res.Code)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePaymentDeclined))
}

func TestVerifyContractSignature(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"code": 100, "signature": "SIG-1"})
	})
	sig, err := client.VerifyContractSignature(context.Background(), "PA-1")
	require.NoError(t, err)
	assert.Equal(t, "SIG-1", sig)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Classify(100))
	assert.Equal(t, OutcomeAlreadyVerified, Classify(101))
	assert.True(t, Classify(101).Succeeded())
	assert.Equal(t, OutcomeMisconfigured, Classify(-16))
	assert.Equal(t, OutcomeUnknown, Classify(42))
	assert.False(t, OutcomeDeclined.Succeeded())
}

func TestNewClientRequiresMerchant(t *testing.T) {
	_, err := NewClient(ClientParams{Config: config.GatewayConfig{BaseURL: "https://x"}, Logger: logger.Nop()})
	require.Error(t, err)
}
