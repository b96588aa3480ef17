package gateway

import (
	"context"
	"net/http"
	"strings"

	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

// PaymentRequest starts a one-off payment. Amount is in settlement minor units.
type PaymentRequest struct {
	Amount      int64
	Currency    string
	Description string
	CallbackURL string
	Metadata    map[string]string
}

type PaymentRequestResult struct {
	Authority   string
	Fee         int64
	FeeType     string
	RedirectURL string
}

type paymentRequestBody struct {
	MerchantID  string            `json:"merchant_id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	Description string            `json:"description"`
	CallbackURL string            `json:"callback_url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type paymentRequestData struct {
	Authority string `json:"authority"`
	Fee       int64  `json:"fee"`
	FeeType   string `json:"fee_type"`
}

// RequestPayment asks the gateway for a payment authority.
func (c *Client) RequestPayment(ctx context.Context, req PaymentRequest) (PaymentRequestResult, error) {
	if req.Amount <= 0 {
		return PaymentRequestResult{}, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if strings.TrimSpace(req.CallbackURL) == "" {
		return PaymentRequestResult{}, pkgerrors.New(pkgerrors.CodeValidation, "callback url is required")
	}

	body := paymentRequestBody{
		MerchantID:  c.merchantID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
	}
	var data paymentRequestData
	code, message, err := c.call(ctx, "payment_request", http.MethodPost, pathPaymentRequest, body, false, &data)
	if err != nil {
		return PaymentRequestResult{}, err
	}
	if code != codeSuccess {
		return PaymentRequestResult{}, codeErrorOrUnknown("payment_request", code, message)
	}
	if data.Authority == "" {
		return PaymentRequestResult{}, pkgerrors.New(pkgerrors.CodeGatewayUnavailable, "gateway returned an empty authority")
	}

	return PaymentRequestResult{
		Authority:   data.Authority,
		Fee:         data.Fee,
		FeeType:     data.FeeType,
		RedirectURL: c.RedirectURL(data.Authority),
	}, nil
}

// VerifyResult is the settlement verdict for an authority. Declines are results, not errors.
type VerifyResult struct {
	Succeeded       bool
	AlreadyVerified bool
	Outcome         Outcome
	ReferenceID     string
	CardPan         string
	CardHash        string
	Fee             int64
	Code            int
	Message         string
}

type paymentVerifyBody struct {
	MerchantID string `json:"merchant_id"`
	Amount     int64  `json:"amount"`
	Authority  string `json:"authority"`
}

type paymentVerifyData struct {
	RefID    referenceID `json:"ref_id"`
	CardPan  string      `json:"card_pan"`
	CardHash string      `json:"card_hash"`
	Fee      int64       `json:"fee"`
}

// VerifyPayment confirms settlement with the gateway. Misconfiguration and transport failures
// are returned as errors; every other provider verdict is a VerifyResult.
func (c *Client) VerifyPayment(ctx context.Context, authority string, amount int64) (VerifyResult, error) {
	if strings.TrimSpace(authority) == "" {
		return VerifyResult{}, pkgerrors.New(pkgerrors.CodeValidation, "authority is required")
	}

	body := paymentVerifyBody{MerchantID: c.merchantID, Amount: amount, Authority: authority}
	var data paymentVerifyData
	code, message, err := c.call(ctx, "payment_verify", http.MethodPost, pathPaymentVerify, body, false, &data)
	if err != nil {
		return VerifyResult{}, err
	}

	outcome := Classify(code)
	if outcome == OutcomeMisconfigured {
		return VerifyResult{}, codeError("payment_verify", code, message)
	}

	return VerifyResult{
		Succeeded:       outcome.Succeeded(),
		AlreadyVerified: outcome == OutcomeAlreadyVerified,
		Outcome:         outcome,
		ReferenceID:     string(data.RefID),
		CardPan:         data.CardPan,
		CardHash:        data.CardHash,
		Fee:             data.Fee,
		Code:            code,
		Message:         message,
	}, nil
}

// codeErrorOrUnknown never returns nil for a code the caller already knows is not a success.
func codeErrorOrUnknown(op string, code int, message string) error {
	if err := codeError(op, code, message); err != nil {
		return err
	}
	return pkgerrors.New(pkgerrors.CodePaymentRequired, "unexpected gateway response").
		WithDetails(map[string]any{"operation": op, "provider_code": code, "provider_message": message})
}
