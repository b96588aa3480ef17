package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

const contractExpiryLayout = "2006-01-02 15:04:05"

// Bank is an issuer that supports direct-debit signing.
type Bank struct {
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	BankCode       string `json:"bank_code"`
	MaxDailyAmount int64  `json:"max_daily_amount"`
	MaxDailyCount  int    `json:"max_daily_count"`
}

// ContractRequest asks the gateway for a direct-debit authorization.
type ContractRequest struct {
	Mobile          string
	SSN             string
	ExpiresAt       time.Time
	MaxDailyCount   int
	MaxMonthlyCount int
	MaxAmount       int64
	CallbackURL     string
}

type ContractRequestResult struct {
	Authority string
	Banks     []Bank
}

type contractRequestBody struct {
	MerchantID      string `json:"merchant_id"`
	Mobile          string `json:"mobile"`
	SSN             string `json:"ssn,omitempty"`
	ExpireAt        string `json:"expire_at"`
	MaxDailyCount   int    `json:"max_daily_count"`
	MaxMonthlyCount int    `json:"max_monthly_count"`
	MaxAmount       int64  `json:"max_amount"`
	CallbackURL     string `json:"callback_url"`
}

type contractRequestData struct {
	Authority string `json:"payman_authority"`
}

type bankListData struct {
	Banks []Bank `json:"banks"`
}

// RequestContract requests a signing authority and returns it together with the bank list.
func (c *Client) RequestContract(ctx context.Context, req ContractRequest) (ContractRequestResult, error) {
	if req.MaxDailyCount <= 0 || req.MaxMonthlyCount <= 0 || req.MaxAmount <= 0 {
		return ContractRequestResult{}, pkgerrors.New(pkgerrors.CodeValidation, "contract limits must be positive")
	}
	if req.ExpiresAt.IsZero() {
		return ContractRequestResult{}, pkgerrors.New(pkgerrors.CodeValidation, "contract expiry is required")
	}

	body := contractRequestBody{
		MerchantID:      c.merchantID,
		Mobile:          req.Mobile,
		SSN:             req.SSN,
		ExpireAt:        req.ExpiresAt.UTC().Format(contractExpiryLayout),
		MaxDailyCount:   req.MaxDailyCount,
		MaxMonthlyCount: req.MaxMonthlyCount,
		MaxAmount:       req.MaxAmount,
		CallbackURL:     req.CallbackURL,
	}
	var data contractRequestData
	code, message, err := c.call(ctx, "contract_request", http.MethodPost, pathContractRequest, body, false, &data)
	if err != nil {
		return ContractRequestResult{}, err
	}
	if code != codeSuccess {
		return ContractRequestResult{}, codeErrorOrUnknown("contract_request", code, message)
	}
	if data.Authority == "" {
		return ContractRequestResult{}, pkgerrors.New(pkgerrors.CodeGatewayUnavailable, "gateway returned an empty contract authority")
	}

	banks, err := c.ListBanks(ctx)
	if err != nil {
		return ContractRequestResult{}, err
	}
	return ContractRequestResult{Authority: data.Authority, Banks: banks}, nil
}

// ListBanks returns the issuers that can sign a contract.
func (c *Client) ListBanks(ctx context.Context) ([]Bank, error) {
	var data bankListData
	code, message, err := c.call(ctx, "bank_list", http.MethodGet, pathBankList, nil, false, &data)
	if err != nil {
		return nil, err
	}
	if code != codeSuccess {
		return nil, codeErrorOrUnknown("bank_list", code, message)
	}
	return data.Banks, nil
}

type contractSignBody struct {
	MerchantID string `json:"merchant_id"`
	Authority  string `json:"payman_authority"`
}

type contractSignData struct {
	Signature string `json:"signature"`
}

// VerifyContractSignature exchanges a signed authority for the long-lived contract signature.
func (c *Client) VerifyContractSignature(ctx context.Context, authority string) (string, error) {
	if strings.TrimSpace(authority) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "authority is required")
	}
	var data contractSignData
	code, message, err := c.call(ctx, "contract_signature", http.MethodPost, pathContractSign,
		contractSignBody{MerchantID: c.merchantID, Authority: authority}, false, &data)
	if err != nil {
		return "", err
	}
	if code != codeSuccess {
		return "", codeErrorOrUnknown("contract_signature", code, message)
	}
	if data.Signature == "" {
		return "", pkgerrors.New(pkgerrors.CodePaymentRequired, "gateway returned an empty signature").
			WithDetails(map[string]any{"operation": "contract_signature", "provider_code": code})
	}
	return data.Signature, nil
}

// ChargeResult is the outcome of a direct-debit charge.
type ChargeResult struct {
	Succeeded   bool
	ReferenceID string
	Code        int
	Message     string
}

type contractChargeBody struct {
	Authority string `json:"authority"`
	Signature string `json:"signature"`
}

type contractChargeData struct {
	RefID referenceID `json:"reference_id"`
}

// ExecuteContractCharge debits the payment authority against a signed contract.
func (c *Client) ExecuteContractCharge(ctx context.Context, authority, signature string) (ChargeResult, error) {
	if strings.TrimSpace(authority) == "" || strings.TrimSpace(signature) == "" {
		return ChargeResult{}, pkgerrors.New(pkgerrors.CodeValidation, "authority and signature are required")
	}
	var data contractChargeData
	code, message, err := c.call(ctx, "contract_charge", http.MethodPost, pathContractCheckout,
		contractChargeBody{Authority: authority, Signature: signature}, true, &data)
	if err != nil {
		return ChargeResult{}, err
	}
	if !Classify(code).Succeeded() {
		return ChargeResult{Code: code, Message: message}, codeErrorOrUnknown("contract_charge", code, message)
	}
	return ChargeResult{Succeeded: true, ReferenceID: string(data.RefID), Code: code, Message: message}, nil
}

type contractCancelBody struct {
	Signature string `json:"signature"`
}

// CancelContract revokes a signed contract at the provider.
func (c *Client) CancelContract(ctx context.Context, signature string) error {
	if strings.TrimSpace(signature) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "signature is required")
	}
	code, message, err := c.call(ctx, "contract_cancel", http.MethodPost, pathContractCancel,
		contractCancelBody{Signature: signature}, true, nil)
	if err != nil {
		return err
	}
	if code != codeSuccess {
		return codeErrorOrUnknown("contract_cancel", code, message)
	}
	return nil
}
