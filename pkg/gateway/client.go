// Package gateway wraps the payment gateway REST API: one-off payments and direct-debit contracts.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/billing-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

const (
	pathPaymentRequest   = "/pg/v4/payment/request.json"
	pathPaymentVerify    = "/pg/v4/payment/verify.json"
	pathContractRequest  = "/pg/v4/payman/request.json"
	pathBankList         = "/pg/v4/payman/banksList.json"
	pathContractSign     = "/pg/v4/payman/signature.json"
	pathContractCheckout = "/pg/v4/payman/checkout.json"
	pathContractCancel   = "/pg/v4/payman/cancelContract.json"

	maxResponseBytes = 1 << 20
)

var (
	errMerchantRequired = errors.New("gateway merchant id is required")
	errBaseURLRequired  = errors.New("gateway base url is required")
	errLoggerRequired   = errors.New("gateway logger is required")
)

// CallObserver records per-operation call outcomes.
type CallObserver interface {
	ObserveCall(operation, outcome string, duration time.Duration)
}

// Client talks to the gateway. One-off payment calls authenticate with the merchant id in the
// body; contract charge and cancel calls use the bearer access token.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	startPayURL string
	signingURL  string
	merchantID  string
	accessToken string
	logger      *logger.Logger
	observer    CallObserver
}

// ClientParams wires the gateway client.
type ClientParams struct {
	Config     config.GatewayConfig
	Logger     *logger.Logger
	Observer   CallObserver
	HTTPClient *http.Client
}

func NewClient(params ClientParams) (*Client, error) {
	if params.Logger == nil {
		return nil, errLoggerRequired
	}
	cfg := params.Config
	merchantID := strings.TrimSpace(cfg.MerchantID)
	if merchantID == "" {
		return nil, errMerchantRequired
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}

	httpClient := params.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		startPayURL: cfg.StartPayURL,
		signingURL:  cfg.SigningURLTemplate,
		merchantID:  merchantID,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		logger:      params.Logger,
		observer:    params.Observer,
	}, nil
}

// RedirectURL is where the payer completes a one-off payment.
func (c *Client) RedirectURL(authority string) string {
	return c.startPayURL + authority
}

// SigningURLTemplate carries a {bank_code} placeholder the client fills after picking a bank.
func (c *Client) SigningURLTemplate(authority string) string {
	return strings.ReplaceAll(c.signingURL, "{authority}", authority)
}

// envelope is the provider's response shape. Either side may be an empty JSON array.
type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

type providerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type resultHeader struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// call posts body to path and decodes the data object into out. It returns the provider code.
// A provider error object yields its code with a nil error so callers can classify it.
func (c *Client) call(ctx context.Context, op, method, path string, body any, bearer bool, out any) (code int, message string, err error) {
	started := time.Now()
	outcome := "error"
	defer func() {
		if c.observer != nil {
			c.observer.ObserveCall(op, outcome, time.Since(started))
		}
	}()

	var reader io.Reader
	if body != nil {
		payload, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return 0, "", pkgerrors.Wrap(pkgerrors.CodeInternal, marshalErr, "encode gateway request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build gateway request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer {
		if c.accessToken == "" {
			outcome = string(OutcomeMisconfigured)
			return 0, "", pkgerrors.New(pkgerrors.CodeGatewayAuth, "gateway access token is not configured")
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		outcome = "unavailable"
		logCtx := c.logger.WithFields(ctx, map[string]any{"gateway_op": op})
		c.logger.Warn(logCtx, "gateway.unavailable")
		return 0, "", pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, fmt.Sprintf("gateway %s failed", op))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		outcome = "unavailable"
		return 0, "", pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, fmt.Sprintf("read gateway %s response", op))
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		outcome = "unavailable"
		return 0, "", pkgerrors.New(pkgerrors.CodeGatewayUnavailable, fmt.Sprintf("gateway %s returned status %d", op, resp.StatusCode))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		outcome = string(OutcomeMisconfigured)
		return 0, "", pkgerrors.New(pkgerrors.CodeGatewayAuth, fmt.Sprintf("gateway %s rejected credentials", op))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		outcome = "malformed"
		return 0, "", pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, fmt.Sprintf("decode gateway %s response", op))
	}

	if isObject(env.Errors) {
		var perr providerError
		if err := json.Unmarshal(env.Errors, &perr); err != nil {
			outcome = "malformed"
			return 0, "", pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, fmt.Sprintf("decode gateway %s error", op))
		}
		outcome = string(Classify(perr.Code))
		return perr.Code, perr.Message, nil
	}
	if !isObject(env.Data) {
		outcome = "malformed"
		return 0, "", pkgerrors.New(pkgerrors.CodeGatewayUnavailable, fmt.Sprintf("gateway %s returned no data", op))
	}

	var header resultHeader
	if err := json.Unmarshal(env.Data, &header); err != nil {
		outcome = "malformed"
		return 0, "", pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, fmt.Sprintf("decode gateway %s result", op))
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			outcome = "malformed"
			return 0, "", pkgerrors.Wrap(pkgerrors.CodeGatewayUnavailable, err, fmt.Sprintf("decode gateway %s result", op))
		}
	}
	outcome = string(Classify(header.Code))
	return header.Code, header.Message, nil
}
