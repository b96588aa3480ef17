package gateway

import (
	"fmt"

	pkgerrors "github.com/angelmondragon/billing-backend/pkg/errors"
)

// Outcome classifies a provider result code.
type Outcome string

const (
	OutcomeSuccess                   Outcome = "success"
	OutcomeAlreadyVerified           Outcome = "already_verified"
	OutcomeAmountTooLow              Outcome = "amount_too_low"
	OutcomeInsufficientAuthorization Outcome = "insufficient_authorization"
	OutcomeMisconfigured             Outcome = "misconfigured"
	OutcomeDeclined                  Outcome = "declined"
	OutcomeUnknown                   Outcome = "unknown"
)

const (
	codeSuccess         = 100
	codeAlreadyVerified = 101
)

var outcomeByCode = map[int]Outcome{
	codeSuccess:         OutcomeSuccess,
	codeAlreadyVerified: OutcomeAlreadyVerified,
	-9:                  OutcomeAmountTooLow,
	-10:                 OutcomeMisconfigured,
	-11:                 OutcomeMisconfigured,
	-15:                 OutcomeMisconfigured,
	-16:                 OutcomeMisconfigured,
	-80:                 OutcomeInsufficientAuthorization,
	-81:                 OutcomeInsufficientAuthorization,
	-85:                 OutcomeInsufficientAuthorization,
	-50:                 OutcomeDeclined,
	-51:                 OutcomeDeclined,
	-52:                 OutcomeDeclined,
	-53:                 OutcomeDeclined,
	-54:                 OutcomeDeclined,
}

// Classify maps a provider code onto an Outcome.
func Classify(code int) Outcome {
	if outcome, ok := outcomeByCode[code]; ok {
		return outcome
	}
	return OutcomeUnknown
}

// Succeeded reports whether the outcome settles the operation.
func (o Outcome) Succeeded() bool {
	return o == OutcomeSuccess || o == OutcomeAlreadyVerified
}

// codeError turns a non-successful provider code into the local error taxonomy.
func codeError(op string, code int, message string) error {
	outcome := Classify(code)
	details := map[string]any{
		"operation":        op,
		"provider_code":    code,
		"provider_message": message,
	}

	switch outcome {
	case OutcomeSuccess, OutcomeAlreadyVerified:
		return nil
	case OutcomeAmountTooLow:
		return pkgerrors.New(pkgerrors.CodeValidation, "amount is below the gateway minimum").WithDetails(details)
	case OutcomeMisconfigured:
		return pkgerrors.New(pkgerrors.CodeGatewayAuth, fmt.Sprintf("gateway rejected merchant credentials (%d)", code)).WithDetails(details)
	case OutcomeInsufficientAuthorization:
		details["reason"] = string(OutcomeInsufficientAuthorization)
		return pkgerrors.New(pkgerrors.CodePaymentDeclined, "contract does not authorize this charge").WithDetails(details)
	case OutcomeDeclined:
		return pkgerrors.New(pkgerrors.CodePaymentDeclined, "payment declined by gateway").WithDetails(details)
	default:
		return pkgerrors.New(pkgerrors.CodePaymentRequired, "unexpected gateway response").WithDetails(details)
	}
}
