package enums

import "fmt"

// ContractStatus is the lifecycle state of a direct-debit contract.
// Expired is never stored; it is derived from the expiry at read time.
type ContractStatus string

const (
	ContractStatusPendingSignature   ContractStatus = "pending_signature"
	ContractStatusActive             ContractStatus = "active"
	ContractStatusExpired            ContractStatus = "expired"
	ContractStatusCancelledByUser    ContractStatus = "cancelled_by_user"
	ContractStatusVerificationFailed ContractStatus = "verification_failed"
)

var validContractStatuses = []ContractStatus{
	ContractStatusPendingSignature,
	ContractStatusActive,
	ContractStatusExpired,
	ContractStatusCancelledByUser,
	ContractStatusVerificationFailed,
}

// contractTransitions lists the stored transitions. active -> expired is derived, not written.
var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractStatusPendingSignature: {
		ContractStatusActive,
		ContractStatusVerificationFailed,
		ContractStatusCancelledByUser,
	},
	ContractStatusActive: {
		ContractStatusCancelledByUser,
	},
}

// String implements fmt.Stringer.
func (s ContractStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s ContractStatus) IsValid() bool {
	for _, candidate := range validContractStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether a stored contract may move from s to next.
func (s ContractStatus) CanTransitionTo(next ContractStatus) bool {
	for _, candidate := range contractTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParseContractStatus converts raw input into a ContractStatus.
func ParseContractStatus(value string) (ContractStatus, error) {
	for _, candidate := range validContractStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid contract status %q", value)
}
