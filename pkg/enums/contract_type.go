package enums

import "fmt"

// ContractType distinguishes an unsigned contract from a signed direct-debit one.
type ContractType string

const (
	ContractTypePending     ContractType = "pending"
	ContractTypeDirectDebit ContractType = "direct_debit"
)

var validContractTypes = []ContractType{
	ContractTypePending,
	ContractTypeDirectDebit,
}

// String implements fmt.Stringer.
func (t ContractType) String() string {
	return string(t)
}

// IsValid reports whether the value is known.
func (t ContractType) IsValid() bool {
	for _, candidate := range validContractTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseContractType converts raw input into a ContractType.
func ParseContractType(value string) (ContractType, error) {
	for _, candidate := range validContractTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid contract type %q", value)
}
