package enums

import (
	"fmt"
	"time"
)

// BillingPeriod defines how often a product renews.
type BillingPeriod string

const (
	BillingPeriodMonthly BillingPeriod = "monthly"
	BillingPeriodYearly  BillingPeriod = "yearly"
	BillingPeriodOneTime BillingPeriod = "one_time"
)

var validBillingPeriods = []BillingPeriod{
	BillingPeriodMonthly,
	BillingPeriodYearly,
	BillingPeriodOneTime,
}

// String implements fmt.Stringer.
func (p BillingPeriod) String() string {
	return string(p)
}

// IsValid reports whether the value is known.
func (p BillingPeriod) IsValid() bool {
	for _, candidate := range validBillingPeriods {
		if candidate == p {
			return true
		}
	}
	return false
}

// IsRecurring reports whether the period produces a next billing date.
func (p BillingPeriod) IsRecurring() bool {
	return p == BillingPeriodMonthly || p == BillingPeriodYearly
}

// Length returns the fixed period length. One-time products have none.
func (p BillingPeriod) Length() (time.Duration, bool) {
	switch p {
	case BillingPeriodMonthly:
		return 30 * 24 * time.Hour, true
	case BillingPeriodYearly:
		return 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// ParseBillingPeriod converts raw input into a BillingPeriod.
func ParseBillingPeriod(value string) (BillingPeriod, error) {
	for _, candidate := range validBillingPeriods {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid billing period %q", value)
}
