package enums

import "fmt"

// EffectiveMode selects when a plan change is billed.
type EffectiveMode string

const (
	EffectiveModeImmediate EffectiveMode = "immediate"
	EffectiveModeNextCycle EffectiveMode = "next_cycle"
)

var validEffectiveModes = []EffectiveMode{
	EffectiveModeImmediate,
	EffectiveModeNextCycle,
}

// String implements fmt.Stringer.
func (m EffectiveMode) String() string {
	return string(m)
}

// IsValid reports whether the value is known.
func (m EffectiveMode) IsValid() bool {
	for _, candidate := range validEffectiveModes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseEffectiveMode converts raw input into an EffectiveMode. Empty input means immediate.
func ParseEffectiveMode(value string) (EffectiveMode, error) {
	if value == "" {
		return EffectiveModeImmediate, nil
	}
	for _, candidate := range validEffectiveModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid effective mode %q", value)
}
