package enums

import "fmt"

// OutboxAggregateType names the entity an outbox row describes.
type OutboxAggregateType string

const (
	AggregateBillingEvent OutboxAggregateType = "billing_event"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateBillingEvent,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType is the event type published to the billing stream.
type OutboxEventType string

const (
	EventBillingEventRecorded OutboxEventType = "billing_event_recorded"
)

var validOutboxEventTypes = []OutboxEventType{
	EventBillingEventRecorded,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
