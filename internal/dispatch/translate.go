package dispatch

import (
	"maps"

	"github.com/angelmondragon/billing-backend/pkg/config"
)

// translate builds the copy of event an endpoint receives. The canonical event is left untouched.
func translate(event Event, endpoint config.DispatchEndpoint, cp *Counterparty) Event {
	customer := event.subject.String()
	if endpoint.UsesVirtualCounterparty() {
		customer = cp.ID(endpoint.ID, event.subject)
	}

	out := event
	out.Metadata = maps.Clone(event.Metadata)
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	out.Metadata["endpoint_id"] = endpoint.ID
	out.Metadata["correlation_id"] = event.ID

	switch obj := event.Data.Object.(type) {
	case PaymentIntent:
		obj.Customer = customer
		obj.Metadata = maps.Clone(obj.Metadata)
		if obj.LastPaymentError != nil {
			perr := *obj.LastPaymentError
			obj.LastPaymentError = &perr
		}
		out.Data = EventData{Object: obj}
	case Subscription:
		obj.Customer = customer
		obj.Metadata = maps.Clone(obj.Metadata)
		out.Data = EventData{Object: obj}
	}
	return out
}
