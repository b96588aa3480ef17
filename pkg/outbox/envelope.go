package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is the envelope version written by Emit.
const CurrentVersion = 1

// ActorRef identifies the user the event concerns.
type ActorRef struct {
	UserID uuid.UUID `json:"userId"`
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a stored payload and rejects envelopes the publisher cannot route.
func DecodeEnvelope(payload json.RawMessage) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return PayloadEnvelope{}, fmt.Errorf("decode outbox envelope: %w", err)
	}
	if env.Version != CurrentVersion {
		return PayloadEnvelope{}, fmt.Errorf("unsupported outbox envelope version %d", env.Version)
	}
	if env.EventID == "" {
		return PayloadEnvelope{}, errors.New("outbox envelope missing event id")
	}
	if len(env.Data) == 0 {
		return PayloadEnvelope{}, errors.New("outbox envelope missing data")
	}
	return env, nil
}
