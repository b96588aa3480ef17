package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DispatchDeadLetter records an outbound delivery that will not be retried.
type DispatchDeadLetter struct {
	ID         uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EndpointID string          `gorm:"column:endpoint_id;not null"`
	EventID    string          `gorm:"column:event_id;not null"`
	EventType  string          `gorm:"column:event_type;not null"`
	Attempts   int             `gorm:"column:attempts;not null"`
	LastStatus *int            `gorm:"column:last_status"`
	LastError  string          `gorm:"column:last_error;not null"`
	Payload    json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	FailedAt   time.Time       `gorm:"column:failed_at;autoCreateTime"`
}
