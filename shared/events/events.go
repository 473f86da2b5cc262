package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an alert or dispatch event exported to Kafka or Redis.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Source     string          `json:"source"`
	DeviceID   string          `json:"device_number,omitempty"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
}

func NewEnvelope(source string, eventType string, deviceNumber string, occurredAt time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:    uuid.New(),
		OccurredAt: occurredAt.UTC(),
		Source:     source,
		DeviceID:   deviceNumber,
		EventType:  eventType,
		Payload:    raw,
	}, nil
}

// Event stream names pushed to subscribers.
const (
	InitialData       = "initial:data"
	DevicesUpdate     = "devices:update"
	PositionsUpdate   = "positions:update"
	ActivityNew       = "activity:new"
	AlertNew          = "alert:new"
	AlertDismissed    = "alert:dismissed"
	AlertsCleared     = "alerts:cleared"
	FleetStats        = "fleet:stats"
	TachographsUpdate = "tachographs:update"
	DeviceTasks       = "device:tasks"
	DevicePosition    = "device:position"
	TaskCreated       = "task:created"
	MessageSent       = "message:sent"
	TasksDeleted      = "tasks:deleted"
	Error             = "error"
)

// Control messages sent by subscribers.
const (
	SubscribeDevice   = "subscribe:device"
	UnsubscribeDevice = "unsubscribe:device"
)

// Default export destinations.
const (
	TopicAlerts   = "dispatch.alerts"
	ChannelAlerts = "dispatch.alerts"
)
