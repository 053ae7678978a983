package types

import "time"

// EventType names an event on the gateway event stream
type EventType string

const (
	EventPrice                 EventType = "price"
	EventPosition              EventType = "position"
	EventOrder                 EventType = "order"
	EventExecution             EventType = "execution"
	EventBalance               EventType = "balance"
	EventStatusChanged         EventType = "statusChanged"
	EventWSReconnecting        EventType = "wsReconnecting"
	EventWSReconnected         EventType = "wsReconnected"
	EventWSMaxReconnectReached EventType = "wsMaxReconnectReached"
	EventWSStale               EventType = "wsStale"
)

// Event is one typed message on the event stream.
// Payload is one of MarketEntry, Position, Order, Execution, Balance, StatusChange or StreamSignal.
type Event struct {
	Type      EventType   `json:"type"`
	Venue     string      `json:"venue"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// StatusChange is the payload of a statusChanged event
type StatusChange struct {
	Previous VenueStatus   `json:"previous"`
	Current  VenueStatus   `json:"current"`
	Latency  time.Duration `json:"latency"`
	Reason   string        `json:"reason,omitempty"`
}

// StreamSignal is the payload of websocket lifecycle events
type StreamSignal struct {
	Stream  string        `json:"stream"`
	State   StreamState   `json:"state"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// NewEvent builds an event stamped with the current time
func NewEvent(eventType EventType, venue string, payload interface{}) Event {
	return Event{
		Type:      eventType,
		Venue:     venue,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
