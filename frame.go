package displaycore

import (
	"bytes"
	"encoding/json"
	"time"
)

// Event types carried on the push channel.
const (
	// EventMessage is the catch-all type for frames without an explicit type.
	EventMessage = "message"

	EventEmergencyAlert = "EMERGENCY_ALERT"
	EventOrientation    = "SCREEN_ORIENTATION"
	EventRemoteCommand  = "REMOTE_COMMAND"
	EventContentUpdated = "CONTENT_UPDATED"
	EventCommandAck     = "COMMAND_ACK"
)

// Frame is a decoded push-channel frame: either a TypedFrame or an UntypedFrame.
type Frame interface {
	frame()
}

// TypedFrame was tagged with an explicit event type by the transport.
type TypedFrame struct {
	EventType string
	Body      json.RawMessage
}

// UntypedFrame arrived without a type. Inferred holds the type/eventType
// discriminator found in its JSON body, or "" if there was none.
type UntypedFrame struct {
	Body     json.RawMessage
	Inferred string
}

func (TypedFrame) frame()   {}
func (UntypedFrame) frame() {}

// DecodeFrame classifies a raw frame at the transport boundary.
func DecodeFrame(eventType string, data []byte) Frame {
	body := json.RawMessage(bytes.TrimSpace(data))
	if eventType != "" && eventType != EventMessage {
		return TypedFrame{EventType: eventType, Body: body}
	}
	return UntypedFrame{Body: body, Inferred: inferEventType(body)}
}

func inferEventType(body []byte) string {
	var probe struct {
		Type      string `json:"type"`
		EventType string `json:"eventType"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return ""
	}
	if probe.Type != "" {
		return probe.Type
	}
	return probe.EventType
}

// Event is what registered handlers receive.
type Event struct {
	Type       string
	Data       json.RawMessage
	Untyped    bool
	ReceivedAt time.Time
}

// Payload returns the event body with a {"data": ...} or {"payload": ...}
// wrapper removed, if present.
func (e Event) Payload() json.RawMessage {
	var wrapper struct {
		Data    json.RawMessage `json:"data"`
		Payload json.RawMessage `json:"payload"`
	}
	if json.Unmarshal(e.Data, &wrapper) == nil {
		if isJSONObject(wrapper.Data) {
			return wrapper.Data
		}
		if isJSONObject(wrapper.Payload) {
			return wrapper.Payload
		}
	}
	return e.Data
}

// Decode unmarshals the unwrapped payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload(), v)
}

func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// HandlerFunc handles one push-channel event.
type HandlerFunc func(Event)
