package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published on the server event stream.
type EventType string

const (
	EventCallStarted     EventType = "call.started"
	EventCallEnded       EventType = "call.ended"
	EventCallError       EventType = "call.error"
	EventMediaInitFailed EventType = "media.init_failed"
	EventPreflightFailed EventType = "preflight.failed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	CallID    string          `json:"call_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with payload marshaled to JSON.
// A payload that fails to marshal is dropped.
func NewEvent(eventType EventType, callID string, payload any) Event {
	ev := Event{Type: eventType, Timestamp: time.Now().UTC(), CallID: callID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for server events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// ControlMessageType names a control-plane message.
type ControlMessageType string

// Outbound control-plane message types.
const (
	MsgCallInitiated ControlMessageType = "call_initiated"
	MsgCallStarted   ControlMessageType = "call_started"
	MsgCallRinging   ControlMessageType = "call_ringing"
	MsgCallConnected ControlMessageType = "call_connected"
	MsgCallEnded     ControlMessageType = "call_ended"
	MsgTranscript    ControlMessageType = "transcript"
	MsgSpeechStarted ControlMessageType = "speech_started"
	MsgSpeechDone    ControlMessageType = "speech_done"
	MsgSpeakQueued   ControlMessageType = "speak_queued"
	MsgHangupOK      ControlMessageType = "hangup_ok"
	MsgError         ControlMessageType = "error"
)

// ControlMessage is a notification sent to control-plane clients.
type ControlMessage struct {
	Type      ControlMessageType `json:"type"`
	RequestID string             `json:"requestId,omitempty"`
	CallID    string             `json:"callId,omitempty"`
	Status    CallStatus         `json:"status,omitempty"`
	State     *CallState         `json:"state,omitempty"`
	Text      string             `json:"text,omitempty"`
	Final     bool               `json:"final,omitempty"`
	Error     string             `json:"error,omitempty"`
	Code      ErrorCode          `json:"code,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ErrorMessage builds an error ControlMessage from err.
func ErrorMessage(callID string, err error) ControlMessage {
	return ControlMessage{
		Type:      MsgError,
		CallID:    callID,
		Error:     err.Error(),
		Code:      ErrorCodeOf(err),
		Timestamp: time.Now().UTC(),
	}
}

// SessionEventKind distinguishes session stream events.
type SessionEventKind string

const (
	// SessionEventMessage carries a control-visible notification.
	SessionEventMessage SessionEventKind = "message"
	// SessionEventEnded is emitted exactly once, as the final event.
	SessionEventEnded SessionEventKind = "ended"
)

// SessionEvent is one item of a call session's event stream.
type SessionEvent struct {
	Kind    SessionEventKind
	Message ControlMessage
	State   CallState // final state, set on SessionEventEnded
}
