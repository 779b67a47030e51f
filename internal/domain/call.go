package domain

import "time"

// CallStatus is the lifecycle position of one call.
type CallStatus string

const (
	CallStatusCreated   CallStatus = "created"
	CallStatusPlacing   CallStatus = "placing"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
)

// callStatusOrder defines the forward ordering of non-terminal statuses.
var callStatusOrder = map[CallStatus]int{
	CallStatusCreated:   0,
	CallStatusPlacing:   1,
	CallStatusRinging:   2,
	CallStatusConnected: 3,
}

// IsTerminal returns true once the call has ended.
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusEnded
}

// CanTransitionTo reports whether next is a legal move from s.
// Non-terminal statuses only move forward; any non-terminal status may end.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	cur, ok1 := callStatusOrder[s]
	nxt, ok2 := callStatusOrder[next]
	if !ok1 || !ok2 {
		return false
	}
	return nxt > cur
}

// EndReason records why a call reached CallStatusEnded.
type EndReason string

const (
	EndReasonCompleted  EndReason = "completed"
	EndReasonHangup     EndReason = "hangup"
	EndReasonFailed     EndReason = "failed"
	EndReasonBusy       EndReason = "busy"
	EndReasonNoAnswer   EndReason = "no-answer"
	EndReasonCanceled   EndReason = "canceled"
	EndReasonMediaError EndReason = "media-error"
	EndReasonTimeout    EndReason = "timeout"
)

// IsFailure reports whether the reason belongs to the failure path
// (the call never became interactive through a normal hangup).
func (r EndReason) IsFailure() bool {
	switch r {
	case EndReasonFailed, EndReasonBusy, EndReasonNoAnswer, EndReasonCanceled, EndReasonMediaError:
		return true
	}
	return false
}

// ProviderStatus maps a telephony status-callback value onto the state
// machine. ok is false for values that never move a call on their own:
// "queued", "initiated", and "in-progress"/"answered", since only the media
// attach marks a call connected.
func ProviderStatus(raw string) (status CallStatus, reason EndReason, ok bool) {
	switch raw {
	case "ringing":
		return CallStatusRinging, "", true
	case "completed":
		return CallStatusEnded, EndReasonCompleted, true
	case "busy", "failed", "no-answer", "canceled":
		return CallStatusEnded, EndReason(raw), true
	}
	return "", "", false
}

// CallState is a point-in-time snapshot of a call session.
type CallState struct {
	CallID      string     `json:"callId"`
	CallSid     string     `json:"callSid,omitempty"`
	StreamSid   string     `json:"streamSid,omitempty"`
	PhoneNumber string     `json:"phoneNumber"`
	Goal        string     `json:"goal"`
	Context     string     `json:"context,omitempty"`
	Status      CallStatus `json:"status"`
	EndReason   EndReason  `json:"endReason,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
