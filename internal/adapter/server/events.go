package server

import (
	"context"
	"encoding/json"
	"time"

	"callbridge/internal/domain"
)

// failure is the payload of EventMediaInitFailed and EventCallError.
type failure struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

// subscribe wires the server event stream: media failures are broadcast to
// control clients and ended calls are written to history.
func (s *Server) subscribe() {
	s.unsubs = append(s.unsubs,
		s.bus.Subscribe(domain.EventMediaInitFailed, s.onMediaInitFailed),
		s.bus.Subscribe(domain.EventCallEnded, s.onCallEnded),
		s.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
			s.logger.Debug("server event", "type", ev.Type, "call_id", ev.CallID)
		}),
	)
}

func (s *Server) onMediaInitFailed(_ context.Context, ev domain.Event) {
	var p failure
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		s.logger.Warn("undecodable media failure event", "error", err)
		return
	}
	s.broadcast(domain.ControlMessage{
		Type:      domain.MsgError,
		CallID:    ev.CallID,
		Error:     p.Error,
		Code:      p.Code,
		Timestamp: ev.Timestamp,
	})
}

func (s *Server) onCallEnded(ctx context.Context, ev domain.Event) {
	if s.history == nil {
		return
	}
	var state domain.CallState
	if err := json.Unmarshal(ev.Payload, &state); err != nil {
		s.logger.Warn("undecodable call ended event", "call_id", ev.CallID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.history.Record(ctx, state); err != nil {
		s.logger.Error("record call history failed", "call_id", ev.CallID, "error", err)
	}
}
