package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"callbridge/internal/adapter/twilio"
	"callbridge/internal/domain"
	"callbridge/internal/usecase/call"
)

// Media-stream close codes.
const (
	closeBadHandshake     = 4400
	closeUnknownCall      = 4404
	closeHandshakeTimeout = 4408
	closeInitFailed       = 4500
)

// handleMedia accepts a Twilio media stream. The connection is pending,
// keyed by a fresh UUID, until its start event names a call; it is then
// handed to that call's session for the rest of its life.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns()})
	if err != nil {
		s.logger.Warn("media accept failed", "error", err)
		return
	}
	stream := twilio.NewStream(ws)

	key := uuid.NewString()
	s.pending.Store(key, stream)
	log := s.logger.With("conn_id", key)
	log.Debug("media stream pending", "path", r.URL.Path)

	timeout := s.cfg.Server.MediaHandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.AfterFunc(timeout, func() {
		stream.Close(closeHandshakeTimeout, "handshake timeout")
	})
	start, err := stream.Handshake(context.Background())
	expired := !timer.Stop()
	s.pending.Delete(key)

	switch {
	case expired:
		log.Warn("media handshake timed out", "timeout", timeout)
		s.metrics.MediaRejected(closeHandshakeTimeout)
		return
	case errors.Is(err, twilio.ErrBadHandshake):
		log.Warn("media handshake rejected", "error", err)
		s.reject(stream, closeBadHandshake, "expected start event with callId")
		return
	case err != nil:
		log.Debug("media stream closed before start", "error", err)
		return
	}

	log = log.With("call_id", start.CallID, "stream_sid", start.StreamSid)
	sess, ok := s.table.Get(start.CallID)
	if !ok {
		log.Warn("media stream for unknown call")
		s.reject(stream, closeUnknownCall, "unknown call")
		return
	}

	if err := sess.InitializeMediaStream(r.Context(), stream, start); err != nil {
		log.Error("media initialization failed", "error", err)
		s.reject(stream, closeInitFailed, "initialization failed")
		if !errors.Is(err, domain.ErrAlreadyAttached) {
			s.failMedia(sess, err)
		}
		return
	}
	log.Info("media stream attached")

	// The session owns the connection now; hold the handler until the call ends.
	<-sess.Done()
}

func (s *Server) reject(stream *twilio.Stream, code int, reason string) {
	s.metrics.MediaRejected(code)
	stream.Close(code, reason)
}

// failMedia ends a call whose bridge could not start and reports the
// failure on the server event stream.
func (s *Server) failMedia(sess *call.Session, cause error) {
	ctx := s.baseCtx
	if err := sess.Terminate(ctx, domain.EndReasonMediaError); err != nil {
		s.logger.Warn("hangup after media failure failed", "call_id", sess.ID(), "error", err)
	}
	s.table.Remove(sess.ID())
	s.metrics.SetActiveCalls(s.table.Len())
	s.bus.Publish(ctx, domain.NewEvent(domain.EventMediaInitFailed, sess.ID(), failure{
		Error: cause.Error(),
		Code:  domain.ErrorCodeOf(cause),
	}))
}
