package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"callbridge/internal/domain"
)

const (
	controlSendQueue    = 64
	controlWriteTimeout = 5 * time.Second
	controlReadLimit    = 64 * 1024
)

// Inbound control-plane message types.
const (
	reqInitiateCall = "initiate_call"
	reqSpeak        = "speak"
	reqHangup       = "hangup"
)

// controlRequest is any inbound control-plane message.
type controlRequest struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId,omitempty"`
	CallID      string `json:"callId,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Goal        string `json:"goal,omitempty"`
	Context     string `json:"context,omitempty"`
	Text        string `json:"text,omitempty"`
}

// controlClient tracks one /control websocket.
type controlClient struct {
	id        uint64
	ws        *websocket.Conn
	sendCh    chan domain.ControlMessage // buffered outbound queue
	done      chan struct{}
	flushed   chan struct{} // closed when the write loop exits
	closeOnce sync.Once
}

// close stops accepting messages, lets the write loop flush what is
// already queued, then closes the websocket with code.
func (cc *controlClient) close(code websocket.StatusCode, reason string) {
	cc.closeOnce.Do(func() {
		close(cc.done)
		<-cc.flushed
		cc.ws.Close(code, reason)
	})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns()})
	if err != nil {
		s.logger.Warn("control accept failed", "error", err)
		return
	}
	ws.SetReadLimit(controlReadLimit)

	cc := &controlClient{
		id:      s.nextClient.Add(1),
		ws:      ws,
		sendCh:  make(chan domain.ControlMessage, controlSendQueue),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	s.clients.Store(cc.id, cc)
	s.clientCount.Add(1)
	s.metrics.ControlClientConnected()
	s.logger.Info("control client connected", "client_id", cc.id)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	s.clients.Delete(cc.id)
	s.clientCount.Add(-1)
	s.metrics.ControlClientDisconnected()
	cc.close(websocket.StatusNormalClosure, "")
	s.logger.Info("control client disconnected", "client_id", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *controlClient) {
	for {
		typ, data, err := cc.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			s.reply(cc, "", malformed("binary messages are not accepted"))
			continue
		}
		var req controlRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(cc, "", malformed("invalid JSON: "+err.Error()))
			continue
		}
		go s.dispatch(ctx, cc, req)
	}
}

func (s *Server) writeLoop(cc *controlClient) {
	defer close(cc.flushed)
	for {
		select {
		case msg := <-cc.sendCh:
			if !s.write(cc, msg) {
				return
			}
		case <-cc.done:
			for {
				select {
				case msg := <-cc.sendCh:
					if !s.write(cc, msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Server) write(cc *controlClient, msg domain.ControlMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), controlWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, cc.ws, msg); err != nil {
		s.logger.Debug("control write failed", "client_id", cc.id, "error", err)
		return false
	}
	return true
}

func (s *Server) dispatch(ctx context.Context, cc *controlClient, req controlRequest) {
	switch req.Type {
	case reqInitiateCall:
		callID, err := s.InitiateCall(ctx, req.PhoneNumber, req.Goal, req.Context)
		if err != nil {
			s.reply(cc, req.RequestID, err)
			return
		}
		s.send(cc, domain.ControlMessage{
			Type:      domain.MsgCallInitiated,
			RequestID: req.RequestID,
			CallID:    callID,
			Timestamp: time.Now().UTC(),
		})

	case reqSpeak:
		sess, err := s.table.Lookup(req.CallID)
		if err == nil {
			err = sess.Speak(ctx, req.Text)
		}
		if err != nil {
			s.reply(cc, req.RequestID, err)
			return
		}
		s.send(cc, domain.ControlMessage{
			Type:      domain.MsgSpeakQueued,
			RequestID: req.RequestID,
			CallID:    req.CallID,
			Text:      req.Text,
			Timestamp: time.Now().UTC(),
		})

	case reqHangup:
		sess, err := s.table.Lookup(req.CallID)
		if err == nil {
			err = sess.Hangup(ctx)
		}
		if err != nil {
			s.reply(cc, req.RequestID, err)
			return
		}
		s.send(cc, domain.ControlMessage{
			Type:      domain.MsgHangupOK,
			RequestID: req.RequestID,
			CallID:    req.CallID,
			Timestamp: time.Now().UTC(),
		})

	case "":
		s.reply(cc, req.RequestID, malformed("missing type"))
	default:
		s.reply(cc, req.RequestID, malformed("unknown type "+req.Type))
	}
}

// reply sends an error to the requesting client only.
func (s *Server) reply(cc *controlClient, requestID string, err error) {
	msg := domain.ErrorMessage("", err)
	msg.RequestID = requestID
	s.send(cc, msg)
}

func (s *Server) send(cc *controlClient, msg domain.ControlMessage) {
	select {
	case <-cc.done:
	case cc.sendCh <- msg:
	default:
		s.logger.Warn("dropped control message for slow client", "client_id", cc.id, "type", msg.Type)
	}
}

// broadcast queues msg for every connected control client.
func (s *Server) broadcast(msg domain.ControlMessage) {
	s.clients.Range(func(_, value any) bool {
		s.send(value.(*controlClient), msg)
		return true
	})
}

func (s *Server) originPatterns() []string {
	patterns := []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}
	return append(patterns, s.cfg.Server.AllowedOrigins...)
}

func malformed(detail string) error {
	return domain.NewSubSystemError("control", "ReadMessage", domain.ErrInvalidInput, detail)
}
