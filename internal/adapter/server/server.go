// Package server exposes the call server: the HTTP API, the Twilio webhooks,
// the /control websocket for operators and the /media-stream websocket
// Twilio dials once a call is answered.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"nhooyr.io/websocket"

	"callbridge/internal/adapter/twilio"
	"callbridge/internal/domain"
	"callbridge/internal/infra/config"
	"callbridge/internal/infra/metrics"
	"callbridge/internal/infra/tracer"
	"callbridge/internal/usecase/call"
	"callbridge/internal/usecase/eventbus"
)

// Input limits for call initiation.
const (
	maxPhoneLen   = 20
	maxGoalLen    = 1000
	maxContextLen = 5000
)

// Webhook and media paths, relative to the public URL.
const (
	voicePath  = "/twilio/voice"
	statusPath = "/twilio/status"
	mediaPath  = "/media-stream"
)

// Deps are the collaborators the server drives.
type Deps struct {
	Telephony   domain.Telephony
	Transcriber domain.Transcriber
	Synthesizer domain.Synthesizer
	History     domain.CallHistory // nil disables /history and recording
	Bus         domain.EventBus    // nil creates a private bus
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Server owns the session table, the control clients and pending media
// connections for the lifetime of one listener.
type Server struct {
	cfg       *config.Config
	telephony domain.Telephony
	deps      call.Deps
	history   domain.CallHistory
	bus       domain.EventBus
	ownsBus   bool
	metrics   *metrics.Metrics
	logger    *slog.Logger

	table  *call.Table
	gate   *call.Gate
	reaper *call.Reaper

	clients     sync.Map // uint64 -> *controlClient
	clientCount atomic.Int64
	nextClient  atomic.Uint64
	pending     sync.Map // uuid -> *twilio.Stream
	quiet       sync.Map // callID -> struct{}; ended without a call_ended broadcast

	handler   http.Handler
	httpSrv   *http.Server
	boundAddr string
	publicURL string

	baseCtx  context.Context
	cancel   context.CancelFunc
	unsubs   []func()
	wg       sync.WaitGroup // session forwarders
	stopping atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// New builds a server from cfg. Nothing listens until Start.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With("component", "server")

	table := call.NewTable()
	reaper, err := call.NewReaper(table, cfg.Session.ReapSchedule, cfg.Session.MaxDuration, base)
	if err != nil {
		return nil, err
	}

	bus, ownsBus := deps.Bus, false
	if bus == nil {
		bus, ownsBus = eventbus.New(base), true
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		telephony: deps.Telephony,
		deps: call.Deps{
			Telephony:   deps.Telephony,
			Transcriber: deps.Transcriber,
			Synthesizer: deps.Synthesizer,
			Metrics:     deps.Metrics,
			Logger:      base,
		},
		history:   deps.History,
		bus:       bus,
		ownsBus:   ownsBus,
		metrics:   deps.Metrics,
		logger:    logger,
		table:     table,
		gate:      call.NewGate(deps.Telephony, deps.Transcriber, deps.Synthesizer, cfg.Preflight.Timeout, deps.Metrics, base),
		reaper:    reaper,
		publicURL: strings.TrimSuffix(cfg.Server.PublicURL, "/"),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	s.handler = s.routes()
	s.subscribe()
	return s, nil
}

// Handler returns the root HTTP handler, middleware included.
func (s *Server) Handler() http.Handler { return s.handler }

// Table returns the live session table.
func (s *Server) Table() *call.Table { return s.table }

// Start binds the listener and serves in the background. It returns once
// the port is bound, or the bind error.
func (s *Server) Start(ctx context.Context) error {
	if s.stopping.Load() {
		return domain.ErrServerStopped
	}
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	if s.publicURL == "" {
		s.publicURL = "http://" + s.boundAddr
	}

	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.reaper.Start(s.baseCtx)

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			s.Stop(context.Background())
		case <-s.baseCtx.Done():
		}
	}()

	s.logger.Info("server started", "addr", s.boundAddr, "public_url", s.publicURL)
	return nil
}

// BoundAddr returns the listening address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Stop hangs up every active call within the shutdown grace period, closes
// control clients with "going away", drops pending media connections and
// shuts the listener down. Calling it again returns the first result.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.stop(ctx) })
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	s.stopping.Store(true)
	s.reaper.Stop()

	grace := s.cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	sessions := s.table.Sessions()
	var hangups sync.WaitGroup
	for _, sess := range sessions {
		hangups.Add(1)
		go func() {
			defer hangups.Done()
			if err := sess.Hangup(graceCtx); err != nil {
				s.logger.Warn("hangup during shutdown failed", "call_id", sess.ID(), "error", err)
			}
		}()
	}
	hangups.Wait()
	if len(sessions) > 0 {
		s.logger.Info("active calls hung up", "count", len(sessions))
	}

	// Let the forwarders broadcast call_ended before clients go away.
	forwarded := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(forwarded)
	}()
	select {
	case <-forwarded:
	case <-graceCtx.Done():
		s.logger.Warn("shutdown grace elapsed before all sessions drained")
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*controlClient)
		cc.close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
	s.pending.Range(func(key, value any) bool {
		value.(*twilio.Stream).Close(int(websocket.StatusGoingAway), "server shutting down")
		s.pending.Delete(key)
		return true
	})

	for _, unsub := range s.unsubs {
		unsub()
	}
	if s.ownsBus {
		s.bus.Close()
	}
	s.cancel()

	if s.httpSrv == nil {
		return nil
	}
	if err := s.httpSrv.Shutdown(graceCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// InitiateCall validates the request, runs the preflight gate and asks
// Twilio to place the call. Nothing is created when validation or
// preflight fails; a failed origination removes the session again.
func (s *Server) InitiateCall(ctx context.Context, phoneNumber, goal, callContext string) (string, error) {
	if s.stopping.Load() {
		return "", domain.ErrServerStopped
	}
	if err := validateCall(phoneNumber, goal, callContext); err != nil {
		return "", err
	}
	to, err := twilio.NormalizePhone(phoneNumber)
	if err != nil {
		return "", err
	}

	var callID string
	err = tracer.Run(ctx, "server.initiate_call", func(ctx context.Context) error {
		if err := s.gate.Check(ctx, preflightText(goal, callContext)); err != nil {
			s.bus.Publish(ctx, domain.NewEvent(domain.EventPreflightFailed, "", preflightPayload(err)))
			return err
		}

		sess := call.NewSession(call.Params{
			CallID:      call.NewCallID(),
			PhoneNumber: to,
			Goal:        goal,
			Context:     callContext,
		}, s.deps, call.Options{
			SpeakQueueSize: s.cfg.Session.SpeakQueueSize,
			RequestTimeout: s.cfg.Twilio.RequestTimeout,
		})
		s.wg.Add(1)
		go s.forward(sess)
		if err := s.table.Insert(sess); err != nil {
			s.quiet.Store(sess.ID(), struct{}{})
			sess.Terminate(context.WithoutCancel(ctx), domain.EndReasonFailed)
			return err
		}
		s.metrics.SetActiveCalls(s.table.Len())
		sess.MarkPlacing()

		placeCtx, cancel := context.WithTimeout(ctx, s.cfg.Twilio.RequestTimeout)
		defer cancel()
		callSid, err := s.telephony.PlaceCall(placeCtx, domain.PlaceCallRequest{
			CallID:    sess.ID(),
			To:        to,
			VoiceURL:  s.webhookURL(voicePath, sess.ID()),
			StatusURL: s.webhookURL(statusPath, sess.ID()),
		})
		if err != nil {
			s.quiet.Store(sess.ID(), struct{}{})
			s.table.Remove(sess.ID())
			s.metrics.SetActiveCalls(s.table.Len())
			sess.Terminate(context.WithoutCancel(ctx), domain.EndReasonFailed)
			return err
		}

		sess.SetCallSid(callSid)
		s.metrics.CallStarted()
		s.bus.Publish(ctx, domain.NewEvent(domain.EventCallStarted, sess.ID(), sess.State()))
		callID = sess.ID()
		return nil
	}, tracer.ProviderAttr(s.telephony.Name()))
	if err != nil {
		s.logger.Warn("call not placed", "error", err)
		return "", err
	}
	s.logger.Info("call placed", "call_id", callID, "to", to)
	return callID, nil
}

// forward is the only reader of a session's event stream. It re-publishes
// session messages to every control client and retires the session once
// the ended event arrives.
func (s *Server) forward(sess *call.Session) {
	defer s.wg.Done()
	for ev := range sess.Events() {
		switch ev.Kind {
		case domain.SessionEventMessage:
			s.broadcast(ev.Message)
			if ev.Message.Type == domain.MsgError {
				s.bus.Publish(s.baseCtx, domain.NewEvent(domain.EventCallError, sess.ID(),
					failure{Error: ev.Message.Error, Code: ev.Message.Code}))
			}
		case domain.SessionEventEnded:
			s.table.Remove(sess.ID())
			s.metrics.SetActiveCalls(s.table.Len())
			s.metrics.CallEnded(string(ev.State.EndReason))
			if _, quiet := s.quiet.LoadAndDelete(sess.ID()); !quiet {
				state := ev.State
				s.broadcast(domain.ControlMessage{
					Type:      domain.MsgCallEnded,
					CallID:    sess.ID(),
					Status:    state.Status,
					State:     &state,
					Timestamp: time.Now().UTC(),
				})
			}
			s.bus.Publish(s.baseCtx, domain.NewEvent(domain.EventCallEnded, sess.ID(), ev.State))
		}
	}
}

func (s *Server) webhookURL(path, callID string) string {
	return s.publicURL + path + "?" + url.Values{twilio.CallIDParameter: {callID}}.Encode()
}

func validateCall(phoneNumber, goal, callContext string) error {
	invalid := func(detail string) error {
		return domain.NewSubSystemError("call", "InitiateCall", domain.ErrInvalidInput, detail)
	}
	switch {
	case strings.TrimSpace(phoneNumber) == "":
		return invalid("phoneNumber is required")
	case utf8.RuneCountInString(phoneNumber) > maxPhoneLen:
		return invalid(fmt.Sprintf("phoneNumber exceeds %d characters", maxPhoneLen))
	case strings.TrimSpace(goal) == "":
		return invalid("goal is required")
	case utf8.RuneCountInString(goal) > maxGoalLen:
		return invalid(fmt.Sprintf("goal exceeds %d characters", maxGoalLen))
	case utf8.RuneCountInString(callContext) > maxContextLen:
		return invalid(fmt.Sprintf("context exceeds %d characters", maxContextLen))
	}
	return nil
}

// preflightText is what the synthesizer budget is projected from.
func preflightText(goal, callContext string) string {
	if callContext == "" {
		return goal
	}
	return goal + "\n" + callContext
}

type preflightFailure struct {
	Provider string `json:"provider,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error"`
}

func preflightPayload(err error) preflightFailure {
	out := preflightFailure{Error: err.Error()}
	var pe *domain.PreflightError
	if errors.As(err, &pe) {
		out.Provider, out.Reason = pe.Provider, pe.Reason
	}
	return out
}
