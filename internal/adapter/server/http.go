package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"callbridge/internal/adapter/twilio"
	"callbridge/internal/domain"
	"callbridge/internal/infra/middleware"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// callRequest is the body of POST /call.
type callRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Goal        string `json:"goal"`
	Context     string `json:"context,omitempty"`
}

// callResponse is the body of a successful POST /call.
type callResponse struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	Status         string `json:"status"`
	ActiveCalls    int    `json:"activeCalls"`
	ControlClients int64  `json:"controlClients"`
	PublicURL      string `json:"publicUrl"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code,omitempty"`
}

func (s *Server) routes() http.Handler {
	rateLimit := middleware.RateLimit(s.baseCtx, middleware.RateLimitConfig{
		RequestsPerMin: s.cfg.Server.RateLimit.RequestsPerMin,
		Burst:          s.cfg.Server.RateLimit.Burst,
		TrustedProxies: s.cfg.Server.RateLimit.TrustedProxies,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /status/{callId}", s.handleCallStatus)
	mux.Handle("POST /call", rateLimit(http.HandlerFunc(s.handleCall)))
	mux.HandleFunc("POST "+voicePath, s.handleVoiceWebhook)
	mux.HandleFunc("POST "+statusPath, s.handleStatusWebhook)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.Handle("GET /metrics", s.metricsHandler())
	mux.HandleFunc("GET /control", s.handleControl)
	mux.HandleFunc("GET "+mediaPath, s.handleMedia)
	mux.HandleFunc("GET "+mediaPath+"/", s.handleMedia)
	mux.HandleFunc("/", s.handleNotFound)

	maxBody := s.cfg.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	var h http.Handler = mux
	h = middleware.MaxBody(maxBody)(h)
	h = middleware.AccessLog(s.logger)(h)
	h = middleware.SecurityHeaders(h)
	return h
}

func (s *Server) metricsHandler() http.Handler {
	if s.metrics == nil {
		return http.NotFoundHandler()
	}
	return s.metrics.Handler()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:         "ok",
		ActiveCalls:    s.table.Len(),
		ControlClients: s.clientCount.Load(),
		PublicURL:      s.publicURL,
	})
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.table.Lookup(r.PathValue("callId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.State())
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.BodyTooLarge(w)
			return
		}
		writeError(w, domain.NewSubSystemError("call", "DecodeRequest", domain.ErrInvalidInput, err.Error()))
		return
	}
	callID, err := s.InitiateCall(r.Context(), req.PhoneNumber, req.Goal, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{CallID: callID, Status: "initiating"})
}

// handleVoiceWebhook answers Twilio's voice request with instructions that
// stream the call's audio back to /media-stream.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.verifyWebhook(w, r) {
		return
	}
	callID := r.URL.Query().Get(twilio.CallIDParameter)
	w.Header().Set("Content-Type", "text/xml")

	if _, ok := s.table.Get(callID); !ok {
		s.logger.Warn("voice webhook for unknown call", "call_id", callID)
		w.Write(twilio.ApologyTwiML("Sorry, this call is no longer available. Goodbye."))
		return
	}
	body, err := twilio.StreamTwiML(twilio.MediaStreamURL(s.publicURL, mediaPath), callID)
	if err != nil {
		s.logger.Error("render stream instructions failed", "call_id", callID, "error", err)
		w.Write(twilio.ApologyTwiML("Sorry, something went wrong. Goodbye."))
		return
	}
	w.Write(body)
}

// handleStatusWebhook applies a call status callback. Unknown calls are
// acknowledged without touching any session.
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.verifyWebhook(w, r) {
		return
	}
	callID := r.URL.Query().Get(twilio.CallIDParameter)
	status := r.PostForm.Get("CallStatus")

	if sess, ok := s.table.Get(callID); ok {
		if sess.UpdateStatus(status) {
			s.logger.Info("call status applied", "call_id", callID, "status", status)
		} else {
			s.logger.Debug("call status ignored", "call_id", callID, "status", status)
		}
	} else {
		s.logger.Debug("status webhook for unknown call", "call_id", callID, "status", status,
			"terminal", twilio.IsTerminalStatus(status))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// verifyWebhook parses the form body and checks Twilio's signature over the
// public URL the request was sent to. It writes the failure response itself.
func (s *Server) verifyWebhook(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.BodyTooLarge(w)
			return false
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	if s.cfg.Twilio.SkipSignature {
		return true
	}
	fullURL := s.publicURL + r.URL.Path
	if r.URL.RawQuery != "" {
		fullURL += "?" + r.URL.RawQuery
	}
	if err := twilio.ValidateSignature(s.cfg.Twilio.AuthToken, fullURL, r.PostForm, r.Header.Get(twilio.SignatureHeader)); err != nil {
		s.logger.Warn("webhook signature rejected", "path", r.URL.Path, "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, domain.NewSubSystemError("call", "History", domain.ErrInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, []domain.CallState{})
		return
	}
	calls, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("read call history failed", "error", err)
		writeError(w, err)
		return
	}
	if calls == nil {
		calls = []domain.CallState{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleNotFound answers unknown paths. Upgrade requests get their raw
// connection closed instead of an HTTP response.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.logger.Warn("upgrade to unknown path rejected", "path", r.URL.Path)
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		w.Header().Set("Connection", "close")
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found", Code: domain.CodeNotFound})
}

// httpStatus maps a domain error to its HTTP status.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrPreflightFailed):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errorResponse{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
