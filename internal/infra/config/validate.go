package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

var e164Re = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
// Missing credentials are not structural; see RequireProviders.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateTwilio(cfg, ve)
	validateProviders(cfg, ve)
	validateSession(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

// RequireProviders reports every credential or endpoint the server needs to place calls.
func RequireProviders(cfg *Config) error {
	ve := &ValidationError{}
	if cfg.Server.PublicURL == "" {
		ve.Add("server.public_url is required (Twilio must reach the webhooks)")
	}
	if cfg.Twilio.AccountSID == "" {
		ve.Add("twilio.account_sid is required")
	}
	if cfg.Twilio.AuthToken == "" {
		ve.Add("twilio.auth_token is required")
	}
	if cfg.Twilio.FromNumber == "" {
		ve.Add("twilio.from_number is required")
	}
	if cfg.Deepgram.APIKey == "" {
		ve.Add("deepgram.api_key is required")
	}
	if cfg.ElevenLabs.APIKey == "" {
		ve.Add("elevenlabs.api_key is required")
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Port < 0 || s.Port > 65535 {
		ve.Add("server.port must be between 0 and 65535, got %d", s.Port)
	}
	if s.PublicURL != "" {
		u, err := url.Parse(s.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("server.public_url must be an absolute http(s) URL, got %q", s.PublicURL)
		} else if strings.HasSuffix(s.PublicURL, "/") {
			ve.Add("server.public_url must not end with a slash")
		}
	}
	if s.ShutdownGrace <= 0 {
		ve.Add("server.shutdown_grace must be > 0")
	}
	if s.MediaHandshakeTimeout <= 0 {
		ve.Add("server.media_handshake_timeout must be > 0")
	}
	if s.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if s.RateLimit.RequestsPerMin < 0 || s.RateLimit.Burst < 0 {
		ve.Add("server.rate_limit values must be >= 0")
	}
	if s.RateLimit.RequestsPerMin > 0 && s.RateLimit.Burst == 0 {
		ve.Add("server.rate_limit.burst must be > 0 when requests_per_min is set")
	}
}

func validateTwilio(cfg *Config, ve *ValidationError) {
	t := cfg.Twilio
	if t.FromNumber != "" && !e164Re.MatchString(t.FromNumber) {
		ve.Add("twilio.from_number must be E.164 (e.g. +15551234567), got %q", t.FromNumber)
	}
	if t.AccountSID != "" && !strings.HasPrefix(t.AccountSID, "AC") {
		ve.Add("twilio.account_sid must start with \"AC\"")
	}
	if t.RequestTimeout <= 0 {
		ve.Add("twilio.request_timeout must be > 0")
	}
	if t.BaseURL == "" {
		ve.Add("twilio.base_url must not be empty")
	}
}

func validateProviders(cfg *Config, ve *ValidationError) {
	if cfg.Deepgram.BaseURL == "" || cfg.Deepgram.StreamURL == "" {
		ve.Add("deepgram.base_url and deepgram.stream_url must not be empty")
	}
	if u, err := url.Parse(cfg.Deepgram.StreamURL); err == nil && cfg.Deepgram.StreamURL != "" {
		if u.Scheme != "ws" && u.Scheme != "wss" {
			ve.Add("deepgram.stream_url must use ws or wss, got %q", u.Scheme)
		}
	}
	el := cfg.ElevenLabs
	if el.BaseURL == "" {
		ve.Add("elevenlabs.base_url must not be empty")
	}
	if el.VoiceID == "" {
		ve.Add("elevenlabs.voice_id must not be empty")
	}
	if el.BaseCharacters < 0 || el.ConversationMultiplier < 0 || el.MaxCharactersPerCall < 0 {
		ve.Add("elevenlabs budget values must be >= 0")
	}
	if cfg.Preflight.Timeout <= 0 {
		ve.Add("preflight.timeout must be > 0")
	}
	if cfg.Breaker.MaxFailures == 0 {
		ve.Add("breaker.max_failures must be > 0")
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	s := cfg.Session
	if s.SpeakQueueSize <= 0 {
		ve.Add("session.speak_queue_size must be > 0")
	}
	if s.MaxDuration < 0 {
		ve.Add("session.max_duration must be >= 0")
	}
	if s.ReapSchedule != "" {
		if _, err := cron.ParseStandard(s.ReapSchedule); err != nil {
			ve.Add("session.reap_schedule %q: %v", s.ReapSchedule, err)
		}
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter must be noop or stdout, got %q", cfg.Tracer.Exporter)
	}
}
