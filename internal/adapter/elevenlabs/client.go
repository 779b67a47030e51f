// Package elevenlabs implements text-to-speech and usage-budget checks
// against the ElevenLabs API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"callbridge/internal/domain"
	"callbridge/internal/infra/breaker"
	"callbridge/internal/infra/config"
	"callbridge/internal/infra/httpclient"
	"callbridge/internal/infra/tracer"
)

const (
	// OutputFormat is requested for every synthesis: raw PCM16LE mono.
	OutputFormat = "pcm_16000"
	// OutputSampleRate matches OutputFormat.
	OutputSampleRate = 16000

	maxAudioBytes = 32 << 20

	defaultStability       = 0.5
	defaultSimilarityBoost = 0.75
)

// SynthesisError is a failed ElevenLabs request.
type SynthesisError struct {
	Code      string // provider status string, or the HTTP status code
	Message   string
	Retryable bool
	err       error
}

func (e *SynthesisError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("elevenlabs: %s: %s", e.Code, e.Message)
	}
	return "elevenlabs: " + e.Message
}

// Unwrap exposes the domain classification of the failure.
func (e *SynthesisError) Unwrap() error { return e.err }

func newSynthesisError(op string, status int, code, message string) *SynthesisError {
	sentinel := domain.ErrProviderError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		sentinel = domain.ErrPermissionDenied
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		sentinel = domain.ErrInvalidInput
	case status == http.StatusNotFound:
		sentinel = domain.ErrNotFound
	}
	if code == "" {
		code = fmt.Sprintf("%d", status)
	}
	return &SynthesisError{
		Code:      code,
		Message:   message,
		Retryable: status == http.StatusTooManyRequests || status >= 500,
		err:       domain.NewSubSystemError("elevenlabs", op, sentinel, message),
	}
}

// Client implements domain.Synthesizer.
type Client struct {
	cfg     config.ElevenLabsConfig
	http    *http.Client
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// NewClient creates an ElevenLabs client. A nil breaker sends requests unguarded.
func NewClient(cfg config.ElevenLabsConfig, br *breaker.Breaker, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		http:    httpclient.New(cfg.RequestTimeout),
		breaker: br,
		logger:  logger.With("component", "elevenlabs"),
	}
}

func (c *Client) Name() string { return "elevenlabs" }

type subscription struct {
	Tier           string `json:"tier"`
	CharacterCount int    `json:"character_count"`
	CharacterLimit int    `json:"character_limit"`
}

// ProjectedCharacters estimates the characters a conversation seeded with
// text will consume.
func (c *Client) ProjectedCharacters(text string) int {
	return c.cfg.BaseCharacters + utf8.RuneCountInString(text)*c.cfg.ConversationMultiplier
}

// Preflight checks the API key and that the projected usage for text fits
// both the remaining quota and the per-call cap.
func (c *Client) Preflight(ctx context.Context, text string) error {
	var sub subscription
	if err := c.do(ctx, "Preflight", http.MethodGet, "/user/subscription", nil, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&sub)
	}); err != nil {
		return err
	}

	projected := c.ProjectedCharacters(text)
	remaining := sub.CharacterLimit - sub.CharacterCount
	if remaining < projected {
		return domain.NewSubSystemError("elevenlabs", "Preflight", domain.ErrLimitReached,
			fmt.Sprintf("projected %d characters exceeds remaining quota %d", projected, remaining))
	}
	if c.cfg.MaxCharactersPerCall > 0 && projected > c.cfg.MaxCharactersPerCall {
		return domain.NewSubSystemError("elevenlabs", "Preflight", domain.ErrLimitReached,
			fmt.Sprintf("projected %d characters exceeds per-call cap %d", projected, c.cfg.MaxCharactersPerCall))
	}
	return nil
}

type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id,omitempty"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize converts text to 16 kHz PCM16LE speech.
func (c *Client) Synthesize(ctx context.Context, text string) (*domain.Speech, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewSubSystemError("elevenlabs", "Synthesize", domain.ErrInvalidInput, "empty text")
	}
	body, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: c.cfg.Model,
		VoiceSettings: &voiceSettings{
			Stability:       defaultStability,
			SimilarityBoost: defaultSimilarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	path := "/text-to-speech/" + url.PathEscape(c.cfg.VoiceID) + "?output_format=" + OutputFormat
	var pcm []byte
	err = tracer.Run(ctx, "elevenlabs.synthesize", func(ctx context.Context) error {
		return c.do(ctx, "Synthesize", http.MethodPost, path, body, func(r io.Reader) error {
			var rerr error
			pcm, rerr = io.ReadAll(io.LimitReader(r, maxAudioBytes))
			return rerr
		})
	}, tracer.ProviderAttr("elevenlabs"), tracer.IntAttr("characters", utf8.RuneCountInString(text)))
	if err != nil {
		return nil, err
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return &domain.Speech{PCM: pcm, SampleRate: OutputSampleRate}, nil
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// do sends a request through the breaker and hands a 2xx body to read.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, read func(io.Reader) error) error {
	return c.breaker.Call(func() error {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.cfg.BaseURL, "/")+path, rdr)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("xi-api-key", c.cfg.APIKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return &SynthesisError{
				Message:   err.Error(),
				Retryable: true,
				err:       domain.NewSubSystemError("elevenlabs", op, domain.ErrProviderError, "request failed"),
			}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			code, msg := parseErrorDetail(data)
			return newSynthesisError(op, resp.StatusCode, code, msg)
		}
		if err := read(resp.Body); err != nil {
			return fmt.Errorf("read elevenlabs response: %w", err)
		}
		return nil
	})
}

// parseErrorDetail reads {"detail":{"status","message"}} or {"detail":"text"}.
func parseErrorDetail(data []byte) (string, string) {
	var resp errorResponse
	if json.Unmarshal(data, &resp) == nil && len(resp.Detail) > 0 {
		var obj struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if json.Unmarshal(resp.Detail, &obj) == nil && obj.Message != "" {
			return obj.Status, obj.Message
		}
		var s string
		if json.Unmarshal(resp.Detail, &s) == nil && s != "" {
			return "", s
		}
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = "unknown error"
	}
	return "", msg
}

var _ domain.Synthesizer = (*Client)(nil)
