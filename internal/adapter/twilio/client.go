package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"callbridge/internal/domain"
	"callbridge/internal/infra/breaker"
	"callbridge/internal/infra/config"
	"callbridge/internal/infra/httpclient"
	"callbridge/internal/infra/tracer"
)

const apiVersion = "2010-04-01"

// APIError is a non-2xx response from the Twilio REST API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	MoreInfo   string `json:"more_info"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twilio api error (HTTP %d, code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("twilio api error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Unwrap classifies the error for domain.ErrorCodeOf.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrPermissionDenied
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusBadRequest:
		return domain.ErrInvalidInput
	}
	return domain.ErrProviderError
}

// Client implements domain.Telephony over the Twilio REST API.
type Client struct {
	cfg     config.TwilioConfig
	http    *http.Client
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// NewClient creates a Twilio client. A nil breaker sends requests unguarded.
func NewClient(cfg config.TwilioConfig, br *breaker.Breaker, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		http:    httpclient.New(cfg.RequestTimeout),
		breaker: br,
		logger:  logger.With("component", "twilio"),
	}
}

func (c *Client) Name() string { return "twilio" }

// Preflight confirms the credentials work and the account is active.
func (c *Client) Preflight(ctx context.Context) error {
	var account struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, c.accountURL(".json"), nil, &account); err != nil {
		return err
	}
	if account.Status != "active" {
		return fmt.Errorf("account status is %q", account.Status)
	}
	return nil
}

// PlaceCall originates an outbound call whose instructions and status
// changes are delivered to the request's webhooks.
func (c *Client) PlaceCall(ctx context.Context, req domain.PlaceCallRequest) (string, error) {
	form := url.Values{
		"To":                   {req.To},
		"From":                 {c.cfg.FromNumber},
		"Url":                  {req.VoiceURL},
		"Method":               {http.MethodPost},
		"StatusCallback":       {req.StatusURL},
		"StatusCallbackMethod": {http.MethodPost},
	}
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}

	var call struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	err := tracer.Run(ctx, "twilio.place_call", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, c.accountURL("/Calls.json"), form, &call)
	}, tracer.CallAttr(req.CallID))
	if err != nil {
		return "", err
	}
	if call.SID == "" {
		return "", domain.NewSubSystemError("twilio", "PlaceCall", domain.ErrProviderError, "response carried no call sid")
	}
	c.logger.Info("call placed", "call_id", req.CallID, "call_sid", call.SID, "status", call.Status)
	return call.SID, nil
}

// Hangup ends the provider call.
func (c *Client) Hangup(ctx context.Context, callSid string) error {
	if callSid == "" {
		return domain.ErrNoProviderCall
	}
	form := url.Values{"Status": {StatusCompleted}}
	return c.do(ctx, http.MethodPost, c.accountURL("/Calls/"+url.PathEscape(callSid)+".json"), form, nil)
}

func (c *Client) accountURL(suffix string) string {
	return fmt.Sprintf("%s/%s/Accounts/%s%s",
		strings.TrimSuffix(c.cfg.BaseURL, "/"), apiVersion, url.PathEscape(c.cfg.AccountSID), suffix)
}

// do sends a form-encoded request through the breaker and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	return c.breaker.Call(func() error {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		req.Header.Set("Accept", "application/json")
		req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("twilio request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read twilio response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(string(data))
			}
			return apiErr
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse twilio response: %w", err)
		}
		return nil
	})
}

var _ domain.Telephony = (*Client)(nil)
