package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"callbridge/internal/domain"
	"callbridge/internal/infra/breaker"
	"callbridge/internal/infra/config"
	"callbridge/internal/infra/httpclient"
)

const (
	preflightTimeout  = 10 * time.Second
	handshakeTimeout  = 10 * time.Second
	keepAliveInterval = 5 * time.Second
)

// Client implements domain.Transcriber against Deepgram's live API.
type Client struct {
	cfg       config.DeepgramConfig
	http      *http.Client
	dialer    *websocket.Dialer
	breaker   *breaker.Breaker
	logger    *slog.Logger
	keepAlive time.Duration
}

// NewClient creates a Deepgram client. A nil breaker dials unguarded.
func NewClient(cfg config.DeepgramConfig, br *breaker.Breaker, logger *slog.Logger) *Client {
	return &Client{
		cfg:  cfg,
		http: httpclient.New(preflightTimeout),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		breaker:   br,
		logger:    logger.With("component", "deepgram"),
		keepAlive: keepAliveInterval,
	}
}

func (c *Client) Name() string { return "deepgram" }

// Preflight verifies the API key by listing the key's projects.
func (c *Client) Preflight(ctx context.Context) error {
	return c.breaker.Call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/projects", nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Token "+c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("deepgram request: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return domain.NewSubSystemError("deepgram", "Preflight", domain.ErrPermissionDenied, "api key rejected")
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return domain.NewSubSystemError("deepgram", "Preflight", domain.ErrProviderError,
				fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}
		return nil
	})
}

// Open starts a live transcription stream for linear16 audio.
func (c *Client) Open(ctx context.Context, tc domain.TranscriptionConfig) (domain.TranscriptionStream, error) {
	endpoint, err := c.streamURL(tc)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+c.cfg.APIKey)

	conn, err := breaker.Do(c.breaker, func() (*websocket.Conn, error) {
		conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
		if err != nil {
			if resp != nil {
				defer resp.Body.Close()
				return nil, domain.NewSubSystemError("deepgram", "Open", domain.ErrProviderError,
					fmt.Sprintf("handshake HTTP %d: %v", resp.StatusCode, err))
			}
			return nil, fmt.Errorf("dial deepgram: %w", err)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("transcription stream opened", "call_id", tc.CallID)
	return newStream(conn, c.keepAlive, c.logger.With("call_id", tc.CallID)), nil
}

func (c *Client) streamURL(tc domain.TranscriptionConfig) (string, error) {
	u, err := url.Parse(c.cfg.StreamURL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	sampleRate := tc.SampleRate
	if sampleRate == 0 {
		sampleRate = 8000
	}
	channels := tc.Channels
	if channels == 0 {
		channels = 1
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(c.cfg.InterimResults))
	if c.cfg.Model != "" {
		q.Set("model", c.cfg.Model)
	}
	if c.cfg.Language != "" {
		q.Set("language", c.cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var _ domain.Transcriber = (*Client)(nil)
