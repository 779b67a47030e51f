package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge/internal/domain"
	"callbridge/internal/infra/breaker"
	"callbridge/internal/infra/config"
)

func testConfig(baseURL string) config.ElevenLabsConfig {
	return config.ElevenLabsConfig{
		APIKey:                 "xi-test",
		BaseURL:                baseURL,
		VoiceID:                "voice1",
		Model:                  "eleven_turbo_v2_5",
		RequestTimeout:         2 * time.Second,
		BaseCharacters:         500,
		ConversationMultiplier: 4,
		MaxCharactersPerCall:   20000,
	}
}

func subscriptionServer(t *testing.T, count, limit int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/user/subscription", r.URL.Path)
		if r.Header.Get("xi-api-key") != "xi-test" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"tier":            "starter",
			"character_count": count,
			"character_limit": limit,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProjectedCharacters(t *testing.T) {
	c := NewClient(testConfig(""), nil, slog.Default())
	assert.Equal(t, 500, c.ProjectedCharacters(""))
	assert.Equal(t, 500+10*4, c.ProjectedCharacters("0123456789"))
	assert.Equal(t, 500+2*4, c.ProjectedCharacters("日本"), "counts characters, not bytes")
}

func TestPreflightWithinBudget(t *testing.T) {
	srv := subscriptionServer(t, 1000, 10000)
	c := NewClient(testConfig(srv.URL+"/v1"), nil, slog.Default())
	require.NoError(t, c.Preflight(context.Background(), "ask about checkout time"))
}

func TestPreflightQuotaExceeded(t *testing.T) {
	// 200 remaining, projection is at least the 500 base.
	srv := subscriptionServer(t, 9800, 10000)
	c := NewClient(testConfig(srv.URL+"/v1"), nil, slog.Default())

	err := c.Preflight(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLimitReached))
	assert.Contains(t, err.Error(), "remaining quota 200")
}

func TestPreflightPerCallCap(t *testing.T) {
	srv := subscriptionServer(t, 0, 1_000_000)
	cfg := testConfig(srv.URL + "/v1")
	cfg.MaxCharactersPerCall = 600
	c := NewClient(cfg, nil, slog.Default())

	require.NoError(t, c.Preflight(context.Background(), "short"))
	err := c.Preflight(context.Background(), strings.Repeat("x", 100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per-call cap 600")
}

func TestPreflightInvalidKey(t *testing.T) {
	srv := subscriptionServer(t, 0, 10000)
	cfg := testConfig(srv.URL + "/v1")
	cfg.APIKey = "wrong"
	err := NewClient(cfg, nil, slog.Default()).Preflight(context.Background(), "hi")

	var se *SynthesisError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "invalid_api_key", se.Code)
	assert.Equal(t, "Invalid API key", se.Message)
	assert.False(t, se.Retryable)
	assert.True(t, errors.Is(err, domain.ErrPermissionDenied))
}

func TestSynthesize(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xff, 0x7f, 0x00, 0x80}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/text-to-speech/voice1", r.URL.Path)
		assert.Equal(t, "pcm_16000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "xi-test", r.Header.Get("xi-api-key"))

		var req synthesisRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hello there", req.Text)
		assert.Equal(t, "eleven_turbo_v2_5", req.ModelID)

		w.Header().Set("Content-Type", "audio/pcm")
		w.Write(pcm)
	}))
	defer srv.Close()

	speech, err := NewClient(testConfig(srv.URL+"/v1"), nil, slog.Default()).Synthesize(context.Background(), "Hello there")
	require.NoError(t, err)
	assert.Equal(t, pcm, speech.PCM)
	assert.Equal(t, 16000, speech.SampleRate)
}

func TestSynthesizeTrimsOddByte(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{1, 2, 3})
	}))
	defer srv.Close()

	speech, err := NewClient(testConfig(srv.URL), nil, slog.Default()).Synthesize(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, speech.PCM)
}

func TestSynthesizeEmptyText(t *testing.T) {
	c := NewClient(testConfig("http://127.0.0.1:1"), nil, slog.Default())
	_, err := c.Synthesize(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestSynthesizeErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
		errCode   domain.ErrorCode
	}{
		{"rate limited", http.StatusTooManyRequests, `{"detail":{"status":"too_many_concurrent_requests","message":"slow down"}}`, "too_many_concurrent_requests", true, domain.CodeTTSError},
		{"server error", http.StatusInternalServerError, `oops`, "500", true, domain.CodeTTSError},
		{"unknown voice", http.StatusNotFound, `{"detail":"voice not found"}`, "404", false, domain.CodeNotFound},
		{"bad request", http.StatusBadRequest, `{"detail":{"status":"invalid","message":"text too long"}}`, "invalid", false, domain.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewClient(testConfig(srv.URL), nil, slog.Default()).Synthesize(context.Background(), "hello")
			var se *SynthesisError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Code)
			assert.Equal(t, tt.retryable, se.Retryable)
			assert.Equal(t, tt.errCode, domain.ErrorCodeOf(err))
		})
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	br := breaker.New("elevenlabs", config.BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, slog.Default())
	c := NewClient(testConfig(srv.URL), br, slog.Default())
	for i := 0; i < 2; i++ {
		_, err := c.Synthesize(context.Background(), "hello")
		require.Error(t, err)
	}
	_, err := c.Synthesize(context.Background(), "hello")
	require.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, int32(2), hits.Load())
}
