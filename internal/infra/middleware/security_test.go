package middleware

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	expected := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'",
		"Referrer-Policy":         "no-referrer",
	}
	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("Header %s = %q, want %q", header, got, want)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS should not be set without TLS, got %q", hsts)
	}
}

func TestSecurityHeaders_HSTSWithTLS(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, req)

	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("HSTS = %q", got)
	}
}

func doFrom(h http.Handler, addr string) int {
	req := httptest.NewRequest("POST", "/call", nil)
	req.RemoteAddr = addr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimit_BlocksAfterBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{RequestsPerMin: 60, Burst: 3})(okHandler)

	for i := 0; i < 3; i++ {
		if code := doFrom(h, "192.0.2.1:1000"); code != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i, code)
		}
	}
	if code := doFrom(h, "192.0.2.1:1000"); code != http.StatusTooManyRequests {
		t.Errorf("request over burst: status %d, want 429", code)
	}
	// A different client has its own bucket.
	if code := doFrom(h, "192.0.2.2:1000"); code != http.StatusOK {
		t.Errorf("second client: status %d, want 200", code)
	}
}

func TestRateLimit_DisabledWhenZero(t *testing.T) {
	h := RateLimit(context.Background(), RateLimitConfig{})(okHandler)
	for i := 0; i < 50; i++ {
		if code := doFrom(h, "192.0.2.1:1000"); code != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i, code)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		xri     string
		trusted []string
		want    string
	}{
		{"direct", "203.0.113.5:4000", "", "", nil, "203.0.113.5"},
		{"spoofed xff ignored", "203.0.113.5:4000", "1.2.3.4", "", nil, "203.0.113.5"},
		{"trusted proxy xff", "10.0.0.1:4000", "198.51.100.7, 10.0.0.1", "", []string{"10.0.0.1"}, "198.51.100.7"},
		{"trusted proxy xri", "10.0.0.1:4000", "", "198.51.100.8", []string{"10.0.0.1"}, "198.51.100.8"},
		{"trusted no headers", "10.0.0.1:4000", "", "", []string{"10.0.0.1"}, "10.0.0.1"},
		{"ipv6", "[2001:db8::1]:4000", "", "", nil, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(req, tt.trusted); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			if IsBodyTooLarge(err) {
				BodyTooLarge(w)
				return
			}
			t.Errorf("unexpected read error: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))

	small := httptest.NewRequest("POST", "/call", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, small)
	if w.Code != http.StatusOK {
		t.Errorf("small body: status %d", w.Code)
	}

	big := httptest.NewRequest("POST", "/call", bytes.NewReader(make([]byte, 64)))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, big)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("big body: status %d, want 413", w.Code)
	}
	if w.Header().Get("Connection") != "close" {
		t.Error("413 should ask for connection close")
	}

	// Unknown length: the cap trips while reading.
	chunked := httptest.NewRequest("POST", "/call", io.MultiReader(bytes.NewReader(make([]byte, 64))))
	chunked.ContentLength = -1
	w = httptest.NewRecorder()
	h.ServeHTTP(w, chunked)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("chunked body: status %d, want 413", w.Code)
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := AccessLog(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Millisecond)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/status", nil))

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=503") || !strings.Contains(out, "path=/status") {
		t.Errorf("access log = %q", out)
	}
}
