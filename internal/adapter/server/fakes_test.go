package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"callbridge/internal/adapter/twilio"
	"callbridge/internal/domain"
	"callbridge/internal/infra/config"
	"callbridge/internal/infra/metrics"
)

const testAuthToken = "test-auth-token"

type fakeTelephony struct {
	mu         sync.Mutex
	preflights *atomic.Int32 // shared with the other fakes
	placeErr   error
	placed     []domain.PlaceCallRequest
	hangups    []string
	// placedAfter records how many preflight checks had completed when
	// each call was placed.
	placedAfter []int32
}

func (f *fakeTelephony) Name() string { return "twilio" }

func (f *fakeTelephony) Preflight(context.Context) error {
	f.preflights.Add(1)
	return nil
}

func (f *fakeTelephony) PlaceCall(_ context.Context, req domain.PlaceCallRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placedAfter = append(f.placedAfter, f.preflights.Load())
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, req)
	return "CA" + req.CallID, nil
}

func (f *fakeTelephony) Hangup(_ context.Context, callSid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callSid)
	return nil
}

func (f *fakeTelephony) Placed() []domain.PlaceCallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PlaceCallRequest(nil), f.placed...)
}

func (f *fakeTelephony) Hangups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hangups...)
}

type fakeStream struct {
	mu     sync.Mutex
	sent   int
	out    chan domain.Transcript
	closed chan struct{}
	once   sync.Once
}

func (f *fakeStream) Send([]byte) error {
	f.mu.Lock()
	f.sent++
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func (f *fakeStream) Transcripts() <-chan domain.Transcript { return f.out }

func (f *fakeStream) Close() error {
	f.once.Do(func() {
		close(f.closed)
		close(f.out)
	})
	return nil
}

type fakeTranscriber struct {
	mu         sync.Mutex
	preflights *atomic.Int32
	openErr    error
	streams    []*fakeStream
}

func (f *fakeTranscriber) Name() string { return "deepgram" }

func (f *fakeTranscriber) Preflight(context.Context) error {
	f.preflights.Add(1)
	return nil
}

func (f *fakeTranscriber) Open(context.Context, domain.TranscriptionConfig) (domain.TranscriptionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	st := &fakeStream{out: make(chan domain.Transcript, 8), closed: make(chan struct{})}
	f.streams = append(f.streams, st)
	return st, nil
}

func (f *fakeTranscriber) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeSynth struct {
	preflights   *atomic.Int32
	preflightErr error
}

func (f *fakeSynth) Name() string { return "elevenlabs" }

func (f *fakeSynth) Preflight(context.Context, string) error {
	f.preflights.Add(1)
	return f.preflightErr
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) (*domain.Speech, error) {
	// 320 samples at 8 kHz: two 20 ms frames.
	return &domain.Speech{PCM: make([]byte, 640), SampleRate: 8000}, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records []domain.CallState
}

func (f *fakeHistory) Record(_ context.Context, state domain.CallState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, state)
	return nil
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]domain.CallState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.CallState(nil), f.records...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeHistory) Close() error { return nil }

func (f *fakeHistory) Records() []domain.CallState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CallState(nil), f.records...)
}

// harness is a started server with fake providers.
type harness struct {
	srv     *Server
	tel     *fakeTelephony
	stt     *fakeTranscriber
	synth   *fakeSynth
	history *fakeHistory
	metrics *metrics.Metrics
	base    string
	ws      string
}

func newHarness(t *testing.T, opts ...func(*config.Config, *harness)) *harness {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownGrace = 2 * time.Second
	cfg.Twilio.AuthToken = testAuthToken
	cfg.Twilio.RequestTimeout = 2 * time.Second
	cfg.Preflight.Timeout = 2 * time.Second
	cfg.Session.MaxDuration = 0

	var preflights atomic.Int32
	h := &harness{
		tel:     &fakeTelephony{preflights: &preflights},
		stt:     &fakeTranscriber{preflights: &preflights},
		synth:   &fakeSynth{preflights: &preflights},
		history: &fakeHistory{},
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(cfg, h)
	}

	srv, err := New(cfg, Deps{
		Telephony:   h.tel,
		Transcriber: h.stt,
		Synthesizer: h.synth,
		History:     h.history,
		Metrics:     h.metrics,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop(context.Background()) })

	h.srv = srv
	h.base = "http://" + srv.BoundAddr()
	h.ws = "ws://" + srv.BoundAddr()
	return h
}

func (h *harness) postJSON(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(h.base+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (h *harness) getJSON(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(h.base + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// webhook posts a signed Twilio callback.
func (h *harness) webhook(t *testing.T, path, callID string, form url.Values, sign bool) *http.Response {
	t.Helper()
	pathQuery := path + "?" + url.Values{twilio.CallIDParameter: {callID}}.Encode()
	req, err := http.NewRequest(http.MethodPost, h.base+pathQuery, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sign {
		req.Header.Set(twilio.SignatureHeader, twilio.ComputeSignature(testAuthToken, h.base+pathQuery, form))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) placeCall(t *testing.T) string {
	t.Helper()
	resp, body := h.postJSON(t, "/call", `{"phoneNumber":"15551234567","goal":"ask about checkout time"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	return body["callId"].(string)
}

func (h *harness) activeCalls(t *testing.T) int {
	t.Helper()
	var st statusResponse
	h.getJSON(t, "/status", &st)
	return st.ActiveCalls
}

// control is a /control websocket client.
type control struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dialControl(t *testing.T) *control {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.ws+"/control", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	require.Eventually(t, func() bool {
		return h.srv.clientCount.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)
	return &control{t: t, conn: conn}
}

func (c *control) send(v any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(c.t, wsjson.Write(ctx, c.conn, v))
}

func (c *control) next() domain.ControlMessage {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var msg domain.ControlMessage
	require.NoError(c.t, wsjson.Read(ctx, c.conn, &msg))
	return msg
}

// expect skips messages until one of type typ arrives.
func (c *control) expect(typ domain.ControlMessageType) domain.ControlMessage {
	c.t.Helper()
	for {
		msg := c.next()
		if msg.Type == typ {
			return msg
		}
	}
}

// media is a fake Twilio media-stream client.
type media struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dialMedia(t *testing.T, path string) *media {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.ws+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &media{t: t, conn: conn}
}

func (m *media) write(raw string) {
	m.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(m.t, m.conn.Write(ctx, websocket.MessageText, []byte(raw)))
}

func (m *media) start(callID string) {
	m.t.Helper()
	m.write(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	m.write(`{"event":"start","sequenceNumber":"1","start":{"streamSid":"MZ1","callSid":"CA1",` +
		`"customParameters":{"callId":"` + callID + `"},` +
		`"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ1"}`)
}

// closeCode reads until the server closes the connection and returns its code.
func (m *media) closeCode() websocket.StatusCode {
	m.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := m.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				m.t.Fatal("server never closed the media stream")
			}
			return websocket.CloseStatus(err)
		}
	}
}

// nextEvent reads the next JSON frame the server sends on the media stream.
func (m *media) nextEvent() twilio.StreamMessage {
	m.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var msg twilio.StreamMessage
	require.NoError(m.t, wsjson.Read(ctx, m.conn, &msg))
	return msg
}
