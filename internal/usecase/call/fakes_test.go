package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callbridge/internal/domain"
)

type fakeTelephony struct {
	mu           sync.Mutex
	preflightErr error
	delay        time.Duration
	placeErr     error
	placed       []domain.PlaceCallRequest
	hangups      []string
	hangupErr    error
	preflights   int
}

func (f *fakeTelephony) Name() string { return "twilio" }

func (f *fakeTelephony) Preflight(ctx context.Context) error {
	f.mu.Lock()
	f.preflights++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.preflightErr
}

func (f *fakeTelephony) PlaceCall(_ context.Context, req domain.PlaceCallRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, req)
	return "CA" + req.CallID, nil
}

func (f *fakeTelephony) Hangup(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, sid)
	return f.hangupErr
}

func (f *fakeTelephony) Hangups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hangups...)
}

type fakeSTT struct {
	mu        sync.Mutex
	sent      [][]byte
	out       chan domain.Transcript
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{out: make(chan domain.Transcript, 16), closed: make(chan struct{})}
}

func (f *fakeSTT) Send(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pcm)
	return nil
}

func (f *fakeSTT) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeSTT) Transcripts() <-chan domain.Transcript { return f.out }

func (f *fakeSTT) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		close(f.out)
	})
	return nil
}

type fakeTranscriber struct {
	mu           sync.Mutex
	preflightErr error
	delay        time.Duration
	openErr      error
	streams      []*fakeSTT
}

func (f *fakeTranscriber) Name() string { return "deepgram" }

func (f *fakeTranscriber) Preflight(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.preflightErr
}

func (f *fakeTranscriber) Open(context.Context, domain.TranscriptionConfig) (domain.TranscriptionStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := newFakeSTT()
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeTranscriber) last() *fakeSTT {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

// fakeSynth returns constant-valued speech so frames identify their request.
type fakeSynth struct {
	mu           sync.Mutex
	preflightErr error
	preflightFn  func(text string) error
	gate         chan struct{} // when set, each Synthesize waits for a token
	started      chan string
	fail         map[string]error
	samples      int
	texts        []string
}

func (f *fakeSynth) Name() string { return "elevenlabs" }

func (f *fakeSynth) Preflight(_ context.Context, text string) error {
	if f.preflightFn != nil {
		return f.preflightFn(text)
	}
	return f.preflightErr
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (*domain.Speech, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- text
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.fail[text]; err != nil {
		return nil, err
	}
	n := f.samples
	if n == 0 {
		n = 640 // 40 ms at 16 kHz: two frames at 8 kHz
	}
	v := levelFor(text)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return &domain.Speech{PCM: pcm, SampleRate: 16000}, nil
}

func levelFor(text string) int16 {
	return int16(len(text)) * 1000
}

var errMediaClosed = errors.New("media closed")

type fakeMedia struct {
	in        chan domain.MediaEvent
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	audio     [][]byte
	marks     []string
	closeCode int
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{in: make(chan domain.MediaEvent, 16), closed: make(chan struct{})}
}

func (f *fakeMedia) Next(ctx context.Context) (domain.MediaEvent, error) {
	select {
	case ev, ok := <-f.in:
		if !ok {
			return domain.MediaEvent{}, io.ErrUnexpectedEOF
		}
		return ev, nil
	case <-f.closed:
		return domain.MediaEvent{}, errMediaClosed
	case <-ctx.Done():
		return domain.MediaEvent{}, ctx.Err()
	}
}

func (f *fakeMedia) SendAudio(_ context.Context, mulaw []byte) error {
	select {
	case <-f.closed:
		return errMediaClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, mulaw)
	return nil
}

func (f *fakeMedia) SendMark(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, name)
	return nil
}

func (f *fakeMedia) Close(code int, _ string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeMedia) Audio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...)
}

func (f *fakeMedia) Marks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marks...)
}

func (f *fakeMedia) CloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

type harness struct {
	tel   *fakeTelephony
	stt   *fakeTranscriber
	synth *fakeSynth
}

func newHarness() *harness {
	return &harness{tel: &fakeTelephony{}, stt: &fakeTranscriber{}, synth: &fakeSynth{}}
}

func (h *harness) deps() Deps {
	return Deps{
		Telephony:   h.tel,
		Transcriber: h.stt,
		Synthesizer: h.synth,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (h *harness) session(t *testing.T, opts Options) *Session {
	t.Helper()
	return NewSession(Params{
		CallID:      NewCallID(),
		PhoneNumber: "+15551234567",
		Goal:        "ask about checkout time",
	}, h.deps(), opts)
}

// connect drives s to connected with a fresh fake media connection.
func (h *harness) connect(t *testing.T, s *Session) *fakeMedia {
	t.Helper()
	media := newFakeMedia()
	if err := s.InitializeMediaStream(context.Background(), media, domain.MediaStart{
		CallID:    s.ID(),
		StreamSid: "MZ1",
	}); err != nil {
		t.Fatalf("InitializeMediaStream: %v", err)
	}
	return media
}

func nextEvent(t *testing.T, s *Session) domain.SessionEvent {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session event")
	}
	return domain.SessionEvent{}
}

func nextMessage(t *testing.T, s *Session, want domain.ControlMessageType) domain.ControlMessage {
	t.Helper()
	ev := nextEvent(t, s)
	if ev.Kind != domain.SessionEventMessage || ev.Message.Type != want {
		t.Fatalf("got event %s/%s, want message %s", ev.Kind, ev.Message.Type, want)
	}
	return ev.Message
}

// drain collects every remaining event until the stream closes.
func drain(t *testing.T, s *Session) []domain.SessionEvent {
	t.Helper()
	var out []domain.SessionEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(out))
		}
	}
}
