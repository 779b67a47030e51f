package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"callbridge/internal/adapter/audio"
	"callbridge/internal/domain"
	"callbridge/internal/infra/logger"
	"callbridge/internal/infra/metrics"
	"callbridge/internal/infra/tracer"
)

const (
	// DefaultSpeakQueueSize bounds pending speak requests per session.
	DefaultSpeakQueueSize = 16
	defaultRequestTimeout = 10 * time.Second

	closeNormal = 1000
)

// Deps are the collaborators a session talks to.
type Deps struct {
	Telephony   domain.Telephony
	Transcriber domain.Transcriber
	Synthesizer domain.Synthesizer
	Metrics     *metrics.Metrics // optional
	Logger      *slog.Logger
}

// Options tune one session.
type Options struct {
	SpeakQueueSize int
	// RequestTimeout bounds provider calls the session makes on its own,
	// such as the hangup request.
	RequestTimeout time.Duration
}

// Params identify the call a session represents.
type Params struct {
	CallID      string
	PhoneNumber string // E.164
	Goal        string
	Context     string
}

type speakRequest struct {
	seq  uint64
	text string
}

// Session owns the lifecycle of one call: its status, its audio bridge and
// the control operations on it. All state transitions happen under mu.
type Session struct {
	id     string
	deps   Deps
	opts   Options
	logger *slog.Logger
	events *eventQueue

	mu           sync.Mutex
	state        domain.CallState
	media        domain.MediaConn
	stt          domain.TranscriptionStream
	bridgeCancel context.CancelFunc
	speakQ       chan speakRequest
	terminating  bool

	done     chan struct{}
	wg       sync.WaitGroup
	speakSeq atomic.Uint64
}

// NewSession creates a session in status created.
func NewSession(p Params, deps Deps, opts Options) *Session {
	if opts.SpeakQueueSize <= 0 {
		opts.SpeakQueueSize = DefaultSpeakQueueSize
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	now := time.Now().UTC()
	return &Session{
		id:     p.CallID,
		deps:   deps,
		opts:   opts,
		logger: logger.ForCall(deps.Logger, p.CallID).With("component", "session"),
		events: newEventQueue(),
		state: domain.CallState{
			CallID:      p.CallID,
			PhoneNumber: p.PhoneNumber,
			Goal:        p.Goal,
			Context:     p.Context,
			Status:      domain.CallStatusCreated,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		done: make(chan struct{}),
	}
}

// ID returns the call identifier.
func (s *Session) ID() string { return s.id }

// Events yields message events followed by exactly one ended event, then closes.
func (s *Session) Events() <-chan domain.SessionEvent { return s.events.out }

// Done is closed when the session reaches ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session has ended and its audio bridge is torn down.
func (s *Session) Wait() {
	<-s.done
	s.wg.Wait()
}

// State returns a snapshot.
func (s *Session) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkPlacing records that origination has been requested.
func (s *Session) MarkPlacing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(domain.CallStatusPlacing)
}

// SetCallSid records the provider call reference and announces the call
// as started. Later calls only update the reference.
func (s *Session) SetCallSid(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status.IsTerminal() {
		return
	}
	first := s.state.CallSid == ""
	s.state.CallSid = sid
	s.state.UpdatedAt = time.Now().UTC()
	if first {
		msg := s.messageLocked(domain.MsgCallStarted)
		st := s.state
		msg.State = &st
		s.emit(msg)
	}
}

// UpdateStatus applies a telephony status-callback value. Values that do
// not move the state machine forward are ignored and reported as false.
func (s *Session) UpdateStatus(raw string) bool {
	status, reason, ok := domain.ProviderStatus(raw)
	if !ok {
		return false
	}
	if status == domain.CallStatusEnded {
		return s.end(reason, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.applyLocked(status) {
		s.logger.Debug("ignoring stale status", "status", raw, "current", s.state.Status)
		return false
	}
	if status == domain.CallStatusRinging {
		s.emit(s.messageLocked(domain.MsgCallRinging))
	}
	return true
}

// InitializeMediaStream attaches the media connection and starts the audio
// bridge. It succeeds at most once per session.
func (s *Session) InitializeMediaStream(ctx context.Context, conn domain.MediaConn, start domain.MediaStart) error {
	s.mu.Lock()
	switch {
	case s.state.Status.IsTerminal():
		s.mu.Unlock()
		return domain.NewSubSystemError("call", "Session.InitializeMediaStream", domain.ErrCallEnded, s.id)
	case s.media != nil:
		s.mu.Unlock()
		return domain.NewSubSystemError("call", "Session.InitializeMediaStream", domain.ErrAlreadyAttached, s.id)
	}
	s.media = conn
	s.mu.Unlock()

	var stt domain.TranscriptionStream
	err := tracer.Run(ctx, "call.attach_media", func(ctx context.Context) error {
		var err error
		stt, err = s.deps.Transcriber.Open(ctx, domain.TranscriptionConfig{
			CallID:     s.id,
			SampleRate: audio.SampleRate,
			Channels:   1,
		})
		return err
	}, tracer.CallAttr(s.id))
	if err != nil {
		s.mu.Lock()
		s.media = nil
		s.mu.Unlock()
		return fmt.Errorf("open transcription: %w", err)
	}

	bridgeCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.state.Status.IsTerminal() {
		s.mu.Unlock()
		cancel()
		stt.Close()
		return domain.NewSubSystemError("call", "Session.InitializeMediaStream", domain.ErrCallEnded, s.id)
	}
	s.stt = stt
	s.bridgeCancel = cancel
	s.speakQ = make(chan speakRequest, s.opts.SpeakQueueSize)
	s.state.StreamSid = start.StreamSid
	if s.state.CallSid == "" {
		s.state.CallSid = start.CallSid
	}
	if s.applyLocked(domain.CallStatusConnected) {
		s.emit(s.messageLocked(domain.MsgCallConnected))
	}
	speakQ := s.speakQ
	s.wg.Add(3)
	s.mu.Unlock()

	go s.readInbound(conn, stt)
	go s.forwardTranscripts(stt)
	go s.speaker(bridgeCtx, conn, speakQ)

	s.logger.Info("media attached", "stream_sid", start.StreamSid)
	return nil
}

// Speak queues text for synthesis. Requests play one at a time in the
// order they were accepted.
func (s *Session) Speak(ctx context.Context, text string) error {
	if text == "" {
		return domain.NewSubSystemError("call", "Session.Speak", domain.ErrInvalidInput, "empty text")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state.Status.IsTerminal():
		return domain.NewSubSystemError("call", "Session.Speak", domain.ErrCallEnded, s.id)
	case s.speakQ == nil:
		return domain.NewSubSystemError("call", "Session.Speak", domain.ErrNotConnected, s.id)
	}
	select {
	case s.speakQ <- speakRequest{seq: s.speakSeq.Add(1), text: text}:
		return nil
	default:
		return domain.NewSubSystemError("call", "Session.Speak", domain.ErrLimitReached,
			fmt.Sprintf("%d requests pending", cap(s.speakQ)))
	}
}

// Hangup ends the call. It is idempotent.
func (s *Session) Hangup(ctx context.Context) error {
	return s.Terminate(ctx, domain.EndReasonHangup)
}

// Terminate asks the provider to end the call when its reference is known,
// then ends the session with reason. A provider failure is returned but
// the session ends regardless.
func (s *Session) Terminate(ctx context.Context, reason domain.EndReason) error {
	s.mu.Lock()
	if s.state.Status.IsTerminal() || s.terminating {
		s.mu.Unlock()
		return nil
	}
	s.terminating = true
	sid := s.state.CallSid
	s.mu.Unlock()

	var err error
	if sid != "" && s.deps.Telephony != nil {
		hctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		err = s.deps.Telephony.Hangup(hctx, sid)
		cancel()
		if err != nil {
			s.logger.Warn("provider hangup failed", "call_sid", sid, "error", err)
		}
	}
	s.end(reason, nil)
	return err
}

// end moves the session to ended. cause, when set, is emitted as an error
// message first. Reports whether this call performed the transition.
func (s *Session) end(reason domain.EndReason, cause error) bool {
	s.mu.Lock()
	if !s.state.Status.CanTransitionTo(domain.CallStatusEnded) {
		s.mu.Unlock()
		return false
	}
	if cause != nil {
		s.emit(domain.ErrorMessage(s.id, cause))
	}
	s.state.Status = domain.CallStatusEnded
	s.state.EndReason = reason
	s.state.UpdatedAt = time.Now().UTC()
	final := s.state
	cancel, stt, media := s.bridgeCancel, s.stt, s.media
	s.events.finish(domain.SessionEvent{Kind: domain.SessionEventEnded, State: final})
	s.wg.Add(1)
	close(s.done)
	s.mu.Unlock()

	s.logger.Info("call ended", "reason", reason)
	go func() {
		defer s.wg.Done()
		if media != nil {
			media.Close(closeNormal, "call ended")
		}
		if cancel != nil {
			cancel()
		}
		if stt != nil {
			if err := stt.Close(); err != nil {
				s.logger.Debug("closing transcription stream", "error", err)
			}
		}
	}()
	return true
}

// readInbound runs until the media connection closes; teardown closes it.
func (s *Session) readInbound(conn domain.MediaConn, stt domain.TranscriptionStream) {
	defer s.wg.Done()
	for {
		ev, err := conn.Next(context.Background())
		if err != nil {
			if s.ended() {
				return
			}
			s.logger.Warn("media stream lost", "error", err)
			s.end(domain.EndReasonMediaError, domain.NewSubSystemError("call", "Session.media",
				domain.ErrProviderError, fmt.Sprintf("media stream lost: %v", err)))
			return
		}

		switch ev.Kind {
		case domain.MediaEventAudio:
			s.deps.Metrics.InboundFrame()
			samples, err := audio.DecodeMulaw(ev.Audio)
			if err != nil {
				s.logger.Debug("dropping inbound frame", "bytes", len(ev.Audio), "error", err)
				continue
			}
			if err := stt.Send(audio.PCMToBytes(samples)); err != nil {
				s.logger.Debug("transcription send failed", "error", err)
			}
		case domain.MediaEventMark:
			s.logger.Debug("playback mark reached", "mark", ev.Mark)
		case domain.MediaEventStop:
			s.logger.Info("media stream stopped by provider")
			s.end(domain.EndReasonCompleted, nil)
			return
		}
	}
}

func (s *Session) forwardTranscripts(stt domain.TranscriptionStream) {
	defer s.wg.Done()
	for t := range stt.Transcripts() {
		if t.Err != nil {
			s.logger.Warn("transcription error", "error", t.Err)
			s.emit(domain.ErrorMessage(s.id, t.Err))
			continue
		}
		s.deps.Metrics.Transcript(t.IsFinal)
		msg := s.message(domain.MsgTranscript)
		msg.Text = t.Text
		msg.Final = t.IsFinal
		s.emit(msg)
	}
}

// speaker is the only writer of outbound audio for the session.
func (s *Session) speaker(ctx context.Context, conn domain.MediaConn, queue <-chan speakRequest) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case req := <-queue:
			s.play(ctx, conn, req)
		}
	}
}

func (s *Session) play(ctx context.Context, conn domain.MediaConn, req speakRequest) {
	speech, err := s.deps.Synthesizer.Synthesize(ctx, req.text)
	if err != nil {
		if !s.ended() {
			s.logger.Warn("synthesis failed", "error", err)
			s.emit(domain.ErrorMessage(s.id, err))
		}
		return
	}
	frames, err := toFrames(speech)
	if err != nil {
		s.emit(domain.ErrorMessage(s.id, domain.NewSubSystemError("elevenlabs", "Session.Speak", domain.ErrProviderError, err.Error())))
		return
	}

	started := s.message(domain.MsgSpeechStarted)
	started.Text = req.text
	s.emit(started)

	for _, frame := range frames {
		if s.ended() {
			return
		}
		if err := conn.SendAudio(ctx, frame); err != nil {
			if !s.ended() {
				s.logger.Warn("outbound audio failed", "error", err)
				s.emit(domain.ErrorMessage(s.id, domain.NewSubSystemError("call", "Session.Speak", domain.ErrProviderError, err.Error())))
			}
			return
		}
	}
	if err := conn.SendMark(ctx, fmt.Sprintf("speech-%d", req.seq)); err != nil && !s.ended() {
		s.logger.Debug("mark send failed", "error", err)
	}
	s.deps.Metrics.OutboundFrames(len(frames))
	s.deps.Metrics.TTSCharacters(utf8.RuneCountInString(req.text))

	done := s.message(domain.MsgSpeechDone)
	done.Text = req.text
	s.emit(done)
}

// toFrames converts synthesized PCM16 into 8 kHz mu-law frames.
func toFrames(speech *domain.Speech) ([][]byte, error) {
	samples, err := audio.PCMFromBytes(speech.PCM)
	if err != nil {
		return nil, err
	}
	rate := speech.SampleRate
	if rate == 0 {
		rate = audio.SampleRate
	}
	resampled, err := audio.Resample(samples, rate, audio.SampleRate)
	if err != nil {
		return nil, err
	}
	return audio.EncodeFrames(resampled), nil
}

func (s *Session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// applyLocked performs a non-terminal transition if it moves forward.
func (s *Session) applyLocked(next domain.CallStatus) bool {
	if !s.state.Status.CanTransitionTo(next) {
		return false
	}
	s.state.Status = next
	s.state.UpdatedAt = time.Now().UTC()
	return true
}

func (s *Session) messageLocked(t domain.ControlMessageType) domain.ControlMessage {
	return domain.ControlMessage{
		Type:      t,
		CallID:    s.id,
		Status:    s.state.Status,
		Timestamp: time.Now().UTC(),
	}
}

func (s *Session) message(t domain.ControlMessageType) domain.ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageLocked(t)
}

func (s *Session) emit(msg domain.ControlMessage) {
	s.events.push(domain.SessionEvent{Kind: domain.SessionEventMessage, Message: msg})
}
