package deepgram

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"callbridge/internal/domain"
)

const (
	writeWait = 5 * time.Second
	// drainWait bounds how long Close waits for final results after CloseStream.
	drainWait = 2 * time.Second
)

var (
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
)

// ErrStreamClosed is returned by Send after Close.
var ErrStreamClosed = errors.New("transcription stream closed")

type result struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Channel     channel `json:"channel"`
}

type channel struct {
	Alternatives []struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
}

// UnmarshalJSON tolerates the array form some non-Results messages use.
func (c *channel) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	type plain channel
	return json.Unmarshal(data, (*plain)(c))
}

type stream struct {
	conn   *websocket.Conn
	logger *slog.Logger
	out    chan domain.Transcript

	wmu      sync.Mutex
	lastSend time.Time
	closed   bool

	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

func newStream(conn *websocket.Conn, keepAlive time.Duration, logger *slog.Logger) *stream {
	s := &stream{
		conn:     conn,
		logger:   logger,
		out:      make(chan domain.Transcript, 32),
		lastSend: time.Now(),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAliveLoop(keepAlive)
	return s
}

// Send forwards PCM16LE audio as one binary frame.
func (s *stream) Send(pcm []byte) error {
	return s.write(websocket.BinaryMessage, pcm)
}

func (s *stream) Transcripts() <-chan domain.Transcript { return s.out }

// Close asks Deepgram to flush, waits briefly for final results, then
// closes the socket. Safe to call more than once.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if werr := s.write(websocket.TextMessage, msgCloseStream); werr != nil && !errors.Is(werr, ErrStreamClosed) {
			err = werr
		}
		s.wmu.Lock()
		s.closed = true
		s.wmu.Unlock()
		close(s.done)

		select {
		case <-s.readDone:
		case <-time.After(drainWait):
		}
		s.conn.Close()
		<-s.readDone
	})
	return err
}

func (s *stream) write(messageType int, data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	s.lastSend = time.Now()
	return nil
}

func (s *stream) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.wmu.Lock()
			idle := time.Since(s.lastSend) >= interval
			s.wmu.Unlock()
			if idle {
				if err := s.write(websocket.TextMessage, msgKeepAlive); err != nil && !errors.Is(err, ErrStreamClosed) {
					s.logger.Debug("deepgram keepalive failed", "error", err)
				}
			}
		}
	}
}

func (s *stream) readLoop() {
	defer close(s.readDone)
	defer close(s.out)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.emit(domain.Transcript{Err: domain.NewSubSystemError("deepgram", "stream", domain.ErrProviderError, err.Error())})
				}
			}
			return
		}

		var res result
		if err := json.Unmarshal(data, &res); err != nil {
			s.logger.Debug("unparseable deepgram message", "error", err)
			continue
		}
		if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
			continue
		}
		alt := res.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}
		s.emit(domain.Transcript{Text: text, IsFinal: res.IsFinal, Confidence: alt.Confidence})
	}
}

// emit delivers t unless the consumer has gone away; interim results are
// dropped rather than stalling the socket when the buffer is full.
func (s *stream) emit(t domain.Transcript) {
	if !t.IsFinal && t.Err == nil {
		select {
		case s.out <- t:
		default:
		}
		return
	}
	select {
	case s.out <- t:
	case <-time.After(drainWait):
		s.logger.Warn("transcript consumer stalled, dropping final result")
	}
}
