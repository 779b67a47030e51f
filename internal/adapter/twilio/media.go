package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"callbridge/internal/domain"
)

// Media stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
	EventDTMF      = "dtmf"
)

// ErrBadHandshake means the first meaningful message was not a start event
// carrying a call id.
var ErrBadHandshake = errors.New("media stream handshake: expected start event with callId")

const writeTimeout = 5 * time.Second

// StreamMessage is one JSON frame of a Twilio media stream, in either direction.
type StreamMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
}

// StartPayload is the body of a start event.
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat describes the stream encoding.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries base64 mu-law audio.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload names a playback marker.
type MarkPayload struct {
	Name string `json:"name"`
}

// Stream wraps a media-stream websocket. Reads are single-reader; all
// writes are serialized by an internal mutex so audio, marks and clears
// reach Twilio in the order they were issued.
type Stream struct {
	conn *websocket.Conn

	wmu       sync.Mutex
	streamSid string
	started   bool
}

// NewStream wraps an accepted websocket.
func NewStream(conn *websocket.Conn) *Stream {
	conn.SetReadLimit(64 * 1024)
	return &Stream{conn: conn}
}

// Handshake reads until the start event and returns its identifying payload.
// Connected events are skipped. Anything else first, an unparseable frame
// or a start without callId yields ErrBadHandshake.
func (s *Stream) Handshake(ctx context.Context) (domain.MediaStart, error) {
	for {
		msg, err := s.read(ctx)
		if err != nil {
			return domain.MediaStart{}, err
		}
		switch msg.Event {
		case EventConnected:
			continue
		case EventStart:
			if msg.Start == nil || msg.Start.CustomParameters[CallIDParameter] == "" {
				return domain.MediaStart{}, ErrBadHandshake
			}
			streamSid := msg.Start.StreamSid
			if streamSid == "" {
				streamSid = msg.StreamSid
			}
			s.wmu.Lock()
			s.streamSid = streamSid
			s.started = true
			s.wmu.Unlock()
			return domain.MediaStart{
				CallID:     msg.Start.CustomParameters[CallIDParameter],
				CallSid:    msg.Start.CallSid,
				StreamSid:  streamSid,
				Encoding:   msg.Start.MediaFormat.Encoding,
				SampleRate: msg.Start.MediaFormat.SampleRate,
			}, nil
		default:
			return domain.MediaStart{}, ErrBadHandshake
		}
	}
}

// Next returns the next audio, mark or stop event. Repeated start events
// and unknown events are skipped.
func (s *Stream) Next(ctx context.Context) (domain.MediaEvent, error) {
	for {
		msg, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, ErrBadHandshake) {
				continue
			}
			return domain.MediaEvent{}, err
		}
		switch msg.Event {
		case EventMedia:
			if msg.Media == nil {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			return domain.MediaEvent{Kind: domain.MediaEventAudio, Audio: audio}, nil
		case EventMark:
			name := ""
			if msg.Mark != nil {
				name = msg.Mark.Name
			}
			return domain.MediaEvent{Kind: domain.MediaEventMark, Mark: name}, nil
		case EventStop:
			return domain.MediaEvent{Kind: domain.MediaEventStop}, nil
		}
	}
}

func (s *Stream) read(ctx context.Context) (StreamMessage, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return StreamMessage{}, err
	}
	var msg StreamMessage
	if typ != websocket.MessageText || json.Unmarshal(data, &msg) != nil {
		return StreamMessage{}, ErrBadHandshake
	}
	return msg, nil
}

// SendAudio writes one outbound media frame of mu-law audio.
func (s *Stream) SendAudio(ctx context.Context, mulaw []byte) error {
	return s.write(ctx, StreamMessage{
		Event: EventMedia,
		Media: &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// SendMark asks Twilio to echo name back once preceding audio has played.
func (s *Stream) SendMark(ctx context.Context, name string) error {
	return s.write(ctx, StreamMessage{Event: EventMark, Mark: &MarkPayload{Name: name}})
}

// Clear discards audio Twilio has buffered but not yet played.
func (s *Stream) Clear(ctx context.Context) error {
	return s.write(ctx, StreamMessage{Event: EventClear})
}

func (s *Stream) write(ctx context.Context, msg StreamMessage) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if !s.started {
		return fmt.Errorf("media stream not started")
	}
	msg.StreamSid = s.streamSid
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the websocket with the given status code.
func (s *Stream) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}

var _ domain.MediaConn = (*Stream)(nil)
