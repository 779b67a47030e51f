package domain

import "context"

// MediaStart is the handshake payload that identifies a media-plane connection.
type MediaStart struct {
	CallID     string // server call identifier from the custom parameters
	CallSid    string
	StreamSid  string
	Encoding   string
	SampleRate int
}

// MediaEventKind names an inbound media-plane event.
type MediaEventKind string

const (
	MediaEventAudio MediaEventKind = "audio"
	MediaEventMark  MediaEventKind = "mark"
	MediaEventStop  MediaEventKind = "stop"
)

// MediaEvent is one inbound media-plane event after the handshake.
type MediaEvent struct {
	Kind  MediaEventKind
	Audio []byte // raw mu-law payload for MediaEventAudio
	Mark  string // mark name for MediaEventMark
}

// MediaConn is an attached media-plane connection. Writes are safe for
// concurrent use; Next must be called from a single goroutine.
type MediaConn interface {
	Next(ctx context.Context) (MediaEvent, error)
	SendAudio(ctx context.Context, mulaw []byte) error
	SendMark(ctx context.Context, name string) error
	Close(code int, reason string) error
}
