package domain

import "context"

// PlaceCallRequest describes an outbound call origination.
type PlaceCallRequest struct {
	CallID    string // server call identifier, embedded in the callback URLs
	To        string // E.164 destination
	VoiceURL  string // webhook returning call instructions
	StatusURL string // webhook receiving status changes
}

// Telephony places and terminates provider calls.
type Telephony interface {
	Name() string
	// Preflight checks the account can place calls right now.
	Preflight(ctx context.Context) error
	// PlaceCall originates a call and returns the provider call reference.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error)
	// Hangup terminates the provider call identified by callSid.
	Hangup(ctx context.Context, callSid string) error
}

// TranscriptionConfig configures a streaming transcription session.
type TranscriptionConfig struct {
	CallID     string
	SampleRate int // PCM16 sample rate of the audio sent
	Channels   int
}

// Transcript is one speech-to-text result.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Err        error // non-nil for stream-level errors
}

// TranscriptionStream accepts PCM16LE audio and yields transcripts.
type TranscriptionStream interface {
	// Send forwards a chunk of little-endian PCM16 audio.
	Send(pcm []byte) error
	// Transcripts is closed when the stream ends.
	Transcripts() <-chan Transcript
	Close() error
}

// Transcriber opens streaming speech-to-text sessions.
type Transcriber interface {
	Name() string
	// Preflight checks the credential is valid.
	Preflight(ctx context.Context) error
	Open(ctx context.Context, cfg TranscriptionConfig) (TranscriptionStream, error)
}

// Speech is synthesized audio as little-endian PCM16 mono.
type Speech struct {
	PCM        []byte
	SampleRate int
}

// Synthesizer converts text to speech.
type Synthesizer interface {
	Name() string
	// Preflight checks the credential is valid and that the projected
	// usage for a conversation seeded with text fits the remaining budget.
	Preflight(ctx context.Context, text string) error
	Synthesize(ctx context.Context, text string) (*Speech, error)
}

// CallHistory persists finished calls.
type CallHistory interface {
	Record(ctx context.Context, state CallState) error
	Recent(ctx context.Context, limit int) ([]CallState, error)
	Close() error
}
