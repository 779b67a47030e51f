package main

import (
	"log/slog"

	"callbridge/internal/adapter/deepgram"
	"callbridge/internal/adapter/elevenlabs"
	"callbridge/internal/adapter/twilio"
	"callbridge/internal/domain"
	"callbridge/internal/infra/breaker"
	"callbridge/internal/infra/config"
)

// providerComponents groups the three external providers a call depends on.
type providerComponents struct {
	Telephony   domain.Telephony
	Transcriber domain.Transcriber
	Synthesizer domain.Synthesizer
}

// initProviders builds each provider client behind its own circuit breaker.
func initProviders(cfg *config.Config, log *slog.Logger) providerComponents {
	return providerComponents{
		Telephony:   twilio.NewClient(cfg.Twilio, breaker.New("twilio", cfg.Breaker, log), log),
		Transcriber: deepgram.NewClient(cfg.Deepgram, breaker.New("deepgram", cfg.Breaker, log), log),
		Synthesizer: elevenlabs.NewClient(cfg.ElevenLabs, breaker.New("elevenlabs", cfg.Breaker, log), log),
	}
}
