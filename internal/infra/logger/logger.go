package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"callbridge/internal/infra/config"
)

// Attribute keys whose values never reach the log output in full.
var secretKeys = map[string]bool{
	"auth_token": true,
	"api_key":    true,
	"token":      true,
	"signature":  true,
}

var phoneKeys = map[string]bool{
	"phone": true,
	"to":    true,
	"from":  true,
}

// New creates a configured *slog.Logger.
// The returned closer should be deferred to close file outputs.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(newHandler(writer, cfg)), closer, nil
}

func newHandler(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// ForCall returns a child logger tagged with the call's identifier.
func ForCall(log *slog.Logger, callID string) *slog.Logger {
	return log.With("call_id", callID)
}

// redact masks credentials and all but the last four digits of phone numbers.
func redact(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	switch {
	case secretKeys[a.Key]:
		return slog.String(a.Key, "[redacted]")
	case phoneKeys[a.Key]:
		return slog.String(a.Key, MaskPhone(a.Value.String()))
	}
	return a
}

// MaskPhone keeps the leading "+" and last four characters of a number.
func MaskPhone(number string) string {
	if len(number) <= 4 {
		return number
	}
	prefix := ""
	if strings.HasPrefix(number, "+") {
		prefix = "+"
	}
	return prefix + strings.Repeat("*", len(number)-len(prefix)-4) + number[len(number)-4:]
}

// parseLevel converts a string level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openOutput returns an io.Writer for the specified output target.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
