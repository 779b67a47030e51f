package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Twilio     TwilioConfig     `yaml:"twilio"`
	Deepgram   DeepgramConfig   `yaml:"deepgram"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Preflight  PreflightConfig  `yaml:"preflight"`
	Session    SessionConfig    `yaml:"session"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Store      StoreConfig      `yaml:"store"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// ServerConfig holds the call server's network settings.
type ServerConfig struct {
	Port                  int             `yaml:"port"`
	Host                  string          `yaml:"host"`
	PublicURL             string          `yaml:"public_url"` // must match what Twilio signs, byte for byte
	ShutdownGrace         time.Duration   `yaml:"shutdown_grace"`
	MediaHandshakeTimeout time.Duration   `yaml:"media_handshake_timeout"`
	MaxBodyBytes          int64           `yaml:"max_body_bytes"`
	AllowedOrigins        []string        `yaml:"allowed_origins"` // control-plane websocket origins
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-IP limits for call initiation.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// TwilioConfig holds Twilio credentials and endpoints.
type TwilioConfig struct {
	AccountSID     string        `yaml:"account_sid"`
	AuthToken      string        `yaml:"auth_token"`
	FromNumber     string        `yaml:"from_number"` // E.164
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SkipSignature  bool          `yaml:"skip_signature"` // dev-only
}

// DeepgramConfig holds speech-to-text settings.
type DeepgramConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	StreamURL      string `yaml:"stream_url"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	InterimResults bool   `yaml:"interim_results"`
}

// ElevenLabsConfig holds text-to-speech settings and the usage budget.
type ElevenLabsConfig struct {
	APIKey                 string        `yaml:"api_key"`
	BaseURL                string        `yaml:"base_url"`
	VoiceID                string        `yaml:"voice_id"`
	Model                  string        `yaml:"model"`
	RequestTimeout         time.Duration `yaml:"request_timeout"`
	BaseCharacters         int           `yaml:"base_characters"`
	ConversationMultiplier int           `yaml:"conversation_multiplier"`
	MaxCharactersPerCall   int           `yaml:"max_characters_per_call"` // 0 = no per-call cap
}

// PreflightConfig holds readiness-gate settings.
type PreflightConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig holds per-call settings.
type SessionConfig struct {
	SpeakQueueSize int           `yaml:"speak_queue_size"`
	MaxDuration    time.Duration `yaml:"max_duration"`
	ReapSchedule   string        `yaml:"reap_schedule"` // cron expression or "@every 30s"
}

// BreakerConfig configures provider circuit breakers.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// StoreConfig holds call history settings.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite file; empty disables history
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                  3333,
			ShutdownGrace:         5 * time.Second,
			MediaHandshakeTimeout: 10 * time.Second,
			MaxBodyBytes:          1 << 20,
			RateLimit: RateLimitConfig{
				RequestsPerMin: 60,
				Burst:          10,
			},
		},
		Twilio: TwilioConfig{
			BaseURL:        "https://api.twilio.com",
			RequestTimeout: 10 * time.Second,
		},
		Deepgram: DeepgramConfig{
			BaseURL:        "https://api.deepgram.com/v1",
			StreamURL:      "wss://api.deepgram.com/v1/listen",
			Model:          "nova-2",
			Language:       "en-US",
			InterimResults: true,
		},
		ElevenLabs: ElevenLabsConfig{
			BaseURL:                "https://api.elevenlabs.io/v1",
			VoiceID:                "21m00Tcm4TlvDq8ikWAM",
			Model:                  "eleven_turbo_v2_5",
			RequestTimeout:         30 * time.Second,
			BaseCharacters:         500,
			ConversationMultiplier: 4,
			MaxCharactersPerCall:   20000,
		},
		Preflight: PreflightConfig{
			Timeout: 8 * time.Second,
		},
		Session: SessionConfig{
			SpeakQueueSize: 16,
			MaxDuration:    15 * time.Minute,
			ReapSchedule:   "@every 30s",
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err == nil {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CALLBRIDGE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CALLBRIDGE_* and the providers' conventional env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CALLBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CALLBRIDGE_PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("CALLBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CALLBRIDGE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CALLBRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CALLBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CALLBRIDGE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CALLBRIDGE_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(v, ",")
	}

	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Twilio.AccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Twilio.AuthToken = v
	}
	if v := os.Getenv("TWILIO_PHONE_NUMBER"); v != "" {
		cfg.Twilio.FromNumber = v
	}
	if v := os.Getenv("DEEPGRAM_API_KEY"); v != "" {
		cfg.Deepgram.APIKey = v
	}
	if v := os.Getenv("ELEVENLABS_API_KEY"); v != "" {
		cfg.ElevenLabs.APIKey = v
	}
	if v := os.Getenv("ELEVENLABS_VOICE_ID"); v != "" {
		cfg.ElevenLabs.VoiceID = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in provider credentials and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"twilio.auth_token":  &cfg.Twilio.AuthToken,
		"deepgram.api_key":   &cfg.Deepgram.APIKey,
		"elevenlabs.api_key": &cfg.ElevenLabs.APIKey,
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
