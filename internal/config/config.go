// Package config loads the relay server's settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/birddigital/voice-relay/pkg/audio"
	"github.com/birddigital/voice-relay/pkg/realtime"
	"github.com/birddigital/voice-relay/pkg/relay"
)

// Backend audio formats.
const (
	AudioFormatG711Ulaw = "g711_ulaw"
	AudioFormatPCM16    = "pcm16"
)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultVoice              = "alloy"
	defaultTranscriptionModel = "whisper-1"
	defaultInstructions       = "تحدث بالعربية فقط. كن مساعدًا ودودًا وتجاوب بشكل طبيعي مع المتصل."
)

// Config aggregates every setting the server needs.
type Config struct {
	Server     ServerConfig
	Realtime   RealtimeConfig
	Style      StyleConfig
	SignalWire SignalWireConfig
	Database   DatabaseConfig
	Log        LogConfig
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	rt, err := loadRealtimeConfig()
	if err != nil {
		return nil, err
	}

	styleSwitching, err := parseBoolEnv("STYLE_SWITCHING", false)
	if err != nil {
		return nil, err
	}
	// Style switching reacts to caller transcripts, which the backend only
	// produces when input transcription is on.
	if styleSwitching && rt.TranscriptionModel == "" {
		rt.TranscriptionModel = defaultTranscriptionModel
	}

	return &Config{
		Server:   server,
		Realtime: rt,
		Style:    StyleConfig{Enabled: styleSwitching},
		SignalWire: SignalWireConfig{
			ProjectID: strings.TrimSpace(os.Getenv("SIGNALWIRE_PROJECT_ID")),
			Token:     strings.TrimSpace(os.Getenv("SIGNALWIRE_TOKEN")),
			Space:     strings.TrimSpace(os.Getenv("SIGNALWIRE_SPACE")),
			CallerID:  strings.TrimSpace(os.Getenv("SIGNALWIRE_CALLER_ID")),
		},
		Database: DatabaseConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))},
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}, nil
}

// ============================================
// SERVER
// ============================================

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr            string
	PublicHost      string
	ShutdownTimeout time.Duration
}

func loadServerConfig() (ServerConfig, error) {
	port := getEnvOrDefault("PORT", "8081")

	addr := port
	if !strings.Contains(port, ":") {
		if strings.Contains(port, " ") {
			return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
		}
		addr = ":" + port
	}

	shutdown, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		Addr:            addr,
		PublicHost:      strings.TrimSpace(os.Getenv("PUBLIC_HOST")),
		ShutdownTimeout: shutdown,
	}, nil
}

// ============================================
// REALTIME BACKEND
// ============================================

// RealtimeConfig describes the speech-AI backend and the session sent to it.
type RealtimeConfig struct {
	APIKey             string
	URL                string
	Model              string
	Voice              string
	Instructions       string
	Temperature        *float64
	AudioFormat        string
	TranscriptionModel string
	Greeting           string
	MarkName           string
}

func loadRealtimeConfig() (RealtimeConfig, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return RealtimeConfig{}, fmt.Errorf("OPENAI_API_KEY is required")
	}

	temperature, err := parseOptionalFloatEnv("REALTIME_TEMPERATURE")
	if err != nil {
		return RealtimeConfig{}, err
	}

	format := strings.ToLower(getEnvOrDefault("REALTIME_AUDIO_FORMAT", AudioFormatG711Ulaw))
	if format != AudioFormatG711Ulaw && format != AudioFormatPCM16 {
		return RealtimeConfig{}, fmt.Errorf("invalid REALTIME_AUDIO_FORMAT value %q: want %s or %s",
			format, AudioFormatG711Ulaw, AudioFormatPCM16)
	}

	return RealtimeConfig{
		APIKey:             apiKey,
		URL:                getEnvOrDefault("REALTIME_URL", realtime.DefaultURL),
		Model:              getEnvOrDefault("REALTIME_MODEL", defaultModel),
		Voice:              getEnvOrDefault("REALTIME_VOICE", defaultVoice),
		Instructions:       getEnvOrDefault("REALTIME_INSTRUCTIONS", defaultInstructions),
		Temperature:        temperature,
		AudioFormat:        format,
		TranscriptionModel: getEnvOrDefault("REALTIME_TRANSCRIPTION_MODEL", ""),
		Greeting:           getEnvOrDefault("GREETING_TEXT", ""),
		MarkName:           getEnvOrDefault("MARK_NAME", ""),
	}, nil
}

// Client returns the connection settings for the realtime client.
func (c RealtimeConfig) Client() realtime.Config {
	return realtime.Config{URL: c.URL, Model: c.Model, APIKey: c.APIKey}
}

// SessionConfig returns the session sent to the backend at call start.
func (c RealtimeConfig) SessionConfig() relay.SessionConfig {
	return relay.SessionConfig{
		TurnDetection:      "server_vad",
		InputAudioFormat:   c.AudioFormat,
		OutputAudioFormat:  c.AudioFormat,
		Voice:              c.Voice,
		Instructions:       c.Instructions,
		Modalities:         []string{"text", "audio"},
		Temperature:        c.Temperature,
		TranscriptionModel: c.TranscriptionModel,
	}
}

// RelayConfig builds the per-call engine configuration. PCM16 sessions get
// transcoders between the 8 kHz telephony codec and 24 kHz PCM.
func (c RealtimeConfig) RelayConfig() (relay.Config, error) {
	cfg := relay.Config{
		Session:  c.SessionConfig(),
		Greeting: c.Greeting,
		MarkName: c.MarkName,
	}
	if c.AudioFormat != AudioFormatPCM16 {
		return cfg, nil
	}

	inbound, err := audio.NewConverter(audio.FormatMulaw8k, audio.FormatPCM24k)
	if err != nil {
		return relay.Config{}, fmt.Errorf("failed to build inbound converter: %w", err)
	}
	outbound, err := audio.NewConverter(audio.FormatPCM24k, audio.FormatMulaw8k)
	if err != nil {
		return relay.Config{}, fmt.Errorf("failed to build outbound converter: %w", err)
	}
	cfg.Inbound = inbound
	cfg.Outbound = outbound
	return cfg, nil
}

// ============================================
// OPTIONAL INTEGRATIONS
// ============================================

// StyleConfig toggles transcript-driven style switching.
type StyleConfig struct {
	Enabled bool
}

// SignalWireConfig holds REST API credentials for outbound calls.
type SignalWireConfig struct {
	ProjectID string
	Token     string
	Space     string
	CallerID  string
}

// Enabled reports whether outbound calling can be offered.
func (c SignalWireConfig) Enabled() bool {
	return c.ProjectID != "" && c.Token != "" && c.Space != ""
}

// DatabaseConfig points at the Postgres call store. An empty URL keeps
// records in memory.
type DatabaseConfig struct {
	URL string
}

type LogConfig struct {
	Level  string
	Format string
}

// ============================================
// ENV HELPERS
// ============================================

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}
