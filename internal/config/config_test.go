package config

import (
	"strings"
	"testing"
	"time"

	"github.com/birddigital/voice-relay/pkg/realtime"
	"github.com/birddigital/voice-relay/pkg/relay"
)

var configEnvKeys = []string{
	"PORT", "PUBLIC_HOST", "SHUTDOWN_TIMEOUT",
	"OPENAI_API_KEY", "REALTIME_URL", "REALTIME_MODEL", "REALTIME_VOICE", "REALTIME_INSTRUCTIONS",
	"REALTIME_TEMPERATURE", "REALTIME_AUDIO_FORMAT", "REALTIME_TRANSCRIPTION_MODEL", "GREETING_TEXT", "MARK_NAME",
	"STYLE_SWITCHING",
	"SIGNALWIRE_PROJECT_ID", "SIGNALWIRE_TOKEN", "SIGNALWIRE_SPACE", "SIGNALWIRE_CALLER_ID",
	"DATABASE_URL", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv blanks every key Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if cfg.Server.Addr != ":8081" || cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Fatalf("server=%+v", cfg.Server)
	}
	rt := cfg.Realtime
	if rt.URL != realtime.DefaultURL || rt.Model != defaultModel || rt.Voice != "alloy" || rt.AudioFormat != AudioFormatG711Ulaw {
		t.Fatalf("realtime=%+v", rt)
	}
	if rt.Temperature != nil {
		t.Fatalf("temperature=%v, want nil", *rt.Temperature)
	}
	if cfg.Style.Enabled || cfg.SignalWire.Enabled() || cfg.Database.URL != "" {
		t.Fatalf("optional integrations enabled by default: %+v", cfg)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("log=%+v", cfg.Log)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("PUBLIC_HOST", "relay.example")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("REALTIME_TEMPERATURE", "0.6")
	t.Setenv("REALTIME_AUDIO_FORMAT", "PCM16")
	t.Setenv("STYLE_SWITCHING", "true")
	t.Setenv("SIGNALWIRE_PROJECT_ID", "proj")
	t.Setenv("SIGNALWIRE_TOKEN", "tok")
	t.Setenv("SIGNALWIRE_SPACE", "example.signalwire.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Server.PublicHost != "relay.example" || cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Fatalf("server=%+v", cfg.Server)
	}
	if cfg.Realtime.Temperature == nil || *cfg.Realtime.Temperature != 0.6 {
		t.Fatalf("temperature=%v", cfg.Realtime.Temperature)
	}
	if cfg.Realtime.AudioFormat != AudioFormatPCM16 {
		t.Fatalf("audio format=%q", cfg.Realtime.AudioFormat)
	}
	if !cfg.Style.Enabled || !cfg.SignalWire.Enabled() {
		t.Fatalf("style=%+v signalwire=%+v", cfg.Style, cfg.SignalWire)
	}
}

func TestLoadStyleSwitchingEnablesTranscription(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("STYLE_SWITCHING", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	relayCfg, err := cfg.Realtime.RelayConfig()
	if err != nil {
		t.Fatalf("RelayConfig err=%v", err)
	}
	update := realtime.NewSessionUpdate(relayCfg.Session)
	if update.Session.InputAudioTranscription == nil || update.Session.InputAudioTranscription.Model != "whisper-1" {
		t.Fatalf("style=%v transcription=%+v, want whisper-1", cfg.Style.Enabled, update.Session.InputAudioTranscription)
	}

	t.Setenv("REALTIME_TRANSCRIPTION_MODEL", "gpt-4o-transcribe")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if cfg.Realtime.TranscriptionModel != "gpt-4o-transcribe" {
		t.Fatalf("transcription model=%q, want explicit value kept", cfg.Realtime.TranscriptionModel)
	}
}

func TestLoadWithoutStyleSwitchingLeavesTranscriptionOff(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if cfg.Realtime.TranscriptionModel != "" {
		t.Fatalf("transcription model=%q, want empty", cfg.Realtime.TranscriptionModel)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := map[string]map[string]string{
		"missing api key":   {},
		"bad port":          {"OPENAI_API_KEY": "sk", "PORT": "80 80"},
		"bad temperature":   {"OPENAI_API_KEY": "sk", "REALTIME_TEMPERATURE": "warm"},
		"bad audio format":  {"OPENAI_API_KEY": "sk", "REALTIME_AUDIO_FORMAT": "opus"},
		"bad style flag":    {"OPENAI_API_KEY": "sk", "STYLE_SWITCHING": "sometimes"},
		"bad shutdown":      {"OPENAI_API_KEY": "sk", "SHUTDOWN_TIMEOUT": "soon"},
		"negative shutdown": {"OPENAI_API_KEY": "sk", "SHUTDOWN_TIMEOUT": "-1s"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("Load accepted invalid configuration")
			}
		})
	}
}

func TestRelayConfig(t *testing.T) {
	temp := 0.7
	rt := RealtimeConfig{
		Voice:        "verse",
		Instructions: "Be brief.",
		Temperature:  &temp,
		AudioFormat:  AudioFormatG711Ulaw,
		Greeting:     "Greet the caller.",
	}

	cfg, err := rt.RelayConfig()
	if err != nil {
		t.Fatalf("RelayConfig err=%v", err)
	}
	s := cfg.Session
	if s.TurnDetection != "server_vad" || s.InputAudioFormat != AudioFormatG711Ulaw || s.Voice != "verse" ||
		s.Instructions != "Be brief." || *s.Temperature != 0.7 || strings.Join(s.Modalities, ",") != "text,audio" {
		t.Fatalf("session=%+v", s)
	}
	if cfg.Greeting != "Greet the caller." || cfg.Inbound != nil || cfg.Outbound != nil {
		t.Fatalf("relay config=%+v", cfg)
	}

	rt.AudioFormat = AudioFormatPCM16
	cfg, err = rt.RelayConfig()
	if err != nil {
		t.Fatalf("RelayConfig pcm16 err=%v", err)
	}
	if cfg.Inbound == nil || cfg.Outbound == nil {
		t.Fatal("pcm16 session without transcoders")
	}
	if _, ok := cfg.Inbound.(relay.StreamTranscoder); !ok {
		t.Fatal("pcm16 inbound transcoder cannot hand out per-call streams")
	}
	up, err := cfg.Inbound.Transcode([]byte{0xff, 0xff})
	if err != nil || len(up) != 12 {
		t.Fatalf("inbound transcode len=%d err=%v, want 12 bytes", len(up), err)
	}
	down, err := cfg.Outbound.Transcode(make([]byte, 12))
	if err != nil || len(down) != 2 {
		t.Fatalf("outbound transcode len=%d err=%v, want 2 bytes", len(down), err)
	}
}

func TestRealtimeClientConfig(t *testing.T) {
	c := RealtimeConfig{APIKey: "sk", URL: "wss://example/realtime", Model: "m"}.Client()
	if c.APIKey != "sk" || c.URL != "wss://example/realtime" || c.Model != "m" {
		t.Fatalf("client config=%+v", c)
	}
}
