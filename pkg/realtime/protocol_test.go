package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/birddigital/voice-relay/pkg/relay"
)

func TestDecodeEvent_AudioDelta(t *testing.T) {
	for _, typ := range []string{TypeAudioDelta, TypeOutputAudioDelta} {
		raw := []byte(`{"type":"` + typ + `","response_id":"resp_1","item_id":"R1","output_index":0,"content_index":0,"delta":"WFla"}`)
		evt, err := DecodeEvent(raw)
		if err != nil {
			t.Fatalf("%s: DecodeEvent err=%v", typ, err)
		}
		if evt.Type != relay.UpstreamAudioDelta || evt.ItemID != "R1" || string(evt.Payload) != "XYZ" {
			t.Fatalf("%s: event=%+v", typ, evt)
		}
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":        `{"type":`,
		"missing type":    `{"item_id":"R1"}`,
		"delta no item":   `{"type":"response.audio.delta","delta":"WFla"}`,
		"delta no audio":  `{"type":"response.audio.delta","item_id":"R1"}`,
		"delta bad b64":   `{"type":"response.audio.delta","item_id":"R1","delta":"!!!"}`,
		"delta bad shape": `{"type":"response.audio.delta","item_id":7,"delta":"WFla"}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(raw))
			if !errors.Is(err, relay.ErrMalformedEvent) {
				t.Fatalf("err=%v, want ErrMalformedEvent", err)
			}
		})
	}
}

func TestDecodeEvent_SpeechStartedTranscriptAndError(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"input_audio_buffer.speech_started","audio_start_ms":1200,"item_id":"U1"}`))
	if err != nil || evt.Type != relay.UpstreamSpeechStarted {
		t.Fatalf("speech_started: evt=%+v err=%v", evt, err)
	}

	evt, err = DecodeEvent([]byte(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"U1","content_index":0,"transcript":"hello there"}`))
	if err != nil || evt.Type != relay.UpstreamTranscript || evt.Text != "hello there" || evt.ItemID != "U1" {
		t.Fatalf("transcript: evt=%+v err=%v", evt, err)
	}

	evt, err = DecodeEvent([]byte(`{"type":"error","error":{"type":"invalid_request_error","code":"item_not_found","message":"no such item"}}`))
	if err != nil || evt.Type != relay.UpstreamError || evt.Err == nil {
		t.Fatalf("error: evt=%+v err=%v", evt, err)
	}
	if evt.Err.Code != "item_not_found" || !strings.Contains(evt.Err.Error(), "no such item") {
		t.Fatalf("backend error=%+v", evt.Err)
	}
}

func TestDecodeEvent_OtherIsOpaque(t *testing.T) {
	evt, err := DecodeEvent([]byte(`{"type":"response.done","response":{"id":"resp_1"}}`))
	if err != nil {
		t.Fatalf("DecodeEvent err=%v", err)
	}
	if evt.Type != relay.UpstreamOther || evt.RawType != "response.done" {
		t.Fatalf("event=%+v", evt)
	}
}

func TestNewSessionUpdate_WireShape(t *testing.T) {
	temp := 0.7
	msg := NewSessionUpdate(relay.SessionConfig{
		TurnDetection:      "server_vad",
		InputAudioFormat:   "g711_ulaw",
		OutputAudioFormat:  "g711_ulaw",
		Voice:              "alloy",
		Instructions:       "Speak Arabic only.",
		Modalities:         []string{"text", "audio"},
		Temperature:        &temp,
		TranscriptionModel: "whisper-1",
	})
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal err=%v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal err=%v", err)
	}
	if got["type"] != "session.update" {
		t.Fatalf("type=%v", got["type"])
	}
	session := got["session"].(map[string]any)
	if td := session["turn_detection"].(map[string]any); td["type"] != "server_vad" {
		t.Fatalf("turn_detection=%v", td)
	}
	if session["input_audio_format"] != "g711_ulaw" || session["voice"] != "alloy" {
		t.Fatalf("session=%v", session)
	}
	if tr := session["input_audio_transcription"].(map[string]any); tr["model"] != "whisper-1" {
		t.Fatalf("input_audio_transcription=%v", tr)
	}
	if session["temperature"] != 0.7 {
		t.Fatalf("temperature=%v", session["temperature"])
	}
}

func TestNewSessionUpdate_OmitsUnsetFields(t *testing.T) {
	data, err := json.Marshal(NewSessionUpdate(relay.SessionConfig{Instructions: "hi"}))
	if err != nil {
		t.Fatalf("marshal err=%v", err)
	}
	for _, key := range []string{"turn_detection", "temperature", "input_audio_transcription", "voice"} {
		if strings.Contains(string(data), key) {
			t.Fatalf("%s should be omitted: %s", key, data)
		}
	}
}

func TestNewItemTruncate(t *testing.T) {
	data, err := json.Marshal(NewItemTruncate(relay.Truncation{ItemID: "R1", AudioEndMs: 150}))
	if err != nil {
		t.Fatalf("marshal err=%v", err)
	}
	want := `{"type":"conversation.item.truncate","item_id":"R1","content_index":0,"audio_end_ms":150}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}
}
