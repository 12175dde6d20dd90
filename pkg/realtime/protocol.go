package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/birddigital/voice-relay/pkg/relay"
)

// Client event types sent to the backend.
const (
	TypeSessionUpdate      = "session.update"
	TypeInputAudioAppend   = "input_audio_buffer.append"
	TypeConversationCreate = "conversation.item.create"
	TypeResponseCreate     = "response.create"
	TypeItemTruncate       = "conversation.item.truncate"
)

// Server event types the relay reacts to.
const (
	TypeAudioDelta        = "response.audio.delta"
	TypeOutputAudioDelta  = "response.output_audio.delta"
	TypeSpeechStarted     = "input_audio_buffer.speech_started"
	TypeTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	TypeError             = "error"
)

// ============================================
// CLIENT EVENTS
// ============================================

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

type SessionParams struct {
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Modalities              []string            `json:"modalities,omitempty"`
	Temperature             *float64            `json:"temperature,omitempty"`
	InputAudioTranscription *AudioTranscription `json:"input_audio_transcription,omitempty"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

type AudioTranscription struct {
	Model string `json:"model"`
}

type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ResponseCreate struct {
	Type string `json:"type"`
}

type ItemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

// NewSessionUpdate maps a relay session config onto the wire shape.
func NewSessionUpdate(cfg relay.SessionConfig) SessionUpdate {
	params := SessionParams{
		InputAudioFormat:  cfg.InputAudioFormat,
		OutputAudioFormat: cfg.OutputAudioFormat,
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		Modalities:        cfg.Modalities,
		Temperature:       cfg.Temperature,
	}
	if cfg.TurnDetection != "" {
		params.TurnDetection = &TurnDetection{Type: cfg.TurnDetection}
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &AudioTranscription{Model: cfg.TranscriptionModel}
	}
	return SessionUpdate{Type: TypeSessionUpdate, Session: params}
}

func NewInputAudioAppend(audio []byte) InputAudioAppend {
	return InputAudioAppend{Type: TypeInputAudioAppend, Audio: base64.StdEncoding.EncodeToString(audio)}
}

// NewUserText creates a user text message that seeds the conversation.
func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationCreate,
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

func NewItemTruncate(t relay.Truncation) ItemTruncate {
	return ItemTruncate{
		Type:         TypeItemTruncate,
		ItemID:       t.ItemID,
		ContentIndex: t.ContentIndex,
		AudioEndMs:   t.AudioEndMs,
	}
}

// ============================================
// SERVER EVENTS
// ============================================

type audioDelta struct {
	ItemID string `json:"item_id"`
	Delta  string `json:"delta"`
}

type speechStarted struct {
	ItemID       string `json:"item_id"`
	AudioStartMs int64  `json:"audio_start_ms"`
}

type transcriptionDone struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

type errorEvent struct {
	Error relay.BackendError `json:"error"`
}

// DecodeEvent decodes one backend frame. Frames that cannot be decoded, or
// audio deltas missing their item id or payload, return an error wrapping
// relay.ErrMalformedEvent.
func DecodeEvent(data []byte) (relay.UpstreamEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return relay.UpstreamEvent{}, fmt.Errorf("invalid json frame: %w", relay.ErrMalformedEvent)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return relay.UpstreamEvent{}, fmt.Errorf("missing type: %w", relay.ErrMalformedEvent)
	}

	switch typ {
	case TypeAudioDelta, TypeOutputAudioDelta:
		var msg audioDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return relay.UpstreamEvent{}, fmt.Errorf("invalid %s: %w", typ, relay.ErrMalformedEvent)
		}
		if msg.ItemID == "" {
			return relay.UpstreamEvent{}, fmt.Errorf("%s.item_id is required: %w", typ, relay.ErrMalformedEvent)
		}
		if msg.Delta == "" {
			return relay.UpstreamEvent{}, fmt.Errorf("%s.delta is required: %w", typ, relay.ErrMalformedEvent)
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return relay.UpstreamEvent{}, fmt.Errorf("%s.delta is not base64: %w", typ, relay.ErrMalformedEvent)
		}
		return relay.UpstreamEvent{Type: relay.UpstreamAudioDelta, RawType: typ, ItemID: msg.ItemID, Payload: audio}, nil

	case TypeSpeechStarted:
		var msg speechStarted
		if err := json.Unmarshal(data, &msg); err != nil {
			return relay.UpstreamEvent{}, fmt.Errorf("invalid %s: %w", typ, relay.ErrMalformedEvent)
		}
		return relay.UpstreamEvent{Type: relay.UpstreamSpeechStarted, RawType: typ, ItemID: msg.ItemID}, nil

	case TypeTranscriptionDone:
		var msg transcriptionDone
		if err := json.Unmarshal(data, &msg); err != nil {
			return relay.UpstreamEvent{}, fmt.Errorf("invalid %s: %w", typ, relay.ErrMalformedEvent)
		}
		return relay.UpstreamEvent{Type: relay.UpstreamTranscript, RawType: typ, ItemID: msg.ItemID, Text: msg.Transcript}, nil

	case TypeError:
		var msg errorEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return relay.UpstreamEvent{}, fmt.Errorf("invalid error event: %w", relay.ErrMalformedEvent)
		}
		backendErr := msg.Error
		return relay.UpstreamEvent{Type: relay.UpstreamError, RawType: typ, Err: &backendErr}, nil

	default:
		return relay.UpstreamEvent{Type: relay.UpstreamOther, RawType: typ}, nil
	}
}
