package relay

import "fmt"

// DownstreamEventType identifies a caller-side event.
type DownstreamEventType string

const (
	DownstreamStart DownstreamEventType = "start"
	DownstreamMedia DownstreamEventType = "media"
	DownstreamMark  DownstreamEventType = "mark"
	DownstreamStop  DownstreamEventType = "stop"
)

// DownstreamEvent is a decoded caller-side event. Payload is raw audio; the
// channel implementation owns the wire encoding.
type DownstreamEvent struct {
	Type       DownstreamEventType
	StreamID   string
	CallID     string
	Payload    []byte
	Timestamp  *int64
	MarkName   string
	Parameters map[string]string
}

// UpstreamEventType identifies a backend event the relay reacts to.
type UpstreamEventType string

const (
	UpstreamAudioDelta    UpstreamEventType = "audio_delta"
	UpstreamSpeechStarted UpstreamEventType = "speech_started"
	UpstreamTranscript    UpstreamEventType = "transcript"
	UpstreamError         UpstreamEventType = "error"
	UpstreamOther         UpstreamEventType = "other"
)

// UpstreamEvent is a decoded backend event. RawType carries the backend's own
// event name for diagnostics.
type UpstreamEvent struct {
	Type    UpstreamEventType
	RawType string
	ItemID  string
	Payload []byte
	Text    string
	Err     *BackendError
}

// BackendError is an error reported in-band by the speech backend.
type BackendError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error %s: %s", e.Type, e.Message)
}

// SessionConfig is passed through to the backend untouched.
type SessionConfig struct {
	TurnDetection      string
	InputAudioFormat   string
	OutputAudioFormat  string
	Voice              string
	Instructions       string
	Modalities         []string
	Temperature        *float64
	TranscriptionModel string
}

// Truncation tells the backend where an assistant item was cut off.
type Truncation struct {
	ItemID       string
	ContentIndex int
	AudioEndMs   int64
}
