package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/birddigital/voice-relay/pkg/relay"
	"github.com/birddigital/voice-relay/pkg/transport"
)

// ============================================
// MEDIA STREAM
// SignalWire / Twilio "Media Streams" websocket for one phone call
// ============================================

// MediaStream is the caller side of a relay. It implements
// relay.DownstreamChannel over a bidirectional media stream socket.
type MediaStream struct {
	// Identifiers
	ID string `json:"id"`

	conn   *transport.Conn
	logger *zap.Logger

	// Timing
	ConnectedAt time.Time `json:"connected_at"`

	mu             sync.RWMutex
	streamSID      string
	callSID        string
	lastActivityAt time.Time
}

// NewMediaStream wraps an upgraded media stream connection.
func NewMediaStream(conn *transport.Conn, logger *zap.Logger) *MediaStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	id := uuid.New().String()
	return &MediaStream{
		ID:             id,
		conn:           conn,
		logger:         logger.Named("media-stream").With(zap.String("media_stream_id", id)),
		ConnectedAt:    now,
		lastActivityAt: now,
	}
}

// StreamSID returns the provider's stream id once the stream has started.
func (ms *MediaStream) StreamSID() string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.streamSID
}

// CallSID returns the provider's call id once the stream has started.
func (ms *MediaStream) CallSID() string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.callSID
}

// LastActivityAt is when the last frame arrived from the provider.
func (ms *MediaStream) LastActivityAt() time.Time {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.lastActivityAt
}

// Receive returns the next start, media, mark or stop event. Provider
// events the relay has no use for (connected, dtmf, outbound media) are
// consumed here.
func (ms *MediaStream) Receive(ctx context.Context) (relay.DownstreamEvent, error) {
	for {
		data, err := ms.conn.Read(ctx)
		if err != nil {
			return relay.DownstreamEvent{}, err
		}

		ms.mu.Lock()
		ms.lastActivityAt = time.Now()
		ms.mu.Unlock()

		evt, ok, err := DecodeStreamEvent(data)
		if err != nil {
			return relay.DownstreamEvent{}, err
		}
		if !ok {
			continue
		}

		if evt.Type == relay.DownstreamStart {
			ms.mu.Lock()
			ms.streamSID = evt.StreamID
			ms.callSID = evt.CallID
			ms.mu.Unlock()
		}
		return evt, nil
	}
}

func (ms *MediaStream) SendMedia(ctx context.Context, streamID string, payload []byte) error {
	return ms.conn.WriteJSON(ctx, outboundMedia{
		Event:     "media",
		StreamSID: streamID,
		Media:     outboundPayload{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

func (ms *MediaStream) SendMark(ctx context.Context, streamID, name string) error {
	return ms.conn.WriteJSON(ctx, outboundMark{
		Event:     "mark",
		StreamSID: streamID,
		Mark:      markBody{Name: name},
	})
}

// SendClear flushes audio the provider has buffered but not yet played.
func (ms *MediaStream) SendClear(ctx context.Context, streamID string) error {
	return ms.conn.WriteJSON(ctx, outboundClear{Event: "clear", StreamSID: streamID})
}

// Close closes the media stream socket with a normal close frame.
func (ms *MediaStream) Close() error {
	err := ms.conn.Close()
	ms.logger.Debug("media stream closed", zap.String("stream_sid", ms.StreamSID()))
	return err
}

var _ relay.DownstreamChannel = (*MediaStream)(nil)

// ============================================
// WIRE FORMAT
// ============================================

type streamMessage struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid"`
	Start     *startBody `json:"start,omitempty"`
	Media     *mediaBody `json:"media,omitempty"`
	Mark      *markBody  `json:"mark,omitempty"`
	Stop      *stopBody  `json:"stop,omitempty"`
}

type startBody struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaBody struct {
	Track     string          `json:"track"`
	Chunk     json.RawMessage `json:"chunk"`
	Timestamp json.RawMessage `json:"timestamp"`
	Payload   string          `json:"payload"`
}

type markBody struct {
	Name string `json:"name"`
}

type stopBody struct {
	CallSID string `json:"callSid"`
}

type outboundMedia struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Media     outboundPayload `json:"media"`
}

type outboundPayload struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      markBody `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// DecodeStreamEvent decodes one provider frame. ok is false for events the
// relay ignores. Undecodable frames and frames missing required fields
// return an error wrapping relay.ErrMalformedEvent.
func DecodeStreamEvent(data []byte) (evt relay.DownstreamEvent, ok bool, err error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return evt, false, fmt.Errorf("invalid media stream frame: %w", relay.ErrMalformedEvent)
	}

	switch msg.Event {
	case "start":
		evt.Type = relay.DownstreamStart
		evt.StreamID = msg.StreamSID
		if msg.Start != nil {
			if evt.StreamID == "" {
				evt.StreamID = msg.Start.StreamSID
			}
			evt.CallID = msg.Start.CallSID
			evt.Parameters = msg.Start.CustomParameters
		}
		if evt.StreamID == "" {
			return evt, false, fmt.Errorf("start event missing streamSid: %w", relay.ErrMalformedEvent)
		}
		return evt, true, nil

	case "media":
		if msg.Media == nil {
			return evt, false, fmt.Errorf("media event missing media: %w", relay.ErrMalformedEvent)
		}
		// Only the caller's audio is relayed.
		if msg.Media.Track != "" && msg.Media.Track != "inbound" && msg.Media.Track != "inbound_track" {
			return evt, false, nil
		}
		if msg.Media.Payload == "" {
			return evt, false, fmt.Errorf("media event missing payload: %w", relay.ErrMalformedEvent)
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return evt, false, fmt.Errorf("media payload is not base64: %w", relay.ErrMalformedEvent)
		}
		ts, err := parseTimestamp(msg.Media.Timestamp)
		if err != nil {
			return evt, false, fmt.Errorf("media timestamp %s: %w", msg.Media.Timestamp, relay.ErrMalformedEvent)
		}
		evt.Type = relay.DownstreamMedia
		evt.StreamID = msg.StreamSID
		evt.Payload = payload
		evt.Timestamp = ts
		return evt, true, nil

	case "mark":
		evt.Type = relay.DownstreamMark
		evt.StreamID = msg.StreamSID
		if msg.Mark != nil {
			evt.MarkName = msg.Mark.Name
		}
		return evt, true, nil

	case "stop":
		evt.Type = relay.DownstreamStop
		evt.StreamID = msg.StreamSID
		if msg.Stop != nil {
			evt.CallID = msg.Stop.CallSID
		}
		return evt, true, nil

	case "connected", "dtmf":
		return evt, false, nil

	case "":
		return evt, false, fmt.Errorf("frame missing event: %w", relay.ErrMalformedEvent)

	default:
		return evt, false, nil
	}
}

// parseTimestamp accepts the media timestamp as a JSON string or number.
// Absent or null yields nil.
func parseTimestamp(raw json.RawMessage) (*int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return nil, err
		}
		// -2^63 is exact as a float64 and 2^63 is the first value past MaxInt64.
		if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, fmt.Errorf("timestamp %s out of range", s)
		}
		v = int64(f)
	}
	return &v, nil
}
