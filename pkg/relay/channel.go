package relay

import (
	"context"
	"errors"
)

// ErrMalformedEvent marks an inbound event that could not be decoded or is
// missing required fields. Loops skip such events and keep going.
var ErrMalformedEvent = errors.New("malformed event")

// DownstreamChannel is the telephony-side media connection.
type DownstreamChannel interface {
	// Receive blocks until the next caller-side event. It returns io.EOF when
	// the connection closed in an orderly way.
	Receive(ctx context.Context) (DownstreamEvent, error)
	SendMedia(ctx context.Context, streamID string, payload []byte) error
	SendMark(ctx context.Context, streamID, name string) error
	SendClear(ctx context.Context, streamID string) error
	Close() error
}

// UpstreamChannel is the speech-AI backend connection.
type UpstreamChannel interface {
	// Receive blocks until the next backend event. It returns io.EOF when
	// the connection closed in an orderly way.
	Receive(ctx context.Context) (UpstreamEvent, error)
	UpdateSession(ctx context.Context, cfg SessionConfig) error
	AppendAudio(ctx context.Context, payload []byte) error
	SeedConversation(ctx context.Context, text string) error
	CreateResponse(ctx context.Context) error
	Truncate(ctx context.Context, t Truncation) error
	Close() error
}

// Transcoder converts an audio payload between the telephony codec and the
// backend codec. A nil Transcoder means passthrough.
type Transcoder interface {
	Transcode(payload []byte) ([]byte, error)
}

// StreamTranscoder hands out transcoders that keep state across the payloads
// of one stream. The engine takes a fresh stream for every call.
type StreamTranscoder interface {
	Transcoder
	NewStream() Transcoder
}
