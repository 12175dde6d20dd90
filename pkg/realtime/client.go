// Package realtime is the speech-AI side of the relay: an OpenAI Realtime
// compatible websocket client.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/birddigital/voice-relay/pkg/relay"
	"github.com/birddigital/voice-relay/pkg/transport"
)

const DefaultURL = "wss://api.openai.com/v1/realtime"

// Config holds the connection settings for the realtime backend.
type Config struct {
	URL       string
	Model     string
	APIKey    string
	Transport transport.Options
}

// Client implements relay.UpstreamChannel over a realtime websocket.
type Client struct {
	conn   *transport.Conn
	logger *zap.Logger
}

// Dial connects to the realtime endpoint and authenticates.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("realtime API key is required")
	}
	endpoint, err := endpointURL(cfg)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("realtime")

	conn, err := transport.Dial(ctx, endpoint, header, cfg.Transport, logger)
	if err != nil {
		return nil, fmt.Errorf("connect realtime backend: %w", err)
	}
	logger.Info("connected to realtime backend", zap.String("model", cfg.Model))
	return NewClient(conn, logger), nil
}

// NewClient wraps an established connection.
func NewClient(conn *transport.Conn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, logger: logger}
}

func endpointURL(cfg Config) (string, error) {
	raw := cfg.URL
	if raw == "" {
		raw = DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL %q: %w", raw, err)
	}
	if cfg.Model != "" {
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Receive reads and decodes the next backend event.
func (c *Client) Receive(ctx context.Context) (relay.UpstreamEvent, error) {
	data, err := c.conn.Read(ctx)
	if err != nil {
		return relay.UpstreamEvent{}, err
	}
	return DecodeEvent(data)
}

func (c *Client) UpdateSession(ctx context.Context, cfg relay.SessionConfig) error {
	return c.conn.WriteJSON(ctx, NewSessionUpdate(cfg))
}

func (c *Client) AppendAudio(ctx context.Context, payload []byte) error {
	return c.conn.WriteJSON(ctx, NewInputAudioAppend(payload))
}

func (c *Client) SeedConversation(ctx context.Context, text string) error {
	return c.conn.WriteJSON(ctx, NewUserText(text))
}

func (c *Client) CreateResponse(ctx context.Context) error {
	return c.conn.WriteJSON(ctx, ResponseCreate{Type: TypeResponseCreate})
}

func (c *Client) Truncate(ctx context.Context, t relay.Truncation) error {
	return c.conn.WriteJSON(ctx, NewItemTruncate(t))
}

// Close ends the backend session with a normal close frame.
func (c *Client) Close() error {
	return c.conn.Close()
}

var _ relay.UpstreamChannel = (*Client)(nil)
