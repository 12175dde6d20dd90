// Package transport wraps a gorilla websocket connection with a single
// writer goroutine, keepalive pings and an idempotent close handshake.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned when writing to a connection that has been closed.
var ErrClosed = errors.New("connection closed")

// Options tunes a Conn. Zero values take defaults.
type Options struct {
	WriteTimeout time.Duration // default 5s
	PingInterval time.Duration // default 20s
	PongWait     time.Duration // default 60s
	SendBuffer   int           // default 256 queued messages
	ReadLimit    int64         // default 1 MiB
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	return o
}

// Conn is a websocket connection safe for one reader and many writers.
type Conn struct {
	ws     *websocket.Conn
	opts   Options
	logger *zap.Logger

	out        chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu  sync.Mutex
	err error
}

// New takes ownership of ws and starts its writer goroutine.
func New(ws *websocket.Conn, opts Options, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	c := &Conn{
		ws:         ws,
		opts:       opts,
		logger:     logger,
		out:        make(chan []byte, opts.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	ws.SetReadLimit(opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go c.writePump()
	return c
}

// Dial opens a client connection to url with the given handshake headers.
func Dial(ctx context.Context, url string, header http.Header, opts Options, logger *zap.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(ws, opts, logger), nil
}

// Read blocks for the next text or binary message. It returns io.EOF when
// the peer closed normally or the connection was closed locally.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if werr := c.writeErr(); werr != nil {
			return nil, werr
		}
		if c.isClosed() || websocket.IsCloseError(err,
			websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	return data, nil
}

// WriteJSON encodes v and queues it for the writer goroutine.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.Write(ctx, data)
}

// Write queues a text message. Messages are written in the order queued.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a close frame, waits for the writer to finish and closes the
// socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.writerDone
	return nil
}

// Done is closed once the connection starts shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

// ============================================
// WRITER
// ============================================

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case <-c.done:
			if c.writeErr() != nil {
				return
			}
			c.flush()
			deadline := time.Now().Add(c.opts.WriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				c.logger.Debug("write close frame", zap.Error(err))
			}
			return

		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.logger.Warn("websocket write failed", zap.Error(err))
				c.fail(fmt.Errorf("write message: %w", err))
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn("websocket ping failed", zap.Error(err))
				c.fail(fmt.Errorf("write ping: %w", err))
				return
			}
		}
	}
}

// flush writes whatever was queued before Close, bounded so a stalled peer
// cannot hold up shutdown.
func (c *Conn) flush() {
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case data := <-c.out:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
