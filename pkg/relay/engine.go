package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errCallEnded stops the loop group when a call ends in an orderly way.
var errCallEnded = errors.New("call ended")

// Config holds the settings injected into an Engine for one call.
type Config struct {
	// Session is sent to the backend during the handshake.
	Session SessionConfig

	// Greeting seeds the conversation so the assistant speaks first. Empty
	// skips the greeting.
	Greeting string

	// MarkName tags acknowledgment markers. Defaults to "responsePart".
	MarkName string

	// Inbound converts caller audio for the backend; Outbound converts
	// backend audio for the caller. Nil means passthrough.
	Inbound  Transcoder
	Outbound Transcoder
}

// Hooks are optional callbacks invoked from the forwarding loops, outside
// the session lock.
type Hooks struct {
	OnStart      func(ctx context.Context, evt DownstreamEvent)
	OnTranscript func(ctx context.Context, itemID, text string)
}

// Engine relays one call between a downstream and an upstream channel.
type Engine struct {
	down    DownstreamChannel
	up      UpstreamChannel
	cfg     Config
	hooks   Hooks
	logger  *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	session Session
	phase   CallPhase

	closeOnce sync.Once
}

// NewEngine creates an engine for a call whose channels are already connected.
func NewEngine(down DownstreamChannel, up UpstreamChannel, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Inbound = perCall(cfg.Inbound)
	cfg.Outbound = perCall(cfg.Outbound)
	return &Engine{
		down:    down,
		up:      up,
		cfg:     cfg,
		logger:  logger.Named("relay"),
		metrics: &Metrics{},
		phase:   PhaseIdle,
	}
}

// SetHooks installs callbacks. It must be called before Run.
func (e *Engine) SetHooks(h Hooks) {
	e.hooks = h
}

// Run performs the backend handshake and relays audio until either side
// closes, the caller's stream stops, or ctx is cancelled. Both channels are
// closed when Run returns. An orderly end of call returns nil.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setPhase(PhaseClosed)

	if err := e.handshake(ctx); err != nil {
		e.closeChannels()
		return fmt.Errorf("relay handshake: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.forwardDownstream(gctx) })
	g.Go(func() error { return e.forwardUpstream(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		e.closeChannels()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errCallEnded) || errors.Is(err, context.Canceled) {
		e.logger.Info("call ended")
		return nil
	}
	e.logger.Warn("call ended with error", zap.Error(err))
	return err
}

func (e *Engine) handshake(ctx context.Context) error {
	e.mu.Lock()
	session := e.cfg.Session
	e.mu.Unlock()

	if err := e.up.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("send session config: %w", err)
	}
	if e.cfg.Greeting == "" {
		return nil
	}
	if err := e.up.SeedConversation(ctx, e.cfg.Greeting); err != nil {
		return fmt.Errorf("seed conversation: %w", err)
	}
	if err := e.up.CreateResponse(ctx); err != nil {
		return fmt.Errorf("request greeting: %w", err)
	}
	return nil
}

// UpdateSession sends a new session configuration to the backend mid-call.
func (e *Engine) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	e.mu.Lock()
	e.cfg.Session = cfg
	e.mu.Unlock()

	if err := e.up.UpdateSession(ctx, cfg); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// SessionConfig returns the configuration last sent to the backend.
func (e *Engine) SessionConfig() SessionConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Session
}

// Snapshot returns a copy of the call's session state.
func (e *Engine) Snapshot() SessionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Snapshot()
}

// Phase returns the call lifecycle phase.
func (e *Engine) Phase() CallPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Metrics returns the call's relay counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Close ends the call by closing both channels; Run returns shortly after.
func (e *Engine) Close() {
	e.closeChannels()
}

func (e *Engine) setPhase(p CallPhase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *Engine) closeChannels() {
	e.closeOnce.Do(func() {
		if err := e.down.Close(); err != nil {
			e.logger.Debug("close downstream", zap.Error(err))
		}
		if err := e.up.Close(); err != nil {
			e.logger.Debug("close upstream", zap.Error(err))
		}
	})
}

// ============================================
// DOWNSTREAM → UPSTREAM
// ============================================

func (e *Engine) forwardDownstream(ctx context.Context) error {
	for {
		evt, err := e.down.Receive(ctx)
		if err != nil {
			if stop, rerr := e.receiveError(ctx, "downstream", err); stop {
				return rerr
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch evt.Type {
		case DownstreamStart:
			e.handleStart(ctx, evt)
		case DownstreamMedia:
			if err := e.handleMedia(ctx, evt); err != nil {
				return err
			}
		case DownstreamMark:
			e.handleMark(evt)
		case DownstreamStop:
			e.logger.Info("stream stopped by caller side")
			return errCallEnded
		default:
			e.logger.Debug("ignoring downstream event", zap.String("type", string(evt.Type)))
		}
	}
}

func (e *Engine) handleStart(ctx context.Context, evt DownstreamEvent) {
	if evt.StreamID == "" {
		e.metrics.update(func(c *MetricsSnapshot) { c.MalformedEvents++ })
		e.logger.Warn("start event without stream id")
		return
	}

	e.mu.Lock()
	previous := e.session.StreamID
	e.session.Start(evt.StreamID)
	e.phase = PhaseActive
	e.mu.Unlock()

	if previous != "" {
		e.logger.Warn("stream restarted on the same call",
			zap.String("previous_stream_id", previous),
			zap.String("stream_id", evt.StreamID))
	} else {
		e.logger.Info("stream started",
			zap.String("stream_id", evt.StreamID),
			zap.String("call_id", evt.CallID))
	}

	if e.hooks.OnStart != nil {
		e.hooks.OnStart(ctx, evt)
	}
}

func (e *Engine) handleMedia(ctx context.Context, evt DownstreamEvent) error {
	e.mu.Lock()
	e.session.ObserveMedia(evt.Timestamp)
	e.mu.Unlock()

	payload, err := transcode(e.cfg.Inbound, evt.Payload)
	if err != nil {
		e.metrics.update(func(c *MetricsSnapshot) { c.DroppedFrames++ })
		e.logger.Warn("inbound transcode failed", zap.Error(err))
		return nil
	}

	if err := e.up.AppendAudio(ctx, payload); err != nil {
		return fmt.Errorf("append audio upstream: %w", err)
	}
	e.metrics.update(func(c *MetricsSnapshot) {
		c.FramesToUpstream++
		c.BytesToUpstream += int64(len(payload))
	})
	return nil
}

func (e *Engine) handleMark(evt DownstreamEvent) {
	e.mu.Lock()
	acked := e.session.Ack()
	e.mu.Unlock()

	if !acked {
		e.logger.Debug("mark with no pending acknowledgment", zap.String("mark", evt.MarkName))
		return
	}
	e.metrics.update(func(c *MetricsSnapshot) { c.MarksAcked++ })
}

// ============================================
// UPSTREAM → DOWNSTREAM
// ============================================

func (e *Engine) forwardUpstream(ctx context.Context) error {
	for {
		evt, err := e.up.Receive(ctx)
		if err != nil {
			if stop, rerr := e.receiveError(ctx, "upstream", err); stop {
				return rerr
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch evt.Type {
		case UpstreamAudioDelta:
			if err := e.handleAudioDelta(ctx, evt); err != nil {
				return err
			}
		case UpstreamSpeechStarted:
			if err := e.handleSpeechStarted(ctx); err != nil {
				return err
			}
		case UpstreamTranscript:
			e.logger.Debug("caller transcript", zap.String("item_id", evt.ItemID), zap.String("text", evt.Text))
			if e.hooks.OnTranscript != nil {
				e.hooks.OnTranscript(ctx, evt.ItemID, evt.Text)
			}
		case UpstreamError:
			e.metrics.update(func(c *MetricsSnapshot) { c.UpstreamErrors++ })
			var backendErr error = &BackendError{Type: evt.RawType}
			if evt.Err != nil {
				backendErr = evt.Err
			}
			e.logger.Warn("backend reported error", zap.Error(backendErr))
		default:
			e.logger.Debug("backend event", zap.String("type", evt.RawType))
		}
	}
}

func (e *Engine) handleAudioDelta(ctx context.Context, evt UpstreamEvent) error {
	payload, err := transcode(e.cfg.Outbound, evt.Payload)
	if err != nil {
		e.metrics.update(func(c *MetricsSnapshot) { c.DroppedFrames++ })
		e.logger.Warn("outbound transcode failed", zap.Error(err))
		return nil
	}

	// Sends happen outside the lock. Media, mark and clear frames are only
	// written by this loop, so they stay ordered.
	e.mu.Lock()
	streamID := e.session.StreamID
	var mark string
	if streamID != "" {
		mark = e.session.BeginResponse(evt.ItemID, e.cfg.MarkName)
	}
	e.mu.Unlock()

	if streamID == "" {
		e.metrics.update(func(c *MetricsSnapshot) { c.DroppedFrames++ })
		e.logger.Warn("dropping assistant audio before stream start", zap.String("item_id", evt.ItemID))
		return nil
	}

	if err := e.down.SendMedia(ctx, streamID, payload); err != nil {
		return fmt.Errorf("send media downstream: %w", err)
	}
	if err := e.down.SendMark(ctx, streamID, mark); err != nil {
		return fmt.Errorf("send mark downstream: %w", err)
	}

	e.metrics.update(func(c *MetricsSnapshot) {
		c.FramesToDownstream++
		c.BytesToDownstream += int64(len(payload))
		c.MarksSent++
	})
	return nil
}

// receiveError classifies a Receive failure. It reports whether the loop
// must stop and, if so, the error to stop with.
func (e *Engine) receiveError(ctx context.Context, side string, err error) (bool, error) {
	if errors.Is(err, ErrMalformedEvent) {
		e.metrics.update(func(c *MetricsSnapshot) { c.MalformedEvents++ })
		e.logger.Warn("skipping malformed event", zap.String("side", side), zap.Error(err))
		return false, nil
	}
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		e.logger.Info("channel closed", zap.String("side", side))
		return true, errCallEnded
	}
	return true, fmt.Errorf("%s receive: %w", side, err)
}

func transcode(t Transcoder, payload []byte) ([]byte, error) {
	if t == nil {
		return payload, nil
	}
	return t.Transcode(payload)
}

func perCall(t Transcoder) Transcoder {
	if st, ok := t.(StreamTranscoder); ok {
		return st.NewStream()
	}
	return t
}
