package relay

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// handleSpeechStarted reacts to the caller starting to talk. If assistant
// audio is still in flight it truncates the backend item at the point the
// caller has actually heard and flushes the caller-side playback buffer.
//
// The caller's inbound media clock is the only real-time clock the relay
// has, so elapsed playback is measured on it rather than on wall time.
func (e *Engine) handleSpeechStarted(ctx context.Context) error {
	e.mu.Lock()
	t, ok := e.session.Interrupt()
	streamID := e.session.StreamID
	e.mu.Unlock()

	if !ok {
		e.metrics.update(func(c *MetricsSnapshot) { c.IgnoredSpeechStarted++ })
		e.logger.Debug("speech started with no assistant audio in flight")
		return nil
	}

	e.logger.Info("caller barge-in, truncating assistant audio",
		zap.String("item_id", t.ItemID),
		zap.Int64("audio_end_ms", t.AudioEndMs))

	if err := e.up.Truncate(ctx, t); err != nil {
		return fmt.Errorf("send truncate upstream: %w", err)
	}
	if err := e.down.SendClear(ctx, streamID); err != nil {
		return fmt.Errorf("send clear downstream: %w", err)
	}

	e.metrics.update(func(c *MetricsSnapshot) { c.Interruptions++ })
	return nil
}
