package relay

import "sync"

// MetricsSnapshot is a point-in-time copy of a call's relay counters.
type MetricsSnapshot struct {
	// Audio flow
	FramesToUpstream   int64 `json:"frames_to_upstream"`
	FramesToDownstream int64 `json:"frames_to_downstream"`
	BytesToUpstream    int64 `json:"bytes_to_upstream"`
	BytesToDownstream  int64 `json:"bytes_to_downstream"`
	DroppedFrames      int64 `json:"dropped_frames"`

	// Playback acknowledgment
	MarksSent  int64 `json:"marks_sent"`
	MarksAcked int64 `json:"marks_acked"`

	// Turn-taking
	Interruptions        int64 `json:"interruptions"`
	IgnoredSpeechStarted int64 `json:"ignored_speech_started"`

	// Diagnostics
	MalformedEvents int64 `json:"malformed_events"`
	UpstreamErrors  int64 `json:"upstream_errors"`
}

// Metrics tracks relay traffic for one call.
type Metrics struct {
	mu       sync.Mutex
	counters MetricsSnapshot
}

func (m *Metrics) update(fn func(c *MetricsSnapshot)) {
	m.mu.Lock()
	fn(&m.counters)
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}
