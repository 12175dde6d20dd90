package relay

// CallPhase is the per-call lifecycle state.
type CallPhase string

const (
	PhaseIdle   CallPhase = "idle"
	PhaseActive CallPhase = "active"
	PhaseClosed CallPhase = "closed"
)

// Session is the mutable state of one call. It is not safe for concurrent
// use; the owning Engine serializes every access.
type Session struct {
	StreamID               string
	LatestMediaTimestamp   int64
	ActiveAssistantItem    string
	ResponseStartTimestamp *int64
	PendingAcks            []string
}

// SessionSnapshot is a copy of a Session safe to hand out.
type SessionSnapshot struct {
	StreamID               string   `json:"stream_id"`
	LatestMediaTimestamp   int64    `json:"latest_media_timestamp"`
	ActiveAssistantItem    string   `json:"active_assistant_item,omitempty"`
	ResponseStartTimestamp *int64   `json:"response_start_timestamp,omitempty"`
	PendingAcks            []string `json:"pending_acks"`
}

// Start resets the session for a new stream.
func (s *Session) Start(streamID string) {
	*s = Session{StreamID: streamID}
}

// ObserveMedia records the timestamp of an inbound caller frame. A nil
// timestamp leaves the clock unchanged, and the clock never moves backwards.
func (s *Session) ObserveMedia(ts *int64) {
	if ts == nil {
		return
	}
	if *ts > s.LatestMediaTimestamp {
		s.LatestMediaTimestamp = *ts
	}
}

// ResponseInFlight reports whether assistant audio is being delivered.
func (s *Session) ResponseInFlight() bool {
	return s.ActiveAssistantItem != ""
}

// BeginResponse books one relayed assistant frame for itemID and returns
// the marker name to send after it.
func (s *Session) BeginResponse(itemID, markPrefix string) string {
	// The truncation point is measured from the start of the active item, so
	// a new item restarts the clock even while earlier audio is still queued.
	if s.ResponseInFlight() && itemID != "" && itemID != s.ActiveAssistantItem {
		s.ResponseStartTimestamp = nil
	}
	if s.ResponseStartTimestamp == nil {
		start := s.LatestMediaTimestamp
		s.ResponseStartTimestamp = &start
	}
	if itemID != "" {
		s.ActiveAssistantItem = itemID
	}

	name := markPrefix
	if name == "" {
		name = "responsePart"
	}
	s.PendingAcks = append(s.PendingAcks, name)
	return name
}

// Ack pops the oldest pending marker. It reports false when none was pending.
func (s *Session) Ack() bool {
	if len(s.PendingAcks) == 0 {
		return false
	}
	s.PendingAcks = s.PendingAcks[1:]
	return true
}

// Interrupt computes the truncation for a barge-in and resets the response
// state. It reports false, leaving the session untouched, when there is
// nothing to truncate.
func (s *Session) Interrupt() (Truncation, bool) {
	if !s.ResponseInFlight() || len(s.PendingAcks) == 0 || s.ResponseStartTimestamp == nil {
		return Truncation{}, false
	}

	elapsed := s.LatestMediaTimestamp - *s.ResponseStartTimestamp
	if elapsed < 0 {
		elapsed = 0
	}
	t := Truncation{
		ItemID:       s.ActiveAssistantItem,
		ContentIndex: 0,
		AudioEndMs:   elapsed,
	}

	s.PendingAcks = nil
	s.ActiveAssistantItem = ""
	s.ResponseStartTimestamp = nil
	return t, true
}

// Snapshot copies the session.
func (s *Session) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		StreamID:             s.StreamID,
		LatestMediaTimestamp: s.LatestMediaTimestamp,
		ActiveAssistantItem:  s.ActiveAssistantItem,
		PendingAcks:          append([]string(nil), s.PendingAcks...),
	}
	if s.ResponseStartTimestamp != nil {
		start := *s.ResponseStartTimestamp
		snap.ResponseStartTimestamp = &start
	}
	return snap
}
