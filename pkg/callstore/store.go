// Package callstore persists call lifecycle records: when a call started,
// how the provider reported its progress, and how the relay ended.
package callstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/birddigital/voice-relay/pkg/relay"
)

// ErrNotFound is returned when no record matches a call id.
var ErrNotFound = errors.New("call record not found")

// CallState represents the current state of a call
type CallState string

const (
	StateQueued     CallState = "queued"
	StateInitiated  CallState = "initiated"
	StateRinging    CallState = "ringing"
	StateInProgress CallState = "in_progress"
	StateCompleted  CallState = "completed"
	StateFailed     CallState = "failed"
	StateNoAnswer   CallState = "no_answer"
	StateBusy       CallState = "busy"
	StateCancelled  CallState = "cancelled"
)

// IsTerminal reports whether no further provider updates are expected.
func (s CallState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateNoAnswer, StateBusy, StateCancelled:
		return true
	}
	return false
}

// Direction is which side placed the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// CallRecord is one call's lifecycle record. Transcripts and audio are not
// stored.
type CallRecord struct {
	ID        uuid.UUID `json:"id"`
	CallSID   string    `json:"call_sid"`
	StreamSID string    `json:"stream_sid,omitempty"`
	Direction Direction `json:"direction"`

	// Call Details
	FromNumber string `json:"from_number,omitempty"`
	ToNumber   string `json:"to_number,omitempty"`

	State CallState `json:"state"`

	// Timing
	StartedAt       time.Time  `json:"started_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`

	// Relay outcome
	Metrics      relay.MetricsSnapshot `json:"metrics"`
	ErrorMessage string                `json:"error_message,omitempty"`

	// Custom stream parameters
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outcome is what the relay reports when a call's relay finishes.
type Outcome struct {
	Metrics relay.MetricsSnapshot
	Err     error
}

// Store persists call records.
type Store interface {
	Create(ctx context.Context, rec *CallRecord) error
	UpdateState(ctx context.Context, callSID string, state CallState) error
	Finish(ctx context.Context, callSID string, outcome Outcome) error
	GetByCallSID(ctx context.Context, callSID string) (*CallRecord, error)
	ListRecent(ctx context.Context, limit int) ([]CallRecord, error)
}

// NewRecord fills in ids and timestamps for a call seen for the first time.
func NewRecord(callSID string, dir Direction) *CallRecord {
	now := time.Now().UTC()
	return &CallRecord{
		ID:         uuid.New(),
		CallSID:    callSID,
		Direction:  dir,
		State:      StateInProgress,
		StartedAt:  now,
		AnsweredAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ApplyState moves rec to state. Terminal records are left untouched and
// false is returned.
func ApplyState(rec *CallRecord, state CallState, now time.Time) bool {
	if rec.State.IsTerminal() {
		return false
	}
	rec.State = state
	rec.UpdatedAt = now

	switch {
	case state == StateInProgress:
		if rec.AnsweredAt == nil {
			rec.AnsweredAt = &now
		}
	case state.IsTerminal():
		rec.EndedAt = &now
		rec.DurationSeconds = int(now.Sub(rec.StartedAt).Seconds())
	}
	return true
}

// ApplyOutcome records how the relay ended. A call still marked live is
// completed; a provider-reported terminal state is kept.
func ApplyOutcome(rec *CallRecord, outcome Outcome, now time.Time) {
	rec.Metrics = outcome.Metrics
	if outcome.Err != nil {
		rec.ErrorMessage = outcome.Err.Error()
	}
	if !rec.State.IsTerminal() {
		state := StateCompleted
		if outcome.Err != nil {
			state = StateFailed
		}
		ApplyState(rec, state, now)
	}
	rec.UpdatedAt = now
}

// MapProviderStatus maps a SignalWire / Twilio CallStatus value to a state.
func MapProviderStatus(status string) (CallState, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "queued":
		return StateQueued, true
	case "initiated":
		return StateInitiated, true
	case "ringing":
		return StateRinging, true
	case "in-progress", "in_progress", "answered":
		return StateInProgress, true
	case "completed":
		return StateCompleted, true
	case "busy":
		return StateBusy, true
	case "failed":
		return StateFailed, true
	case "no-answer", "no_answer":
		return StateNoAnswer, true
	case "canceled", "cancelled":
		return StateCancelled, true
	}
	return "", false
}
