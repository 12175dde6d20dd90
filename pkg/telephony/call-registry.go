package telephony

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/birddigital/voice-relay/pkg/relay"
)

// ============================================
// CALL REGISTRY
// Active relays by id, for status endpoints and shutdown
// ============================================

// ErrCallNotFound is returned when no active call matches an id.
var ErrCallNotFound = errors.New("call not found")

// Relay is the view of a running relay engine the registry needs.
type Relay interface {
	Snapshot() relay.SessionSnapshot
	Phase() relay.CallPhase
	Metrics() relay.MetricsSnapshot
	Close()
}

// ActiveCall is one registered relay.
type ActiveCall struct {
	ID        string
	CallSID   string
	Relay     Relay
	CreatedAt time.Time

	mu        sync.RWMutex
	streamSID string
}

// SetStreamSID records the provider stream id once the stream starts.
func (c *ActiveCall) SetStreamSID(sid string) {
	c.mu.Lock()
	c.streamSID = sid
	c.mu.Unlock()
}

// SetCallSID records the provider call id when it was not known at
// registration.
func (c *ActiveCall) SetCallSID(sid string) {
	c.mu.Lock()
	if c.CallSID == "" {
		c.CallSID = sid
	}
	c.mu.Unlock()
}

func (c *ActiveCall) callSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CallSID
}

// CallStatus is the JSON view of an active call.
type CallStatus struct {
	ID        string                `json:"id"`
	CallSID   string                `json:"call_sid,omitempty"`
	StreamSID string                `json:"stream_sid,omitempty"`
	Phase     relay.CallPhase       `json:"phase"`
	Session   relay.SessionSnapshot `json:"session"`
	Metrics   relay.MetricsSnapshot `json:"metrics"`
	CreatedAt time.Time             `json:"created_at"`
}

// CallRegistry tracks active relays. It is safe for concurrent use.
type CallRegistry struct {
	calls  map[string]*ActiveCall
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewCallRegistry creates an empty registry.
func NewCallRegistry(logger *zap.Logger) *CallRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallRegistry{
		calls:  make(map[string]*ActiveCall),
		logger: logger.Named("call-registry"),
	}
}

// Register adds a relay and returns its registry entry.
func (r *CallRegistry) Register(callSID string, rl Relay) *ActiveCall {
	call := &ActiveCall{
		ID:        uuid.New().String(),
		CallSID:   callSID,
		Relay:     rl,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.calls[call.ID] = call
	r.mu.Unlock()

	r.logger.Info("registered call", zap.String("id", call.ID), zap.String("call_sid", callSID))
	return call
}

// Get returns an active call by registry id.
func (r *CallRegistry) Get(id string) (*ActiveCall, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	return call, nil
}

// GetByCallSID returns an active call by provider call id.
func (r *CallRegistry) GetByCallSID(callSID string) (*ActiveCall, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, call := range r.calls {
		if callSID != "" && call.callSID() == callSID {
			return call, nil
		}
	}
	return nil, ErrCallNotFound
}

// Remove drops a call from the registry without closing it.
func (r *CallRegistry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.calls[id]
	delete(r.calls, id)
	r.mu.Unlock()

	if ok {
		r.logger.Info("removed call", zap.String("id", id))
	}
}

// Status returns the current status of one call.
func (r *CallRegistry) Status(id string) (CallStatus, error) {
	call, err := r.Get(id)
	if err != nil {
		return CallStatus{}, err
	}
	return statusOf(call), nil
}

// List returns the status of every active call, oldest first.
func (r *CallRegistry) List() []CallStatus {
	r.mu.RLock()
	calls := make([]*ActiveCall, 0, len(r.calls))
	for _, call := range r.calls {
		calls = append(calls, call)
	}
	r.mu.RUnlock()

	sort.Slice(calls, func(i, j int) bool { return calls[i].CreatedAt.Before(calls[j].CreatedAt) })

	out := make([]CallStatus, 0, len(calls))
	for _, call := range calls {
		out = append(out, statusOf(call))
	}
	return out
}

// Len returns the number of active calls.
func (r *CallRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// CloseCall closes the relay for one call. The relay's own goroutine removes
// it from the registry when it finishes.
func (r *CallRegistry) CloseCall(id string) error {
	call, err := r.Get(id)
	if err != nil {
		return err
	}
	call.Relay.Close()
	return nil
}

// CloseAll closes every active relay.
func (r *CallRegistry) CloseAll() {
	r.mu.RLock()
	calls := make([]*ActiveCall, 0, len(r.calls))
	for _, call := range r.calls {
		calls = append(calls, call)
	}
	r.mu.RUnlock()

	for _, call := range calls {
		call.Relay.Close()
	}
	r.logger.Info("closed all calls", zap.Int("count", len(calls)))
}

func statusOf(call *ActiveCall) CallStatus {
	call.mu.RLock()
	status := CallStatus{
		ID:        call.ID,
		CallSID:   call.CallSID,
		StreamSID: call.streamSID,
		CreatedAt: call.CreatedAt,
	}
	call.mu.RUnlock()

	status.Phase = call.Relay.Phase()
	status.Session = call.Relay.Snapshot()
	status.Metrics = call.Relay.Metrics()
	if status.StreamSID == "" {
		status.StreamSID = status.Session.StreamID
	}
	return status
}
