package callstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process. It is used when no database is
// configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*CallRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*CallRecord)}
}

func (s *MemoryStore) Create(ctx context.Context, rec *CallRecord) error {
	if rec.CallSID == "" {
		return fmt.Errorf("call sid is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.CallSID]; exists {
		return fmt.Errorf("call record already exists: %s", rec.CallSID)
	}
	stored := cloneRecord(rec)
	s.records[rec.CallSID] = &stored
	return nil
}

func (s *MemoryStore) UpdateState(ctx context.Context, callSID string, state CallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[callSID]
	if !ok {
		return ErrNotFound
	}
	ApplyState(rec, state, time.Now().UTC())
	return nil
}

func (s *MemoryStore) Finish(ctx context.Context, callSID string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[callSID]
	if !ok {
		return ErrNotFound
	}
	ApplyOutcome(rec, outcome, time.Now().UTC())
	return nil
}

func (s *MemoryStore) GetByCallSID(ctx context.Context, callSID string) (*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[callSID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

// ListRecent returns up to limit records, newest first.
func (s *MemoryStore) ListRecent(ctx context.Context, limit int) ([]CallRecord, error) {
	s.mu.RLock()
	out := make([]CallRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRecord(rec *CallRecord) CallRecord {
	out := *rec
	if rec.AnsweredAt != nil {
		t := *rec.AnsweredAt
		out.AnsweredAt = &t
	}
	if rec.EndedAt != nil {
		t := *rec.EndedAt
		out.EndedAt = &t
	}
	if rec.Metadata != nil {
		out.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
