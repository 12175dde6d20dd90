package callstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/birddigital/voice-relay/pkg/relay"
)

func TestMapProviderStatus(t *testing.T) {
	tests := map[string]CallState{
		"queued":      StateQueued,
		"ringing":     StateRinging,
		"in-progress": StateInProgress,
		"Completed":   StateCompleted,
		"busy":        StateBusy,
		"no-answer":   StateNoAnswer,
		"canceled":    StateCancelled,
		" failed ":    StateFailed,
	}
	for in, want := range tests {
		got, ok := MapProviderStatus(in)
		if !ok || got != want {
			t.Errorf("MapProviderStatus(%q)=%q,%v want %q", in, got, ok, want)
		}
	}
	if _, ok := MapProviderStatus("exploded"); ok {
		t.Fatal("unknown status mapped")
	}
}

func TestApplyStateTimings(t *testing.T) {
	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	rec := &CallRecord{State: StateQueued, StartedAt: start}

	if !ApplyState(rec, StateInProgress, start.Add(5*time.Second)) {
		t.Fatal("in_progress transition refused")
	}
	if rec.AnsweredAt == nil || !rec.AnsweredAt.Equal(start.Add(5*time.Second)) {
		t.Fatalf("answered_at=%v", rec.AnsweredAt)
	}

	if !ApplyState(rec, StateCompleted, start.Add(65*time.Second)) {
		t.Fatal("completed transition refused")
	}
	if rec.EndedAt == nil || rec.DurationSeconds != 65 {
		t.Fatalf("ended_at=%v duration=%d", rec.EndedAt, rec.DurationSeconds)
	}

	if ApplyState(rec, StateRinging, start.Add(70*time.Second)) {
		t.Fatal("terminal record accepted a new state")
	}
	if rec.State != StateCompleted {
		t.Fatalf("state=%s, want completed", rec.State)
	}
}

func TestApplyOutcome(t *testing.T) {
	now := time.Now().UTC()

	rec := NewRecord("CA1", DirectionInbound)
	ApplyOutcome(rec, Outcome{Metrics: relay.MetricsSnapshot{Interruptions: 2}}, now)
	if rec.State != StateCompleted || rec.Metrics.Interruptions != 2 || rec.ErrorMessage != "" {
		t.Fatalf("record=%+v", rec)
	}

	rec = NewRecord("CA2", DirectionInbound)
	ApplyOutcome(rec, Outcome{Err: errors.New("upstream receive: reset")}, now)
	if rec.State != StateFailed || rec.ErrorMessage != "upstream receive: reset" {
		t.Fatalf("record=%+v", rec)
	}

	rec = NewRecord("CA3", DirectionOutbound)
	ApplyState(rec, StateBusy, now)
	ApplyOutcome(rec, Outcome{}, now)
	if rec.State != StateBusy {
		t.Fatalf("provider terminal state overwritten: %s", rec.State)
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := NewRecord("CA1", DirectionInbound)
	rec.Metadata = map[string]string{"campaign": "spring"}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create err=%v", err)
	}
	if err := s.Create(ctx, rec); err == nil {
		t.Fatal("duplicate Create accepted")
	}

	rec.Metadata["campaign"] = "mutated"
	got, err := s.GetByCallSID(ctx, "CA1")
	if err != nil {
		t.Fatalf("GetByCallSID err=%v", err)
	}
	if got.Metadata["campaign"] != "spring" {
		t.Fatalf("store aliases caller record: %v", got.Metadata)
	}

	if err := s.Finish(ctx, "CA1", Outcome{Metrics: relay.MetricsSnapshot{FramesToUpstream: 10}}); err != nil {
		t.Fatalf("Finish err=%v", err)
	}
	got, _ = s.GetByCallSID(ctx, "CA1")
	if got.State != StateCompleted || got.Metrics.FramesToUpstream != 10 || got.EndedAt == nil {
		t.Fatalf("finished record=%+v", got)
	}

	if err := s.UpdateState(ctx, "missing", StateRinging); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateState err=%v, want ErrNotFound", err)
	}
	if _, err := s.GetByCallSID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByCallSID err=%v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListRecent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().UTC()

	for i, sid := range []string{"CA1", "CA2", "CA3"} {
		rec := NewRecord(sid, DirectionInbound)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create err=%v", err)
		}
	}

	got, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent err=%v", err)
	}
	if len(got) != 2 || got[0].CallSID != "CA3" || got[1].CallSID != "CA2" {
		t.Fatalf("ListRecent=%v", got)
	}
}

func TestEncodeJSONColumns(t *testing.T) {
	metrics, metadata, err := encodeJSONColumns(&CallRecord{Metrics: relay.MetricsSnapshot{MarksSent: 3}})
	if err != nil {
		t.Fatalf("encodeJSONColumns err=%v", err)
	}
	if string(metadata) != "{}" {
		t.Fatalf("metadata=%s, want {}", metadata)
	}
	if want := `"marks_sent":3`; !strings.Contains(string(metrics), want) {
		t.Fatalf("metrics=%s, want %s", metrics, want)
	}
}

