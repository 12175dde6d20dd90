package telephony

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/birddigital/voice-relay/pkg/relay"
)

type fakeRelay struct {
	closes atomic.Int32
	phase  relay.CallPhase
	snap   relay.SessionSnapshot
	stats  relay.MetricsSnapshot
}

func (f *fakeRelay) Snapshot() relay.SessionSnapshot { return f.snap }
func (f *fakeRelay) Phase() relay.CallPhase          { return f.phase }
func (f *fakeRelay) Metrics() relay.MetricsSnapshot  { return f.stats }
func (f *fakeRelay) Close()                          { f.closes.Add(1) }

func TestCallRegistry_RegisterAndLookup(t *testing.T) {
	r := NewCallRegistry(nil)
	rl := &fakeRelay{
		phase: relay.PhaseActive,
		snap:  relay.SessionSnapshot{StreamID: "MZ1", LatestMediaTimestamp: 120},
		stats: relay.MetricsSnapshot{FramesToUpstream: 6},
	}

	call := r.Register("", rl)
	if call.ID == "" || r.Len() != 1 {
		t.Fatalf("id=%q len=%d", call.ID, r.Len())
	}
	if _, err := r.GetByCallSID("CA1"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("GetByCallSID before start err=%v", err)
	}

	call.SetCallSID("CA1")
	call.SetCallSID("CA-other")
	got, err := r.GetByCallSID("CA1")
	if err != nil || got != call {
		t.Fatalf("GetByCallSID=%v,%v", got, err)
	}
	if _, err := r.GetByCallSID(""); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("empty call sid matched: %v", err)
	}

	status, err := r.Status(call.ID)
	if err != nil {
		t.Fatalf("Status err=%v", err)
	}
	if status.CallSID != "CA1" || status.StreamSID != "MZ1" || status.Phase != relay.PhaseActive ||
		status.Session.LatestMediaTimestamp != 120 || status.Metrics.FramesToUpstream != 6 {
		t.Fatalf("status=%+v", status)
	}

	call.SetStreamSID("MZ-registry")
	status, _ = r.Status(call.ID)
	if status.StreamSID != "MZ-registry" {
		t.Fatalf("stream sid=%q, want registry value", status.StreamSID)
	}

	r.Remove(call.ID)
	r.Remove(call.ID)
	if _, err := r.Status(call.ID); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("Status after remove err=%v", err)
	}
	if rl.closes.Load() != 0 {
		t.Fatal("Remove closed the relay")
	}
}

func TestCallRegistry_ListOldestFirst(t *testing.T) {
	r := NewCallRegistry(nil)
	first := r.Register("CA1", &fakeRelay{})
	second := r.Register("CA2", &fakeRelay{})
	first.CreatedAt = time.Now().Add(-time.Minute)

	list := r.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("List=%+v", list)
	}
}

func TestCallRegistry_CloseCallAndCloseAll(t *testing.T) {
	r := NewCallRegistry(nil)
	a, b := &fakeRelay{}, &fakeRelay{}
	callA := r.Register("CA1", a)
	r.Register("CA2", b)

	if err := r.CloseCall(callA.ID); err != nil {
		t.Fatalf("CloseCall err=%v", err)
	}
	if err := r.CloseCall("missing"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("CloseCall missing err=%v", err)
	}
	if a.closes.Load() != 1 || b.closes.Load() != 0 {
		t.Fatalf("closes a=%d b=%d", a.closes.Load(), b.closes.Load())
	}

	r.CloseAll()
	if a.closes.Load() != 2 || b.closes.Load() != 1 {
		t.Fatalf("closes after CloseAll a=%d b=%d", a.closes.Load(), b.closes.Load())
	}
	if r.Len() != 2 {
		t.Fatalf("CloseAll removed entries: len=%d", r.Len())
	}
}

func TestCallRegistry_ConcurrentAccess(t *testing.T) {
	r := NewCallRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call := r.Register("", &fakeRelay{})
			call.SetCallSID(call.ID)
			r.List()
			r.GetByCallSID(call.ID)
			r.Remove(call.ID)
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Fatalf("len=%d, want 0", r.Len())
	}
}
