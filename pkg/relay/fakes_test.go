package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errFakeClosed = errors.New("use of closed connection")

type downItem struct {
	evt DownstreamEvent
	err error
}

type sentFrame struct {
	kind     string
	streamID string
	payload  string
	name     string
}

type fakeDownstream struct {
	in     chan downItem
	sent   chan sentFrame
	closed chan struct{}
	once   sync.Once
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{
		in:     make(chan downItem, 64),
		sent:   make(chan sentFrame, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeDownstream) push(evt DownstreamEvent) { f.in <- downItem{evt: evt} }

func (f *fakeDownstream) pushErr(err error) { f.in <- downItem{err: err} }

func (f *fakeDownstream) Receive(ctx context.Context) (DownstreamEvent, error) {
	select {
	case item := <-f.in:
		return item.evt, item.err
	case <-f.closed:
		return DownstreamEvent{}, errFakeClosed
	}
}

// record blocks while the sent buffer is full, like a socket whose write
// queue is backed up, until the fake is closed.
func (f *fakeDownstream) record(frame sentFrame) error {
	if f.isClosed() {
		return errFakeClosed
	}
	select {
	case f.sent <- frame:
		return nil
	case <-f.closed:
		return errFakeClosed
	}
}

func (f *fakeDownstream) SendMedia(ctx context.Context, streamID string, payload []byte) error {
	return f.record(sentFrame{kind: "media", streamID: streamID, payload: string(payload)})
}

func (f *fakeDownstream) SendMark(ctx context.Context, streamID, name string) error {
	return f.record(sentFrame{kind: "mark", streamID: streamID, name: name})
}

func (f *fakeDownstream) SendClear(ctx context.Context, streamID string) error {
	return f.record(sentFrame{kind: "clear", streamID: streamID})
}

func (f *fakeDownstream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeDownstream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type upItem struct {
	evt UpstreamEvent
	err error
}

type sentCommand struct {
	kind       string
	payload    string
	text       string
	session    SessionConfig
	truncation Truncation
}

type fakeUpstream struct {
	in     chan upItem
	sent   chan sentCommand
	closed chan struct{}
	once   sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		in:     make(chan upItem, 64),
		sent:   make(chan sentCommand, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeUpstream) push(evt UpstreamEvent) { f.in <- upItem{evt: evt} }

func (f *fakeUpstream) pushErr(err error) { f.in <- upItem{err: err} }

func (f *fakeUpstream) Receive(ctx context.Context) (UpstreamEvent, error) {
	select {
	case item := <-f.in:
		return item.evt, item.err
	case <-f.closed:
		return UpstreamEvent{}, errFakeClosed
	}
}

func (f *fakeUpstream) record(cmd sentCommand) error {
	if f.isClosed() {
		return errFakeClosed
	}
	select {
	case f.sent <- cmd:
		return nil
	case <-f.closed:
		return errFakeClosed
	}
}

func (f *fakeUpstream) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	return f.record(sentCommand{kind: "session", session: cfg})
}

func (f *fakeUpstream) AppendAudio(ctx context.Context, payload []byte) error {
	return f.record(sentCommand{kind: "append", payload: string(payload)})
}

func (f *fakeUpstream) SeedConversation(ctx context.Context, text string) error {
	return f.record(sentCommand{kind: "seed", text: text})
}

func (f *fakeUpstream) CreateResponse(ctx context.Context) error {
	return f.record(sentCommand{kind: "response"})
}

func (f *fakeUpstream) Truncate(ctx context.Context, t Truncation) error {
	return f.record(sentCommand{kind: "truncate", truncation: t})
}

func (f *fakeUpstream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeUpstream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

const waitTimeout = 2 * time.Second

func expectDown(t *testing.T, f *fakeDownstream, kind string) sentFrame {
	t.Helper()
	select {
	case frame := <-f.sent:
		if frame.kind != kind {
			t.Fatalf("downstream frame kind=%q, want %q (%+v)", frame.kind, kind, frame)
		}
		return frame
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for downstream %q frame", kind)
	}
	return sentFrame{}
}

func expectNoDown(t *testing.T, f *fakeDownstream) {
	t.Helper()
	select {
	case frame := <-f.sent:
		t.Fatalf("unexpected downstream frame: %+v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectUp(t *testing.T, f *fakeUpstream, kind string) sentCommand {
	t.Helper()
	select {
	case cmd := <-f.sent:
		if cmd.kind != kind {
			t.Fatalf("upstream command kind=%q, want %q (%+v)", cmd.kind, kind, cmd)
		}
		return cmd
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for upstream %q command", kind)
	}
	return sentCommand{}
}

func expectNoUp(t *testing.T, f *fakeUpstream) {
	t.Helper()
	select {
	case cmd := <-f.sent:
		t.Fatalf("unexpected upstream command: %+v", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	engine *Engine
	down   *fakeDownstream
	up     *fakeUpstream
	done   chan error
	cancel context.CancelFunc
}

// startEngine runs an engine over fakes and consumes the handshake's
// session.update so tests start from a clean command stream.
func startEngine(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		down: newFakeDownstream(),
		up:   newFakeUpstream(),
		done: make(chan error, 1),
	}
	h.engine = NewEngine(h.down, h.up, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.engine.Run(ctx) }()

	expectUp(t, h.up, "session")
	if cfg.Greeting != "" {
		expectUp(t, h.up, "seed")
		expectUp(t, h.up, "response")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
			t.Errorf("engine did not stop")
		}
	})
	return h
}

func (h *harness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("engine did not return")
	}
	return nil
}

func ts(v int64) *int64 { return &v }
