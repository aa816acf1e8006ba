package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saker-ai/voice-relay/internal/connection"
	"github.com/saker-ai/voice-relay/internal/connection/connectiontest"
	"github.com/saker-ai/voice-relay/internal/dispatch"
	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/realtime"
	"github.com/saker-ai/voice-relay/internal/session/fsm"
)

type fakeUpstream struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	onConnect   func()
	onConnected func()
	connects    int
	disconnects int
	audio       [][]byte
	texts       []string
}

func (f *fakeUpstream) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	hook := f.onConnect
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) Connected() bool {
	f.mu.Lock()
	hook := f.onConnected
	f.onConnected = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeUpstream) AppendAudio(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	f.audio = append(f.audio, pcm)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) counts() (connects, disconnects, audio int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, len(f.audio)
}

type staticTone struct {
	pcm  []byte
	rate int
	err  error
}

func (s staticTone) TestAudio() ([]byte, int, error) {
	return s.pcm, s.rate, s.err
}

type harness struct {
	dispatcher *dispatch.Dispatcher
	bridge     *Bridge
	upstream   *fakeUpstream
	emit       realtime.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{upstream: &fakeUpstream{}}
	h.dispatcher = dispatch.New(connection.NewRegistry(), nil)
	h.bridge = New(h.dispatcher, func(handler realtime.Handler) Upstream {
		// Event fan-out is queued per connection; flush so assertions see it.
		h.emit = func(ev realtime.Event) {
			handler(ev)
			h.dispatcher.Flush()
		}
		return h.upstream
	}, staticTone{pcm: []byte{1, 2, 3, 4}, rate: 24000}, Options{}, nil)
	h.bridge.Register(h.dispatcher)
	return h
}

func (h *harness) connect(id string) *connectiontest.Transport {
	transport := connectiontest.New()
	h.dispatcher.Connect(connection.New(id, transport, nil))
	return transport
}

func (h *harness) send(id string, msg protocol.Message) {
	h.dispatcher.Dispatch(context.Background(), id, msg, nil)
}

func (h *harness) start(id string) {
	h.send(id, protocol.Message{Type: protocol.TypeStartAISession})
}

func assertTypes(t *testing.T, transport *connectiontest.Transport, want ...protocol.Type) {
	t.Helper()
	got := transport.Types()
	if len(got) != len(want) {
		t.Fatalf("types=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("types=%v, want %v", got, want)
		}
	}
}

func TestStartStopStateSequence(t *testing.T) {
	h := newHarness(t)
	transport := h.connect("a")

	var duringConnect fsm.State
	h.upstream.onConnect = func() { duringConnect = h.bridge.State("a") }

	if got := h.bridge.State("a"); got != fsm.StateInactive {
		t.Fatalf("initial state=%s, want %s", got, fsm.StateInactive)
	}
	h.start("a")
	if duringConnect != fsm.StateStarting {
		t.Fatalf("state during connect=%s, want %s", duringConnect, fsm.StateStarting)
	}
	if got := h.bridge.State("a"); got != fsm.StateActive {
		t.Fatalf("state after start=%s, want %s", got, fsm.StateActive)
	}
	h.send("a", protocol.Message{Type: protocol.TypeStopAISession})
	if got := h.bridge.State("a"); got != fsm.StateInactive {
		t.Fatalf("state after stop=%s, want %s", got, fsm.StateInactive)
	}

	assertTypes(t, transport, protocol.TypeAISessionStarted, protocol.TypeAISessionStopped)
	if _, disconnects, _ := h.upstream.counts(); disconnects != 1 {
		t.Fatalf("upstream disconnects=%d, want 1", disconnects)
	}
}

func TestStartFailureReportsError(t *testing.T) {
	h := newHarness(t)
	transport := h.connect("a")
	h.upstream.connectErr = errors.New("unreachable")

	h.start("a")

	if got := h.bridge.State("a"); got != fsm.StateInactive {
		t.Fatalf("state=%s, want %s", got, fsm.StateInactive)
	}
	assertTypes(t, transport, protocol.TypeError)
}

func TestAudioDroppedWhileInactive(t *testing.T) {
	h := newHarness(t)
	transport := h.connect("a")

	h.send("a", protocol.Message{Type: protocol.TypeAudioData, Data: base64.StdEncoding.EncodeToString([]byte{1, 2})})
	h.dispatcher.Dispatch(context.Background(), "a", protocol.Message{Type: protocol.TypeBinary}, []byte{3, 4})

	if _, _, audio := h.upstream.counts(); audio != 0 {
		t.Fatalf("forwarded audio=%d, want 0", audio)
	}
	if got := transport.Types(); len(got) != 0 {
		t.Fatalf("client messages=%v, want none", got)
	}
}

func TestAudioForwardedWhileActive(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.start("a")

	h.send("a", protocol.Message{Type: protocol.TypeAudioData, Data: base64.StdEncoding.EncodeToString([]byte{1, 2})})
	h.dispatcher.Dispatch(context.Background(), "a", protocol.Message{Type: protocol.TypeBinary}, []byte{3, 4})

	if _, _, audio := h.upstream.counts(); audio != 2 {
		t.Fatalf("forwarded audio=%d, want 2", audio)
	}
	if got := h.upstream.audio[0]; len(got) != 2 || got[0] != 1 {
		t.Fatalf("first chunk=%v, want [1 2]", got)
	}
}

func TestClosingLastActiveConnectionDisconnectsUpstream(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	h.start("a")
	h.start("b")
	if connects, _, _ := h.upstream.counts(); connects != 2 {
		t.Fatalf("connect calls=%d, want 2", connects)
	}

	h.dispatcher.Disconnect("a")
	if _, disconnects, _ := h.upstream.counts(); disconnects != 0 {
		t.Fatalf("disconnects after non-last close=%d, want 0", disconnects)
	}

	h.dispatcher.Disconnect("b")
	if _, disconnects, _ := h.upstream.counts(); disconnects != 1 {
		t.Fatalf("disconnects after last close=%d, want 1", disconnects)
	}
}

func TestStopKeepsUpstreamForOtherSessions(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.connect("b")
	h.start("a")
	h.start("b")

	h.send("a", protocol.Message{Type: protocol.TypeStopAISession})
	if _, disconnects, _ := h.upstream.counts(); disconnects != 0 {
		t.Fatalf("disconnects=%d, want 0", disconnects)
	}
	if ids := h.bridge.ActiveIDs(); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("active=%v, want [b]", ids)
	}
}

func TestUpstreamEventsReachActiveConnectionsOnly(t *testing.T) {
	h := newHarness(t)
	active := h.connect("a")
	idle := h.connect("b")
	h.start("a")

	h.emit(realtime.SpeechStarted{})
	h.emit(realtime.TextDelta{Delta: "hel"})
	h.emit(realtime.AudioDelta{Delta: base64.StdEncoding.EncodeToString([]byte{9, 8, 7, 6})})
	h.emit(realtime.Unknown{Type: "rate_limits.updated", Raw: []byte(`{"type":"rate_limits.updated"}`)})

	assertTypes(t, active,
		protocol.TypeAISessionStarted,
		protocol.TypeSpeechDetected,
		protocol.TypeAITextResponse,
		protocol.TypeBinaryMetadata,
		protocol.TypeAIEvent,
	)
	if bins := active.Binaries(); len(bins) != 1 || len(bins[0]) != 4 {
		t.Fatalf("binaries=%v, want one 4-byte frame", bins)
	}
	meta := active.Messages()[3]
	if meta.DataType != protocol.DataTypeAudio || meta.SampleRate != 24000 {
		t.Fatalf("meta=%+v, want audio at 24000", meta)
	}
	if got := idle.Frames(); len(got) != 0 {
		t.Fatalf("inactive connection frames=%d, want 0", len(got))
	}
}

func TestCloseSessionToolEndsSessions(t *testing.T) {
	h := newHarness(t)
	transport := h.connect("a")
	h.start("a")

	h.emit(realtime.FunctionCallDone{Name: realtime.CloseSessionTool})

	assertTypes(t, transport,
		protocol.TypeAISessionStarted,
		protocol.TypeAISessionClosing,
		protocol.TypeAISessionStopped,
	)
	if got := h.bridge.State("a"); got != fsm.StateInactive {
		t.Fatalf("state=%s, want %s", got, fsm.StateInactive)
	}
	if _, disconnects, _ := h.upstream.counts(); disconnects != 1 {
		t.Fatalf("disconnects=%d, want 1", disconnects)
	}
}

func TestUnexpectedUpstreamLossResetsSessions(t *testing.T) {
	h := newHarness(t)
	transport := h.connect("a")
	h.start("a")

	h.upstream.Disconnect()
	h.emit(realtime.Disconnected{Err: errors.New("eof")})

	assertTypes(t, transport, protocol.TypeAISessionStarted, protocol.TypeError, protocol.TypeAISessionStopped)
	if got := h.bridge.State("a"); got != fsm.StateInactive {
		t.Fatalf("state=%s, want %s", got, fsm.StateInactive)
	}
}

func TestServerErrorGoesToLiveSessions(t *testing.T) {
	h := newHarness(t)
	active := h.connect("a")
	idle := h.connect("b")
	h.start("a")

	h.emit(realtime.ServerError{Error: realtime.ErrorInfo{Message: "rate limited"}})

	msgs := active.Messages()
	if last := msgs[len(msgs)-1]; last.Type != protocol.TypeError || last.Message != "rate limited" {
		t.Fatalf("last message=%+v, want error rate limited", last)
	}
	if len(idle.Frames()) != 0 {
		t.Fatal("inactive connection received the upstream error")
	}
}

func TestTextEchoWhenInactiveAndForwardWhenActive(t *testing.T) {
	h := newHarness(t)
	transport := h.connect("a")

	h.send("a", protocol.Message{Type: protocol.TypeText, Data: "hi"})
	msgs := transport.Messages()
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeText || msgs[0].Data != `Echo: "hi"` {
		t.Fatalf("messages=%+v, want text echo", msgs)
	}

	h.start("a")
	h.send("a", protocol.Message{Type: protocol.TypeText, Data: "hello"})
	if len(h.upstream.texts) != 1 || h.upstream.texts[0] != "hello" {
		t.Fatalf("upstream texts=%v, want [hello]", h.upstream.texts)
	}
}

func TestUnknownTypeEchoesWithError(t *testing.T) {
	h := newHarness(t)
	transport := h.connect("a")

	h.send("a", protocol.Message{Type: protocol.Type("ping")})

	assertTypes(t, transport, protocol.TypeEcho, protocol.TypeError)
}

func TestTestAudioSentAsBinaryTransfer(t *testing.T) {
	h := newHarness(t)
	transport := h.connect("a")

	h.send("a", protocol.Message{Type: protocol.TypeRequestTestAudio})

	msgs := transport.Messages()
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeBinaryMetadata || msgs[0].Size != 4 {
		t.Fatalf("messages=%+v, want one 4-byte binary_metadata", msgs)
	}
	if msgs[0].Format != "pcm16" || msgs[0].SampleRate != 24000 {
		t.Fatalf("meta=%+v, want pcm16 at 24000", msgs[0])
	}
	if len(transport.Binaries()) != 1 {
		t.Fatalf("binaries=%d, want 1", len(transport.Binaries()))
	}
}

func TestStartDuringReleaseKeepsUpstream(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	late := h.connect("b")
	h.start("a")

	started := make(chan struct{})
	h.upstream.mu.Lock()
	h.upstream.onConnected = func() {
		go func() {
			defer close(started)
			h.start("b")
		}()
		deadline := time.Now().Add(time.Second)
		for h.bridge.State("b") != fsm.StateStarting && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	h.upstream.mu.Unlock()

	h.send("a", protocol.Message{Type: protocol.TypeStopAISession})
	<-started

	if got := h.bridge.State("b"); got != fsm.StateActive {
		t.Fatalf("b state=%s, want %s", got, fsm.StateActive)
	}
	if !h.upstream.Connected() {
		t.Fatal("upstream connected=false, want true while b is active")
	}
	assertTypes(t, late, protocol.TypeAISessionStarted)
}

func TestSessionResetDuringConnectReleasesUpstream(t *testing.T) {
	h := newHarness(t)
	transport := h.connect("a")
	h.upstream.onConnect = func() {
		if m, ok := h.bridge.lookup("a"); ok {
			m.Reset()
		}
	}

	h.start("a")

	if got := h.bridge.State("a"); got != fsm.StateInactive {
		t.Fatalf("state=%s, want %s", got, fsm.StateInactive)
	}
	if _, disconnects, _ := h.upstream.counts(); disconnects != 1 {
		t.Fatalf("disconnects=%d, want 1", disconnects)
	}
	if h.upstream.Connected() {
		t.Fatal("upstream connected=true, want false with no live session")
	}
	if got := transport.Types(); len(got) != 0 {
		t.Fatalf("client messages=%v, want none", got)
	}
}

func TestSlowClientDoesNotDelayEventsToOthers(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	defer close(gate)
	h.dispatcher.Connect(connection.New("slow", connectiontest.Gated(gate), nil))
	fast := h.connect("fast")
	if m := h.bridge.machine("slow"); m.Start() != nil || m.Activate() != nil {
		t.Fatal("could not activate slow session")
	}
	h.start("fast")

	begin := time.Now()
	emit := h.bridge.HandleEvent
	for _, delta := range []string{"a", "b", "c"} {
		emit(realtime.TextDelta{Delta: delta})
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("event fan-out took %v with a stalled client", elapsed)
	}
	conn, _ := h.dispatcher.Registry().Get("fast")
	conn.Flush()
	assertTypes(t, fast,
		protocol.TypeAISessionStarted,
		protocol.TypeAITextResponse,
		protocol.TypeAITextResponse,
		protocol.TypeAITextResponse,
	)
}
