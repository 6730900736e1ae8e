package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxwire-ai/voxwire/pkg/device"
	"github.com/voxwire-ai/voxwire/pkg/relay/live/protocol"
	voxwire "github.com/voxwire-ai/voxwire/sdk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRelayTestServer starts a websocket endpoint at /v1/session and hands
// each upgraded connection to handler.
func newRelayTestServer(t *testing.T, handler func(conn *websocket.Conn)) (string, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/session" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	return srv.URL, srv.Close
}

func readClientFrame(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("read client frame: %v", err)
		return nil
	}
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		t.Errorf("decode client frame: %v", err)
		return nil
	}
	return msg
}

func writeServerJSON(t *testing.T, conn *websocket.Conn, v map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Errorf("write server frame: %v", err)
	}
}

func writeCloseFrame(conn *websocket.Conn) {
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func expectStartSession(t *testing.T, conn *websocket.Conn) bool {
	t.Helper()
	msg := readClientFrame(t, conn)
	if msg == nil {
		return false
	}
	if _, ok := msg.(protocol.StartSession); !ok {
		t.Errorf("first frame = %T, want StartSession", msg)
		return false
	}
	return true
}

type fakeMic struct {
	frames  chan device.Frame
	dropped atomic.Uint64
	warms   atomic.Int64
	starts  atomic.Int64
	stops   atomic.Int64
}

func newFakeMic() *fakeMic {
	return &fakeMic{frames: make(chan device.Frame, 64)}
}

func (m *fakeMic) Warm() error                 { m.warms.Add(1); return nil }
func (m *fakeMic) Start() error                { m.starts.Add(1); return nil }
func (m *fakeMic) Stop() error                 { m.stops.Add(1); return nil }
func (m *fakeMic) Frames() <-chan device.Frame { return m.frames }
func (m *fakeMic) Dropped() uint64             { return m.dropped.Load() }

func (m *fakeMic) push(pcm []byte) {
	m.frames <- device.Frame{PCM: pcm}
}

type fakeSpeaker struct {
	starts atomic.Int64
	stops  atomic.Int64
	clears atomic.Int64
}

func (s *fakeSpeaker) Start() error { s.starts.Add(1); return nil }
func (s *fakeSpeaker) Stop() error  { s.stops.Add(1); return nil }
func (s *fakeSpeaker) Clear()       { s.clears.Add(1) }

// eventRecorder accumulates controller events so tests can both wait for
// milestones and assert over the full history afterwards.
type eventRecorder struct {
	t   *testing.T
	ch  <-chan Event
	all []Event
}

func (r *eventRecorder) waitState(to State) {
	r.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				r.t.Fatalf("events closed while waiting for state %s", to)
			}
			r.all = append(r.all, ev)
			if sc, isState := ev.(StateChanged); isState && sc.To == to {
				return
			}
		case <-deadline:
			r.t.Fatalf("timed out waiting for state %s (have %d events)", to, len(r.all))
		}
	}
}

// drain collects everything remaining; call after Run has returned.
func (r *eventRecorder) drain() {
	for ev := range r.ch {
		r.all = append(r.all, ev)
	}
}

func (r *eventRecorder) states() []State {
	var out []State
	for _, ev := range r.all {
		if sc, ok := ev.(StateChanged); ok {
			out = append(out, sc.To)
		}
	}
	return out
}

func (r *eventRecorder) assistantText() string {
	var b strings.Builder
	for _, ev := range r.all {
		if tc, ok := ev.(AssistantText); ok {
			b.WriteString(tc.Delta)
		}
	}
	return b.String()
}

func (r *eventRecorder) transcripts() []string {
	var out []string
	for _, ev := range r.all {
		if ut, ok := ev.(UserTranscript); ok {
			out = append(out, ut.Text)
		}
	}
	return out
}

func (r *eventRecorder) warningCodes() []string {
	var out []string
	for _, ev := range r.all {
		if w, ok := ev.(Warning); ok {
			out = append(out, w.Code)
		}
	}
	return out
}

func (r *eventRecorder) endedReason() (string, bool) {
	for _, ev := range r.all {
		if se, ok := ev.(SessionEnded); ok {
			return se.Reason, true
		}
	}
	return "", false
}

func newTestController(t *testing.T, url string, mic MicSource, speaker SpeakerSink, cfg Config) *Controller {
	t.Helper()
	vc := voxwire.NewClient(url,
		voxwire.WithAuthToken("vx_sk_test"),
		voxwire.WithDialTimeout(2*time.Second),
		voxwire.WithLogger(testLogger()),
	)
	ctrl := NewController(vc, mic, speaker, cfg, testLogger())
	ctrl.backoffBase = time.Millisecond
	ctrl.backoffMax = 4 * time.Millisecond
	return ctrl
}

func TestController_HappyTurn(t *testing.T) {
	t.Parallel()

	turnAudio := [][]byte{
		bytes.Repeat([]byte{0x01, 0x02}, 2400),
		bytes.Repeat([]byte{0x03, 0x04}, 2400),
	}

	serverDone := make(chan struct{})
	url, closeSrv := newRelayTestServer(t, func(conn *websocket.Conn) {
		defer close(serverDone)
		if !expectStartSession(t, conn) {
			return
		}
		writeServerJSON(t, conn, map[string]any{
			"type": "session_ready", "session_id": "s_0001",
			"audio_transport": protocol.AudioTransportBase64JSON,
		})

		// The user's utterance: audio chunks up to audio_stream_end.
		var micSeqs []uint64
		collecting := true
		for collecting {
			switch m := readClientFrame(t, conn).(type) {
			case protocol.ClientAudioChunk:
				micSeqs = append(micSeqs, m.Seq)
			case protocol.ClientAudioStreamEnd:
				collecting = false
			case nil:
				return
			default:
				t.Errorf("unexpected frame %T during utterance", m)
				return
			}
		}
		if !slices.Equal(micSeqs, []uint64{1, 2}) {
			t.Errorf("mic seqs = %v, want [1 2]", micSeqs)
		}

		writeServerJSON(t, conn, map[string]any{"type": "user_transcription", "text": "what's the weather"})
		// Chunk 2 first; the client reorders before playback.
		writeServerJSON(t, conn, map[string]any{
			"type": "audio_chunk", "turn_id": "t_1", "seq": 2,
			"payload": base64.StdEncoding.EncodeToString(turnAudio[1]),
		})
		writeServerJSON(t, conn, map[string]any{
			"type": "audio_chunk", "turn_id": "t_1", "seq": 1,
			"payload": base64.StdEncoding.EncodeToString(turnAudio[0]),
		})
		writeServerJSON(t, conn, map[string]any{"type": "text_chunk", "turn_id": "t_1", "delta": "It is "})
		writeServerJSON(t, conn, map[string]any{"type": "text_chunk", "turn_id": "t_1", "delta": "sunny."})
		writeServerJSON(t, conn, map[string]any{"type": "turn_complete", "turn_id": "t_1"})

		if msg := readClientFrame(t, conn); msg != nil {
			if _, ok := msg.(protocol.ClientEndSession); !ok {
				t.Errorf("frame after turn = %T, want ClientEndSession", msg)
			}
		}
		writeServerJSON(t, conn, map[string]any{"type": "session_ended", "reason": protocol.ReasonClientEnded})
		writeCloseFrame(conn)
	})
	defer closeSrv()

	mic := newFakeMic()
	speaker := &fakeSpeaker{}
	ctrl := newTestController(t, url, mic, speaker, Config{VoiceID: "aria", MinBufferMS: -1})

	// Consume playback the way the speaker device would.
	var playedMu sync.Mutex
	var played []byte
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			pcm, ok := ctrl.Output().Next()
			if !ok {
				return
			}
			playedMu.Lock()
			played = append(played, pcm...)
			playedMu.Unlock()
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(context.Background()) }()

	rec := &eventRecorder{t: t, ch: ctrl.Events()}
	rec.waitState(StateReady)

	if err := ctrl.BeginUtterance(); err != nil {
		t.Fatalf("BeginUtterance: %v", err)
	}
	mic.push(bytes.Repeat([]byte{0x10}, 3200))
	mic.push(bytes.Repeat([]byte{0x20}, 3200))
	if err := ctrl.EndUtterance(); err != nil {
		t.Fatalf("EndUtterance: %v", err)
	}

	// speaking resolves to ready once the turn completes and playback drains.
	rec.waitState(StateReady)

	if err := ctrl.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after session_ended")
	}
	rec.drain()
	<-serverDone
	<-consumerDone

	wantStates := []State{
		StateConnecting, StateReady, StateListening, StateAwaitingResponse,
		StateSpeaking, StateReady, StateEnded,
	}
	if got := rec.states(); !slices.Equal(got, wantStates) {
		t.Errorf("state sequence = %v, want %v", got, wantStates)
	}
	if got := rec.assistantText(); got != "It is sunny." {
		t.Errorf("assistant text = %q, want %q", got, "It is sunny.")
	}
	if got := rec.transcripts(); !slices.Equal(got, []string{"what's the weather"}) {
		t.Errorf("transcripts = %v", got)
	}
	if reason, ok := rec.endedReason(); !ok || reason != protocol.ReasonClientEnded {
		t.Errorf("ended reason = %q, %v, want %q", reason, ok, protocol.ReasonClientEnded)
	}

	wantPlayed := append(append([]byte{}, turnAudio[0]...), turnAudio[1]...)
	playedMu.Lock()
	defer playedMu.Unlock()
	if !bytes.Equal(played, wantPlayed) {
		t.Errorf("played %d bytes, want %d in chunk order", len(played), len(wantPlayed))
	}
	if mic.starts.Load() != 1 || mic.stops.Load() == 0 {
		t.Errorf("mic starts=%d stops=%d", mic.starts.Load(), mic.stops.Load())
	}
	if mic.warms.Load() == 0 {
		t.Error("mic was never pre-warmed on ready")
	}
}

func TestController_BargeInClearsPlayback(t *testing.T) {
	t.Parallel()

	chunk := bytes.Repeat([]byte{0x05, 0x06}, 2400) // 100ms at 24kHz

	url, closeSrv := newRelayTestServer(t, func(conn *websocket.Conn) {
		if !expectStartSession(t, conn) {
			return
		}
		writeServerJSON(t, conn, map[string]any{
			"type": "session_ready", "session_id": "s_0002",
			"audio_transport": protocol.AudioTransportBase64JSON,
		})

		if _, ok := readClientFrame(t, conn).(protocol.ClientTextMessage); !ok {
			t.Error("expected text_message to open the turn")
			return
		}
		for seq := 1; seq <= 2; seq++ {
			writeServerJSON(t, conn, map[string]any{
				"type": "audio_chunk", "turn_id": "t_1", "seq": seq,
				"payload": base64.StdEncoding.EncodeToString(chunk),
			})
		}

		if _, ok := readClientFrame(t, conn).(protocol.ClientInterrupt); !ok {
			t.Error("expected interrupt frame")
			return
		}
		// Stale media races the ack; the client must drop it.
		writeServerJSON(t, conn, map[string]any{
			"type": "audio_chunk", "turn_id": "t_1", "seq": 3,
			"payload": base64.StdEncoding.EncodeToString(chunk),
		})
		writeServerJSON(t, conn, map[string]any{"type": "interrupted", "turn_id": "t_1"})

		if msg := readClientFrame(t, conn); msg != nil {
			if _, ok := msg.(protocol.ClientEndSession); !ok {
				t.Errorf("frame after interrupt = %T, want ClientEndSession", msg)
			}
		}
		writeServerJSON(t, conn, map[string]any{"type": "session_ended", "reason": protocol.ReasonClientEnded})
		writeCloseFrame(conn)
	})
	defer closeSrv()

	mic := newFakeMic()
	speaker := &fakeSpeaker{}
	// No playback consumer: chunks accumulate so the clear is observable.
	ctrl := newTestController(t, url, mic, speaker, Config{MinBufferMS: -1})

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(context.Background()) }()

	rec := &eventRecorder{t: t, ch: ctrl.Events()}
	rec.waitState(StateReady)

	if err := ctrl.SendText("tell me a story"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	rec.waitState(StateSpeaking)

	waitFor(t, func() bool { return ctrl.Output().BufferedMS() >= 200 }, "assistant audio buffered")

	if err := ctrl.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	rec.waitState(StateReady)

	if ms := ctrl.Output().BufferedMS(); ms != 0 {
		t.Errorf("buffered after barge-in = %dms, want 0", ms)
	}
	if speaker.clears.Load() == 0 {
		t.Error("speaker was never cleared")
	}

	if err := ctrl.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	rec.drain()

	wantStates := []State{
		StateConnecting, StateReady, StateAwaitingResponse, StateSpeaking,
		StateInterrupted, StateReady, StateEnded,
	}
	if got := rec.states(); !slices.Equal(got, wantStates) {
		t.Errorf("state sequence = %v, want %v", got, wantStates)
	}
}

func TestController_ReconnectExhaustionEndsSession(t *testing.T) {
	t.Parallel()

	var dials atomic.Int64
	url, closeSrv := newRelayTestServer(t, func(conn *websocket.Conn) {
		n := dials.Add(1)
		if n > 1 {
			// Dead relay: every retry fails before the handshake completes.
			return
		}
		if !expectStartSession(t, conn) {
			return
		}
		writeServerJSON(t, conn, map[string]any{
			"type": "session_ready", "session_id": "s_0003",
			"audio_transport": protocol.AudioTransportBase64JSON,
		})
		// Abrupt TCP close, no close frame: a transport loss.
	})
	defer closeSrv()

	ctrl := newTestController(t, url, newFakeMic(), &fakeSpeaker{}, Config{ReconnectAttempts: 3, MinBufferMS: -1})

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(context.Background()) }()

	var err error
	select {
	case err = <-runErr:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after reconnect exhaustion")
	}
	if err == nil || !strings.Contains(err.Error(), "reconnect exhausted") {
		t.Fatalf("Run error = %v, want reconnect exhaustion", err)
	}

	rec := &eventRecorder{t: t, ch: ctrl.Events()}
	rec.drain()

	if got := dials.Load(); got != 4 {
		t.Errorf("dial count = %d, want 1 initial + 3 retries", got)
	}
	if reason, ok := rec.endedReason(); !ok || reason != protocol.ReasonConnectionLost {
		t.Errorf("ended reason = %q, %v, want %q", reason, ok, protocol.ReasonConnectionLost)
	}
	wantStates := []State{StateConnecting, StateReady, StateConnecting, StateEnded}
	if got := rec.states(); !slices.Equal(got, wantStates) {
		t.Errorf("state sequence = %v, want %v", got, wantStates)
	}
	retries := 0
	for _, code := range rec.warningCodes() {
		if code == "reconnecting" {
			retries++
		}
	}
	if retries != 3 {
		t.Errorf("reconnecting warnings = %d, want 3", retries)
	}
	if ctrl.State() != StateEnded {
		t.Errorf("final state = %s, want ended", ctrl.State())
	}
}

func TestController_ReconnectResumesAndDiscardsTurn(t *testing.T) {
	t.Parallel()

	chunk := bytes.Repeat([]byte{0x07, 0x08}, 2400)
	killFirst := make(chan struct{})

	var dials atomic.Int64
	url, closeSrv := newRelayTestServer(t, func(conn *websocket.Conn) {
		n := dials.Add(1)
		if !expectStartSession(t, conn) {
			return
		}
		writeServerJSON(t, conn, map[string]any{
			"type": "session_ready", "session_id": "s_0004",
			"audio_transport": protocol.AudioTransportBase64JSON,
		})
		if n == 1 {
			// Half a turn, then the link dies abruptly.
			writeServerJSON(t, conn, map[string]any{
				"type": "audio_chunk", "turn_id": "t_1", "seq": 1,
				"payload": base64.StdEncoding.EncodeToString(chunk),
			})
			<-killFirst
			return
		}
		if msg := readClientFrame(t, conn); msg != nil {
			if _, ok := msg.(protocol.ClientEndSession); !ok {
				t.Errorf("frame on second conn = %T, want ClientEndSession", msg)
			}
		}
		writeServerJSON(t, conn, map[string]any{"type": "session_ended", "reason": protocol.ReasonClientEnded})
		writeCloseFrame(conn)
	})
	defer closeSrv()

	ctrl := newTestController(t, url, newFakeMic(), &fakeSpeaker{}, Config{ReconnectAttempts: 3, MinBufferMS: -1})

	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(context.Background()) }()

	rec := &eventRecorder{t: t, ch: ctrl.Events()}
	rec.waitState(StateSpeaking)
	waitFor(t, func() bool { return ctrl.Output().BufferedMS() >= 100 }, "first-turn audio buffered")
	close(killFirst)

	// Reconnect lands back in ready with the broken turn discarded.
	rec.waitState(StateConnecting)
	rec.waitState(StateReady)
	if ms := ctrl.Output().BufferedMS(); ms != 0 {
		t.Errorf("buffered after reconnect = %dms, want 0", ms)
	}

	if err := ctrl.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	rec.drain()

	if got := dials.Load(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
	reconnected := slices.Contains(rec.warningCodes(), "reconnected")
	if !reconnected {
		t.Errorf("warning codes = %v, want a reconnected notice", rec.warningCodes())
	}
	if reason, ok := rec.endedReason(); !ok || reason != protocol.ReasonClientEnded {
		t.Errorf("ended reason = %q, %v", reason, ok)
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// The tests below drive handleSessionEvent directly; no relay needed.

func newBareController(t *testing.T) *Controller {
	t.Helper()
	vc := voxwire.NewClient("http://127.0.0.1:1")
	return NewController(vc, newFakeMic(), &fakeSpeaker{}, Config{MinBufferMS: -1}, testLogger())
}

func TestController_InitialConnectFailureReportsError(t *testing.T) {
	t.Parallel()
	ctrl := newBareController(t)

	err := ctrl.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connect") {
		t.Fatalf("Run error = %v, want connect failure", err)
	}

	rec := &eventRecorder{t: t, ch: ctrl.Events()}
	rec.drain()

	wantStates := []State{StateConnecting, StateError}
	if got := rec.states(); !slices.Equal(got, wantStates) {
		t.Errorf("state sequence = %v, want %v", got, wantStates)
	}
	if _, ok := rec.endedReason(); ok {
		t.Error("session_ended emitted for a session that never got established")
	}
	if ctrl.State() != StateError {
		t.Errorf("final state = %s, want error", ctrl.State())
	}
}

func TestController_MediaForClosedTurnDropped(t *testing.T) {
	t.Parallel()
	ctrl := newBareController(t)
	ctrl.state = StateReady
	pcm := bytes.Repeat([]byte{0x01, 0x01}, 2400)

	ctrl.handleSessionEvent(voxwire.AudioChunkEvent{TurnID: "t_1", Seq: 1, PCM: pcm})
	if ctrl.State() != StateSpeaking {
		t.Fatalf("state = %s, want speaking", ctrl.State())
	}
	ctrl.handleSessionEvent(voxwire.TurnCompleteEvent{TurnID: "t_1"})

	// A replayed chunk for the finished turn must not reach playback.
	ctrl.handleSessionEvent(voxwire.AudioChunkEvent{TurnID: "t_1", Seq: 2, PCM: pcm})
	if ms := ctrl.Output().BufferedMS(); ms != 100 {
		t.Errorf("buffered = %dms, want only the original 100ms", ms)
	}
}

func TestController_EmptyTurnStillCompletes(t *testing.T) {
	t.Parallel()
	ctrl := newBareController(t)
	ctrl.state = StateAwaitingResponse

	ctrl.handleSessionEvent(voxwire.TurnCompleteEvent{TurnID: "t_7"})

	select {
	case <-ctrl.Output().Drained():
		ctrl.handleDrained()
	case <-time.After(2 * time.Second):
		t.Fatal("no drain pulse for an empty turn")
	}
	if ctrl.State() != StateReady {
		t.Errorf("state = %s, want ready", ctrl.State())
	}

	found := false
	for len(ctrl.events) > 0 {
		if te, ok := (<-ctrl.events).(TurnEnded); ok && te.TurnID == "t_7" {
			found = true
		}
	}
	if !found {
		t.Error("no TurnEnded event for the empty turn")
	}
}

func TestController_RelayInterruptWhileListeningKeepsMic(t *testing.T) {
	t.Parallel()
	ctrl := newBareController(t)
	ctrl.state = StateListening

	ctrl.handleSessionEvent(voxwire.InterruptedEvent{TurnID: "t_3"})
	if ctrl.State() != StateListening {
		t.Errorf("state = %s, want listening preserved across relay interrupt", ctrl.State())
	}

	// Media for the canceled turn stays dead.
	ctrl.handleSessionEvent(voxwire.AudioChunkEvent{TurnID: "t_3", Seq: 9, PCM: []byte{1, 2}})
	if ms := ctrl.Output().BufferedMS(); ms != 0 {
		t.Errorf("buffered = %dms, want 0", ms)
	}
}

func TestController_InterruptIdempotentWhileInterrupted(t *testing.T) {
	t.Parallel()
	ctrl := newBareController(t)
	ctrl.state = StateInterrupted
	if err := ctrl.Interrupt(); err != nil {
		t.Fatalf("Interrupt while interrupted = %v, want nil", err)
	}
	if ctrl.State() != StateInterrupted {
		t.Errorf("state = %s, want interrupted unchanged", ctrl.State())
	}
}

func TestController_IntentsRejectedOutsideTheirStates(t *testing.T) {
	t.Parallel()
	ctrl := newBareController(t)
	ctrl.state = StateIdle

	if err := ctrl.BeginUtterance(); err == nil {
		t.Error("BeginUtterance in idle succeeded")
	}
	if err := ctrl.EndUtterance(); err == nil {
		t.Error("EndUtterance in idle succeeded")
	}
	if err := ctrl.SendText("hi"); err == nil {
		t.Error("SendText in idle succeeded")
	}
	if err := ctrl.Interrupt(); err == nil {
		t.Error("Interrupt in idle succeeded")
	}
	if err := ctrl.SendImage([]byte{1}, "image/png"); err == nil {
		t.Error("SendImage in idle succeeded")
	}
}
