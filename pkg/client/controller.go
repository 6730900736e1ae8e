// Package client implements the device-side session controller: a state
// machine that owns one relay session, the capture and playback pipelines
// around it, and a bounded reconnect cycle after transport loss.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxwire-ai/voxwire/pkg/audio"
	"github.com/voxwire-ai/voxwire/pkg/device"
	"github.com/voxwire-ai/voxwire/pkg/relay/live/protocol"
	voxwire "github.com/voxwire-ai/voxwire/sdk"
)

const (
	defaultReconnectAttempts = 3
	defaultBackoffBase       = time.Second
	defaultBackoffMax        = 30 * time.Second
	backoffJitterFrac        = 0.25

	eventBufferSize = 64
)

// MicSource is the capture side of the device layer. *device.Capture
// satisfies it; tests substitute a scripted source. Warm runs the device
// ahead of Start so opening the mic adds no startup latency.
type MicSource interface {
	Warm() error
	Start() error
	Stop() error
	Frames() <-chan device.Frame
	Dropped() uint64
}

// SpeakerSink is the playback side: started for the session, cleared on
// barge-in. *device.Playback satisfies it.
type SpeakerSink interface {
	Start() error
	Stop() error
	Clear()
}

// Controller drives one voice session end to end. Run owns the lifecycle;
// Begin/End utterance, Interrupt, SendText and End are the user intents.
type Controller struct {
	client  *voxwire.Client
	cfg     Config
	logger  *slog.Logger
	mic     MicSource
	speaker SpeakerSink

	output  *voxwire.AudioOutput
	reorder *voxwire.ReorderBuffer

	events       chan Event
	eventsClosed atomic.Bool

	backoffBase time.Duration
	backoffMax  time.Duration

	outSeq atomic.Uint64

	mu               sync.Mutex
	state            State
	session          *voxwire.Session
	activeTurnID     string
	lastClosedTurnID string
	awaitingDrain    bool
	endedReason      string
	endedEmitted     bool

	pumpActive bool
	pumpStop   chan struct{}
	pumpDone   chan struct{}
}

func NewController(vc *voxwire.Client, mic MicSource, speaker SpeakerSink, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		client:      vc,
		cfg:         cfg,
		logger:      logger,
		mic:         mic,
		speaker:     speaker,
		output:      voxwire.NewAudioOutput(audio.PlaybackFormat().SampleRate, voxwire.AudioOutputConfig{MinBufferMS: cfg.MinBufferMS}),
		reorder:     voxwire.NewReorderBuffer(cfg.ReorderWindow),
		events:      make(chan Event, eventBufferSize),
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		state:       StateIdle,
	}
}

// Output is the assistant playback FIFO. Wire it to the playback device as
// its source.
func (c *Controller) Output() *voxwire.AudioOutput {
	return c.output
}

// Events yields controller events. The channel closes when Run returns.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) connectRequest() voxwire.ConnectRequest {
	return voxwire.ConnectRequest{
		VoiceID:        c.cfg.VoiceID,
		Model:          c.cfg.Model,
		Instructions:   c.cfg.Instructions,
		AudioTransport: c.cfg.AudioTransport,
		SubjectID:      c.cfg.SubjectID,
	}
}

// Run connects and drives the session until it ends. It returns nil after a
// clean session_ended, the relay fault after a fatal error, or a wrapped
// transport error once the reconnect cycle is exhausted.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()

	c.mu.Lock()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	session, err := c.client.Connect(ctx, c.connectRequest())
	if err != nil {
		c.fail()
		return fmt.Errorf("connect: %w", err)
	}
	c.attach(session)

	if err := c.speaker.Start(); err != nil {
		_ = session.Close()
		c.fail()
		return fmt.Errorf("start playback: %w", err)
	}

	for {
		c.consume(ctx, session)

		if ctx.Err() != nil {
			_ = session.Close()
			return ctx.Err()
		}

		err := session.Err()
		if err == nil {
			// Clean close. session_ended normally preceded it.
			c.finish("")
			return nil
		}
		var relayErr *voxwire.RelayError
		if errors.As(err, &relayErr) {
			c.finish(protocol.ReasonUpstreamClosed)
			return err
		}

		c.logger.Warn("session transport lost", "error", err)
		session, err = c.reconnectCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.finish(protocol.ReasonConnectionLost)
			return err
		}
		c.attach(session)
	}
}

// consume runs one connection's event loop until the session closes or the
// context is canceled.
func (c *Controller) consume(ctx context.Context, session *voxwire.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			c.handleSessionEvent(ev)
		case <-c.output.Drained():
			c.handleDrained()
		}
	}
}

// reconnectCycle runs the single bounded reconnect cycle. The incomplete
// turn is discarded by attach on success.
func (c *Controller) reconnectCycle(ctx context.Context) (*voxwire.Session, error) {
	c.mu.Lock()
	c.stopPumpLocked()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	attempts := c.cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = defaultReconnectAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		delay := c.backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		session, err := c.client.Connect(ctx, c.connectRequest())
		if err == nil {
			c.emit(Warning{Code: "reconnected", Message: fmt.Sprintf("reconnected on attempt %d; in-flight turn discarded", attempt)})
			return session, nil
		}
		var relayErr *voxwire.RelayError
		if errors.As(err, &relayErr) {
			// The relay refused the handshake; retrying cannot help.
			return nil, err
		}
		lastErr = err
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "of", attempts, "error", err)
		c.emit(Warning{Code: "reconnecting", Message: fmt.Sprintf("reconnect attempt %d/%d failed", attempt, attempts)})
	}
	return nil, fmt.Errorf("reconnect exhausted after %d attempts: %w", attempts, lastErr)
}

func (c *Controller) backoffDelay(attempt int) time.Duration {
	delay := c.backoffBase << (attempt - 1)
	if delay > c.backoffMax || delay <= 0 {
		delay = c.backoffMax
	}
	jitter := 1 - backoffJitterFrac + 2*backoffJitterFrac*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// attach installs a fresh session and discards any in-flight turn.
func (c *Controller) attach(session *voxwire.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session
	c.stopPumpLocked()
	c.output.Clear()
	c.speaker.Clear()
	c.reorder.Reset()
	c.activeTurnID = ""
	c.lastClosedTurnID = ""
	c.awaitingDrain = false
	c.outSeq.Store(0)
}

func (c *Controller) handleSessionEvent(ev voxwire.SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case voxwire.ReadyEvent:
		// Pre-warm capture so the first utterance pays no device startup.
		if err := c.mic.Warm(); err != nil {
			c.logger.Warn("mic pre-warm failed", "error", err)
		}
		c.setStateLocked(StateReady)

	case voxwire.AudioChunkEvent:
		if !c.acceptTurnMediaLocked(e.TurnID) {
			return
		}
		for _, pcm := range c.reorder.Add(e.Seq, e.PCM) {
			c.output.Push(pcm)
		}

	case voxwire.TextChunkEvent:
		if !c.acceptTurnMediaLocked(e.TurnID) {
			return
		}
		c.emit(AssistantText{TurnID: e.TurnID, Delta: e.Delta})

	case voxwire.UserTranscriptionEvent:
		c.emit(UserTranscript{Text: e.Text})

	case voxwire.TurnCompleteEvent:
		// An empty turn completes without ever producing media; only a
		// mismatch against a live turn, or a replay of the closed one, is
		// stale.
		if c.activeTurnID != "" && e.TurnID != c.activeTurnID {
			return
		}
		if c.activeTurnID == "" && e.TurnID != "" && e.TurnID == c.lastClosedTurnID {
			return
		}
		c.lastClosedTurnID = e.TurnID
		c.activeTurnID = ""
		c.awaitingDrain = true
		c.output.EndStream()
		c.emit(TurnEnded{TurnID: e.TurnID})

	case voxwire.InterruptedEvent:
		c.output.Clear()
		c.speaker.Clear()
		if e.TurnID != "" {
			c.lastClosedTurnID = e.TurnID
		} else if c.activeTurnID != "" {
			c.lastClosedTurnID = c.activeTurnID
		}
		c.activeTurnID = ""
		c.awaitingDrain = false
		switch c.state {
		case StateListening:
			// User is mid-utterance; the canceled assistant turn does not
			// close the mic.
		case StateSpeaking, StateAwaitingResponse:
			c.setStateLocked(StateInterrupted)
			c.setStateLocked(StateReady)
		case StateInterrupted:
			c.setStateLocked(StateReady)
		}

	case voxwire.SessionEndedEvent:
		c.stopPumpLocked()
		c.endedReason = e.Reason
		c.setStateLocked(StateEnded)
		c.emitSessionEndedLocked(e.Reason)

	case voxwire.WarningEvent:
		c.emit(Warning{Code: e.Code, Message: e.Message})

	case voxwire.FaultEvent:
		c.emit(Warning{Code: e.Code, Message: e.Message})
	}
}

// acceptTurnMediaLocked tracks assistant turn boundaries and reports whether
// media for turnID should flow to the user. Media for a closed turn, or
// arriving while interrupted, is dropped.
func (c *Controller) acceptTurnMediaLocked(turnID string) bool {
	switch c.state {
	case StateInterrupted, StateEnded, StateConnecting:
		return false
	}
	if turnID == "" || turnID == c.lastClosedTurnID {
		return false
	}
	if turnID != c.activeTurnID {
		// New assistant turn.
		c.activeTurnID = turnID
		c.reorder.Reset()
		c.awaitingDrain = false
		if c.state == StateAwaitingResponse || c.state == StateReady {
			c.setStateLocked(StateSpeaking)
		}
	}
	return true
}

func (c *Controller) handleDrained() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.awaitingDrain {
		return
	}
	c.awaitingDrain = false
	if c.state == StateSpeaking || c.state == StateAwaitingResponse {
		c.setStateLocked(StateReady)
	}
}

// BeginUtterance opens the mic. Valid in ready.
func (c *Controller) BeginUtterance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return fmt.Errorf("cannot begin utterance in state %s", c.state)
	}
	if err := c.mic.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	c.startPumpLocked(c.session)
	c.setStateLocked(StateListening)
	return nil
}

// EndUtterance closes the mic, flushes buffered frames, and marks the end
// of the user's turn.
func (c *Controller) EndUtterance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateListening {
		return fmt.Errorf("cannot end utterance in state %s", c.state)
	}
	c.stopPumpLocked()
	if err := c.session.SendAudioStreamEnd(); err != nil {
		return fmt.Errorf("send audio_stream_end: %w", err)
	}
	c.setStateLocked(StateAwaitingResponse)
	return nil
}

// Interrupt cancels the assistant's turn: playback clears immediately, the
// relay is told, and the controller waits for the interrupted ack.
// Idempotent while an interrupt is in flight.
func (c *Controller) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateInterrupted:
		return nil
	case StateListening, StateAwaitingResponse, StateSpeaking:
	default:
		return fmt.Errorf("cannot interrupt in state %s", c.state)
	}
	if c.state == StateListening {
		c.stopPumpLocked()
	}
	c.output.Clear()
	c.speaker.Clear()
	if err := c.session.Interrupt(); err != nil {
		return fmt.Errorf("send interrupt: %w", err)
	}
	c.setStateLocked(StateInterrupted)
	return nil
}

// SendText injects a typed message and awaits the assistant's reply.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return fmt.Errorf("cannot send text in state %s", c.state)
	}
	if err := c.session.SendText(text); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	c.setStateLocked(StateAwaitingResponse)
	return nil
}

// SendImage attaches an image to the conversation. Valid in ready and
// listening.
func (c *Controller) SendImage(data []byte, mimeType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady && c.state != StateListening {
		return fmt.Errorf("cannot send image in state %s", c.state)
	}
	if err := c.session.SendImage(data, mimeType); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	return nil
}

// End requests a graceful session end. The relay confirms with
// session_ended.
func (c *Controller) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded || c.session == nil {
		return nil
	}
	if err := c.session.EndSession(); err != nil {
		return fmt.Errorf("send end_session: %w", err)
	}
	return nil
}

func (c *Controller) startPumpLocked(session *voxwire.Session) {
	if c.pumpActive {
		return
	}
	c.pumpActive = true
	c.pumpStop = make(chan struct{})
	c.pumpDone = make(chan struct{})
	go c.pumpMic(session, c.pumpStop, c.pumpDone)
}

// stopPumpLocked closes the mic gate, waits for the pump to flush the tail,
// and leaves the queue empty. Safe when no pump is running.
func (c *Controller) stopPumpLocked() {
	if !c.pumpActive {
		return
	}
	if err := c.mic.Stop(); err != nil {
		c.logger.Warn("stop capture", "error", err)
	}
	close(c.pumpStop)
	<-c.pumpDone
	c.pumpActive = false
}

// pumpMic forwards mic frames to the relay until stopped, then drains the
// flushed tail so no captured speech is lost ahead of audio_stream_end.
func (c *Controller) pumpMic(session *voxwire.Session, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	lastDropped := c.mic.Dropped()
	for {
		select {
		case frame := <-c.mic.Frames():
			c.forwardFrame(session, frame)
		case <-stop:
			for {
				select {
				case frame := <-c.mic.Frames():
					c.forwardFrame(session, frame)
				default:
					return
				}
			}
		}
		if dropped := c.mic.Dropped(); dropped > lastDropped {
			c.emit(Warning{
				Code:    "capture_overflow",
				Message: fmt.Sprintf("capture queue overflowed; %d mic frames dropped", dropped-lastDropped),
			})
			lastDropped = dropped
		}
	}
}

func (c *Controller) forwardFrame(session *voxwire.Session, frame device.Frame) {
	c.emit(MicLevel{RMS: audio.RMSEnergy(frame.PCM)})
	seq := c.outSeq.Add(1)
	if err := session.SendAudioChunk(seq, frame.PCM); err != nil {
		c.logger.Debug("drop mic frame", "seq", seq, "error", err)
	}
}

// finish forces the terminal state, emitting session_ended if the relay
// never got to.
func (c *Controller) finish(fallbackReason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPumpLocked()
	if !c.state.Terminal() {
		c.setStateLocked(StateEnded)
	}
	if !c.endedEmitted {
		reason := c.endedReason
		if reason == "" {
			reason = fallbackReason
		}
		c.emitSessionEndedLocked(reason)
	}
}

// fail marks a session that never got established. Sessions that were live
// end through finish instead.
func (c *Controller) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(StateError)
}

func (c *Controller) emitSessionEndedLocked(reason string) {
	if c.endedEmitted {
		return
	}
	c.endedEmitted = true
	c.emit(SessionEnded{Reason: reason})
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	c.stopPumpLocked()
	if !c.state.Terminal() {
		c.setStateLocked(StateEnded)
	}
	c.eventsClosed.Store(true)
	close(c.events)
	c.mu.Unlock()

	if err := c.speaker.Stop(); err != nil {
		c.logger.Warn("stop playback", "error", err)
	}
	c.output.Close()
}

func (c *Controller) setStateLocked(to State) {
	if c.state == to {
		return
	}
	if !c.state.CanTransitionTo(to) {
		c.logger.Warn("ignoring invalid state transition", "from", c.state, "to", to)
		return
	}
	from := c.state
	c.state = to
	c.emit(StateChanged{From: from, To: to})
}

// emit never blocks; when the UI falls behind, events are dropped.
func (c *Controller) emit(ev Event) {
	if c.eventsClosed.Load() {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("dropped controller event", "event", ev.controllerEvent())
	}
}
