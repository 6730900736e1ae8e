package voxwire

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxwire-ai/voxwire/pkg/relay/live/protocol"
)

// controlEmitGrace bounds how long the read loop waits to deliver a control
// event to a stalled consumer before giving up on it.
const controlEmitGrace = time.Second

// ConnectRequest configures one voice session.
type ConnectRequest struct {
	VoiceID      string
	Model        string
	Instructions string

	// AudioTransport selects how assistant audio is framed: "base64_json"
	// (default) or "binary".
	AudioTransport string

	// SubjectID asks the relay to inject stored conversation context for
	// this subject. Requires a relay with a subject directory configured.
	SubjectID string
}

// SessionEvent is one relay-to-client event. The set of variants is closed;
// consumers switch on the concrete type.
type SessionEvent interface {
	sessionEventType() string
}

// ReadyEvent reports the completed handshake. It is always the first event.
type ReadyEvent struct {
	SessionID      string
	AudioTransport string
}

func (ReadyEvent) sessionEventType() string { return "session_ready" }

// AudioChunkEvent carries one assistant audio frame, raw PCM s16le 24 kHz.
type AudioChunkEvent struct {
	TurnID string
	Seq    uint64
	PCM    []byte
}

func (AudioChunkEvent) sessionEventType() string { return "audio_chunk" }

// TextChunkEvent carries an assistant transcription delta.
type TextChunkEvent struct {
	TurnID string
	Delta  string
}

func (TextChunkEvent) sessionEventType() string { return "text_chunk" }

// UserTranscriptionEvent carries an incremental transcription of the user's
// own speech.
type UserTranscriptionEvent struct {
	Text string
}

func (UserTranscriptionEvent) sessionEventType() string { return "user_transcription" }

type TurnCompleteEvent struct {
	TurnID string
}

func (TurnCompleteEvent) sessionEventType() string { return "turn_complete" }

// InterruptedEvent acknowledges that the named assistant turn was canceled.
type InterruptedEvent struct {
	TurnID string
}

func (InterruptedEvent) sessionEventType() string { return "interrupted" }

type SessionEndedEvent struct {
	Reason string
}

func (SessionEndedEvent) sessionEventType() string { return "session_ended" }

// WarningEvent is a non-fatal relay notice (draining, dropped frames). The
// session keeps running.
type WarningEvent struct {
	Code    string
	Message string
}

func (WarningEvent) sessionEventType() string { return "warning" }

// FaultEvent is a fatal relay error; the session ends after it. The same
// error is available from Err.
type FaultEvent struct {
	Code    string
	Message string
}

func (FaultEvent) sessionEventType() string { return "error" }

// Session is one live voice connection to a relay.
type Session struct {
	conn   *websocket.Conn
	logger *slog.Logger

	sessionID      string
	audioTransport string

	events chan SessionEvent
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	droppedAudio atomic.Uint64

	errMu sync.Mutex
	err   error
}

// Connect dials the relay's /v1/session endpoint, performs the
// start_session handshake, and returns a running session. A relay rejection
// surfaces as *RelayError; socket failures as *TransportError.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (*Session, error) {
	wsURL, err := c.websocketEndpoint("/v1/session")
	if err != nil {
		return nil, err
	}

	start := protocol.StartSession{
		Type:      "start_session",
		AuthToken: c.authToken,
		VoiceID:   req.VoiceID,
		ModelConfig: protocol.ModelConfig{
			Model:          req.Model,
			Instructions:   req.Instructions,
			AudioTransport: req.AudioTransport,
			SubjectID:      req.SubjectID,
		},
	}
	if err := protocol.ValidateStartSession(start); err != nil {
		return nil, fmt.Errorf("voxwire: invalid connect request: %w", err)
	}

	header := c.header.Clone()
	if header == nil {
		header = make(map[string][]string)
	}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("send start_session: %w", err)}
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.dialTimeout))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("read session_ready: %w", err)}
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, fmt.Errorf("voxwire: unexpected first frame type %d", messageType)
	}

	first, err := protocol.DecodeServerMessage(payload)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("voxwire: decode handshake reply: %w", err)
	}

	switch m := first.(type) {
	case protocol.SessionReady:
		s := &Session{
			conn:           conn,
			logger:         c.logger,
			sessionID:      m.SessionID,
			audioTransport: m.AudioTransport,
			events:         make(chan SessionEvent, 256),
			done:           make(chan struct{}),
		}
		s.emit(ReadyEvent{SessionID: m.SessionID, AudioTransport: m.AudioTransport})
		go s.readLoop()
		return s, nil
	case protocol.ServerError:
		_ = conn.Close()
		return nil, &RelayError{Code: m.Code, Message: m.Message, Fatal: m.Fatal}
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("voxwire: unexpected first frame %T", first)
	}
}

// SessionID returns the relay-assigned session id.
func (s *Session) SessionID() string {
	return s.sessionID
}

// AudioTransport returns the negotiated assistant-audio transport.
func (s *Session) AudioTransport() string {
	return s.audioTransport
}

// Events yields session events. The channel closes when the session ends.
func (s *Session) Events() <-chan SessionEvent {
	if s == nil {
		return nil
	}
	return s.events
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Err blocks until the session ends and returns its terminal error, nil for
// a clean shutdown.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// DroppedAudio reports assistant audio events discarded because the consumer
// fell behind the events channel.
func (s *Session) DroppedAudio() uint64 {
	return s.droppedAudio.Load()
}

// SendAudioChunk forwards one mic frame. Seq is 1-based and monotonically
// increasing within the session.
func (s *Session) SendAudioChunk(seq uint64, pcm []byte) error {
	return s.sendJSON(protocol.ClientAudioChunk{
		Type:    "audio_chunk",
		Seq:     seq,
		Payload: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendAudioStreamEnd marks the end of the user's utterance.
func (s *Session) SendAudioStreamEnd() error {
	return s.sendJSON(protocol.ClientAudioStreamEnd{Type: "audio_stream_end"})
}

// SendText injects a typed user message into the conversation.
func (s *Session) SendText(text string) error {
	return s.sendJSON(protocol.ClientTextMessage{Type: "text_message", Text: text})
}

// SendImage attaches an image to the conversation.
func (s *Session) SendImage(data []byte, mimeType string) error {
	return s.sendJSON(protocol.ClientImageChunk{
		Type:     "image_chunk",
		Payload:  base64.StdEncoding.EncodeToString(data),
		MIMEType: mimeType,
	})
}

// Interrupt cancels the active assistant turn. The write goes straight to
// the socket, ahead of anything the application has queued.
func (s *Session) Interrupt() error {
	return s.sendJSON(protocol.ClientInterrupt{Type: "interrupt"})
}

// EndSession asks the relay for a graceful shutdown. The relay answers with
// session_ended and closes.
func (s *Session) EndSession() error {
	return s.sendJSON(protocol.ClientEndSession{Type: "end_session"})
}

func (s *Session) sendJSON(v any) error {
	if s == nil {
		return ErrSessionClosed
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close shuts the session down. Safe to call any number of times, from any
// goroutine; it returns once the read loop has finished.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	var pendingHeader *protocol.ServerAudioChunkHeader

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.closed.Load() {
				return
			}
			s.setErr(&TransportError{Op: "READ", Err: err})
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if err := s.handleTextFrame(data, &pendingHeader); err != nil {
				s.setErr(err)
				return
			}
		case websocket.BinaryMessage:
			if pendingHeader == nil {
				// Binary frame without a header; nothing to pair it with.
				continue
			}
			ev := AudioChunkEvent{
				TurnID: pendingHeader.TurnID,
				Seq:    pendingHeader.Seq,
				PCM:    append([]byte(nil), data...),
			}
			pendingHeader = nil
			s.emitAudio(ev)
		default:
			continue
		}
	}
}

func (s *Session) handleTextFrame(data []byte, pendingHeader **protocol.ServerAudioChunkHeader) error {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		return fmt.Errorf("decode server frame: %w", err)
	}

	switch m := msg.(type) {
	case protocol.SessionReady:
		s.emit(ReadyEvent{SessionID: m.SessionID, AudioTransport: m.AudioTransport})
	case protocol.ServerAudioChunk:
		pcm, decErr := base64.StdEncoding.DecodeString(m.Payload)
		if decErr != nil {
			return fmt.Errorf("decode audio payload: %w", decErr)
		}
		s.emitAudio(AudioChunkEvent{TurnID: m.TurnID, Seq: m.Seq, PCM: pcm})
	case protocol.ServerAudioChunkHeader:
		header := m
		*pendingHeader = &header
	case protocol.TextChunk:
		s.emit(TextChunkEvent{TurnID: m.TurnID, Delta: m.Delta})
	case protocol.UserTranscription:
		s.emit(UserTranscriptionEvent{Text: m.Text})
	case protocol.TurnComplete:
		s.emit(TurnCompleteEvent{TurnID: m.TurnID})
	case protocol.Interrupted:
		s.emit(InterruptedEvent{TurnID: m.TurnID})
	case protocol.SessionEnded:
		s.emit(SessionEndedEvent{Reason: m.Reason})
	case protocol.ServerError:
		if m.Fatal {
			s.setErr(&RelayError{Code: m.Code, Message: m.Message, Fatal: true})
			s.emit(FaultEvent{Code: m.Code, Message: m.Message})
		} else {
			s.emit(WarningEvent{Code: m.Code, Message: m.Message})
		}
	}
	return nil
}

// emit delivers a control event, waiting briefly for a stalled consumer
// before giving up so the read loop can never deadlock.
func (s *Session) emit(event SessionEvent) {
	select {
	case s.events <- event:
		return
	default:
	}
	timer := time.NewTimer(controlEmitGrace)
	defer timer.Stop()
	select {
	case s.events <- event:
	case <-timer.C:
		if s.logger != nil {
			s.logger.Warn("dropped session event, consumer stalled", "event", event.sessionEventType())
		}
	}
}

// emitAudio never waits: stale assistant audio is dropped and counted so a
// slow consumer lags rather than stalls the socket.
func (s *Session) emitAudio(event AudioChunkEvent) {
	select {
	case s.events <- event:
	default:
		s.droppedAudio.Add(1)
	}
}
