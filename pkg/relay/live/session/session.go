// Package session implements the relay side of one live voice session: a
// single select loop that owns all turn state, bridging decoded client
// frames to the upstream provider and upstream events back to the client
// through a prioritized writer.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voxwire-ai/voxwire/pkg/audio"
	"github.com/voxwire-ai/voxwire/pkg/relay/archive"
	"github.com/voxwire-ai/voxwire/pkg/relay/live/protocol"
	"github.com/voxwire-ai/voxwire/pkg/relay/metrics"
	"github.com/voxwire-ai/voxwire/pkg/relay/upstream"
)

const (
	inboundQueueSize          = 64
	outboundPriorityQueueSize = 8
	maxCanceledTurnIDs        = 64
	maxImageBytes             = 4 << 20
)

var errBackpressure = errors.New("live outbound backpressure")

// Config tunes one session. Zero values select the defaults applied in New.
type Config struct {
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	MaxSessionDuration time.Duration
	TurnTimeout        time.Duration
	UpstreamTimeout    time.Duration

	MaxClientFrameBytes int64
	MaxAudioFrameBytes  int

	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int

	OutboundQueueSize int

	// AudioTransport is the negotiated assistant-audio transport,
	// base64_json or binary.
	AudioTransport string
}

// Dependencies wires one accepted connection into a Session.
type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Provider  upstream.Provider
	Upstream  upstream.SessionConfig
	Archiver  archive.Archiver
	Artifacts archive.ArtifactWriter
	Metrics   *metrics.Metrics
	SessionID string
	Config    Config
	StartTime time.Time
	Now       func() time.Time
	NewTurnID func() string
}

// Session is the per-connection orchestrator.
type Session struct {
	conn        *websocket.Conn
	logger      *slog.Logger
	provider    upstream.Provider
	upstreamCfg upstream.SessionConfig
	archiver    archive.Archiver
	artifacts   archive.ArtifactWriter
	metrics     *metrics.Metrics
	sessionID   string
	cfg         Config
	startTime   time.Time
	now         func() time.Time
	newTurnID   func() string

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	canceledTurns atomic.Value // canceledTurnState

	endOnce   sync.Once
	endReason atomic.Value // string
}

type canceledTurnState struct {
	set   map[string]struct{}
	order []string
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("upstream provider is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.Nop{}
	}
	if deps.Artifacts == nil {
		deps.Artifacts = archive.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 32
	}
	if deps.Config.UpstreamTimeout <= 0 {
		deps.Config.UpstreamTimeout = 15 * time.Second
	}
	if deps.Config.AudioTransport == "" {
		deps.Config.AudioTransport = protocol.AudioTransportBase64JSON
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewTurnID == nil {
		deps.NewTurnID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID),
		provider:         deps.Provider,
		upstreamCfg:      deps.Upstream,
		archiver:         deps.Archiver,
		artifacts:        deps.Artifacts,
		metrics:          deps.Metrics,
		sessionID:        deps.SessionID,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		newTurnID:        deps.NewTurnID,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}
	s.canceledTurns.Store(canceledTurnState{set: make(map[string]struct{}), order: nil})
	return s, nil
}

// Run drives the session until the client disconnects, the upstream fails
// fatally, or the session is ended. It blocks the caller's goroutine.
func (s *Session) Run() error {
	defer s.cancel()

	s.metrics.RecordSessionStart()
	defer func() {
		reason := "unknown"
		if r, ok := s.endReason.Load().(string); ok && r != "" {
			reason = r
		}
		s.metrics.RecordSessionEnd(reason, s.now().Sub(s.startTime))
	}()

	if s.cfg.MaxClientFrameBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxClientFrameBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, inboundQueueSize)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         s.conn,
			ctx:        s.ctx,
			cfg:        s.cfg,
			priority:   s.outboundPriority,
			normal:     s.outboundNormal,
			isCanceled: s.isTurnCanceled,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}

	upCtx, upCancel := context.WithTimeout(s.ctx, s.cfg.UpstreamTimeout)
	up, err := s.provider.Connect(upCtx, s.upstreamCfg)
	upCancel()
	if err != nil {
		s.logger.Warn("upstream connect failed", "error", err)
		_ = s.sendSessionError(protocol.CodeUpstream, "failed to reach speech backend", true)
		s.endSession(protocol.ReasonUpstreamClosed)
		flushAndClose()
		return err
	}
	defer up.Close()

	limiter := newMicLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds)

	var maxSessionC <-chan time.Time
	if s.cfg.MaxSessionDuration > 0 {
		maxSessionTimer := time.NewTimer(s.cfg.MaxSessionDuration)
		defer maxSessionTimer.Stop()
		maxSessionC = maxSessionTimer.C
	}

	var (
		upReady       bool
		active        *assistantTurn
		lastClientSeq uint64
		limiterMuted  bool
		turnTimer     *time.Timer
		runErr        error
	)
	upEvents := up.Events()

	turnTimerC := func() <-chan time.Time {
		if turnTimer == nil {
			return nil
		}
		return turnTimer.C
	}
	armTurnTimer := func() {
		if s.cfg.TurnTimeout <= 0 {
			return
		}
		if turnTimer == nil {
			turnTimer = time.NewTimer(s.cfg.TurnTimeout)
			return
		}
		if !turnTimer.Stop() {
			select {
			case <-turnTimer.C:
			default:
			}
		}
		turnTimer.Reset(s.cfg.TurnTimeout)
	}
	disarmTurnTimer := func() {
		if turnTimer == nil {
			return
		}
		if !turnTimer.Stop() {
			select {
			case <-turnTimer.C:
			default:
			}
		}
	}
	defer disarmTurnTimer()

	// ensureTurn opens a new assistant turn on the first output event after
	// the previous turn finished. While a canceled turn awaits its upstream
	// turn-complete, late output still belongs to it and is dropped.
	ensureTurn := func() *assistantTurn {
		if active == nil {
			active = newAssistantTurn(s.newTurnID(), s.now())
			s.logger.Debug("assistant turn started", "turn_id", active.id)
		}
		return active
	}

	interruptTurn := func(source string) {
		if active == nil || active.canceled {
			return
		}
		active.canceled = true
		s.cancelTurn(active.id)
		s.metrics.RecordInterrupt()
		disarmTurnTimer()
		if err := up.Interrupt(); err != nil && !errors.Is(err, upstream.ErrUnsupported) {
			s.logger.Warn("upstream interrupt failed", "error", err)
		}
		_ = s.sendJSONPriority(protocol.Interrupted{Type: "interrupted", TurnID: active.id})
		s.logger.Info("turn interrupted", "turn_id", active.id, "source", source)
	}

	commitTurn := func() {
		t := active
		active = nil
		disarmTurnTimer()
		if t == nil {
			s.logger.Debug("turn complete without output")
			return
		}
		if t.canceled {
			s.logger.Debug("discarding interrupted turn", "turn_id", t.id)
			return
		}

		ref, err := s.artifacts.WriteAudio(s.ctx, t.id, t.pcm, audio.Format{
			SampleRate:    s.upstreamCfg.OutputSampleRate,
			Channels:      1,
			BitsPerSample: 16,
		})
		if err != nil {
			s.logger.Warn("turn audio artifact failed", "turn_id", t.id, "error", err)
		}
		rec := archive.TurnRecord{
			SessionID:        s.sessionID,
			TurnID:           t.id,
			Transcript:       t.finalTranscript(),
			AudioArtifactRef: ref,
			StartedAt:        t.startedAt,
			CompletedAt:      s.now(),
		}
		if err := s.archiver.OnTurnComplete(s.ctx, rec); err != nil {
			s.logger.Warn("turn archive failed", "turn_id", t.id, "error", err)
		}
		s.metrics.RecordTurnCompleted()
		_ = s.sendJSON(protocol.TurnComplete{Type: "turn_complete", TurnID: t.id})
		s.logger.Info("turn committed", "turn_id", t.id, "transcript_len", len(rec.Transcript))
	}

	handleClientAudio := func(msg protocol.ClientAudioChunk) {
		if msg.Seq <= lastClientSeq {
			s.logger.Warn("mic seq regression, dropping frame", "seq", msg.Seq, "last_seq", lastClientSeq)
			s.metrics.RecordFrameDropped(metrics.DirectionClientToUpstream, "seq_regression")
			return
		}
		lastClientSeq = msg.Seq
		if !upReady {
			s.metrics.RecordFrameDropped(metrics.DirectionClientToUpstream, "not_ready")
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			s.logger.Warn("undecodable mic frame, dropping", "seq", msg.Seq)
			s.metrics.RecordFrameDropped(metrics.DirectionClientToUpstream, "bad_encoding")
			return
		}
		if s.cfg.MaxAudioFrameBytes > 0 && len(pcm) > s.cfg.MaxAudioFrameBytes {
			s.logger.Warn("oversized mic frame, dropping", "seq", msg.Seq, "bytes", len(pcm))
			s.metrics.RecordFrameDropped(metrics.DirectionClientToUpstream, "oversized")
			return
		}
		if !limiter.allow(len(pcm)) {
			s.metrics.RecordFrameDropped(metrics.DirectionClientToUpstream, "rate_limited")
			if !limiterMuted {
				limiterMuted = true
				_ = s.sendSessionError(protocol.CodeOverloaded, "mic audio rate limit exceeded, dropping frames", false)
			}
			return
		}
		limiterMuted = false
		if err := up.SendAudio(pcm); err != nil {
			s.logger.Warn("upstream audio write failed", "error", err)
			_ = s.sendSessionError(protocol.CodeUpstream, "speech backend unavailable", true)
			s.endSession(protocol.ReasonUpstreamClosed)
			return
		}
		s.metrics.RecordFrameForwarded(metrics.DirectionClientToUpstream)
	}

	handleClientMessage := func(data []byte) {
		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			var decErr *protocol.DecodeError
			code := protocol.CodeBadRequest
			if errors.As(err, &decErr) {
				code = decErr.Code
			}
			s.logger.Warn("dropping malformed client frame", "error", err)
			_ = s.sendSessionError(code, err.Error(), false)
			return
		}

		switch m := msg.(type) {
		case protocol.ClientAudioChunk:
			handleClientAudio(m)
		case protocol.ClientAudioStreamEnd:
			if err := up.SendAudioStreamEnd(); err != nil {
				s.logger.Warn("upstream stream end failed", "error", err)
			}
			armTurnTimer()
		case protocol.ClientInterrupt:
			interruptTurn("client")
		case protocol.ClientEndSession:
			s.endSession(protocol.ReasonClientEnded)
		case protocol.ClientTextMessage:
			if err := up.SendText(m.Text); err != nil {
				s.logger.Warn("upstream text write failed", "error", err)
				_ = s.sendSessionError(protocol.CodeUpstream, "speech backend unavailable", true)
				s.endSession(protocol.ReasonUpstreamClosed)
				return
			}
			armTurnTimer()
		case protocol.ClientImageChunk:
			blob, err := base64.StdEncoding.DecodeString(m.Payload)
			if err != nil {
				s.logger.Warn("undecodable image chunk, dropping")
				_ = s.sendSessionError(protocol.CodeBadRequest, "image payload is not valid base64", false)
				return
			}
			if len(blob) > maxImageBytes {
				_ = s.sendSessionError(protocol.CodeBadRequest, "image too large", false)
				return
			}
			if err := up.SendImage(blob, m.MIMEType); err != nil {
				s.logger.Warn("upstream image write failed", "error", err)
			}
		case protocol.StartSession:
			s.logger.Warn("duplicate start_session, dropping")
			_ = s.sendSessionError(protocol.CodeBadRequest, "session already started", false)
		default:
			s.logger.Warn("unhandled client message", "type", fmt.Sprintf("%T", m))
		}
	}

	handleUpstreamEvent := func(ev upstream.Event) {
		switch e := ev.(type) {
		case upstream.Ready:
			if upReady {
				return
			}
			upReady = true
			_ = s.sendJSONPriority(protocol.SessionReady{
				Type:           "session_ready",
				SessionID:      s.sessionID,
				AudioTransport: s.cfg.AudioTransport,
			})
			s.logger.Info("session ready", "audio_transport", s.cfg.AudioTransport)
		case upstream.Audio:
			t := ensureTurn()
			if t.canceled {
				s.metrics.RecordFrameDropped(metrics.DirectionUpstreamToClient, "turn_canceled")
				return
			}
			t.appendAudio(e.PCM)
			seq := t.nextSeq()
			if err := s.sendTurnAudio(t.id, seq, e.PCM); err != nil {
				if errors.Is(err, errBackpressure) {
					s.metrics.RecordFrameDropped(metrics.DirectionUpstreamToClient, "backpressure")
					_ = s.sendSessionError(protocol.CodeOverloaded, "client not draining audio, canceling turn", false)
					interruptTurn("backpressure")
					return
				}
				s.logger.Warn("assistant audio enqueue failed", "error", err)
				return
			}
			s.metrics.RecordFrameForwarded(metrics.DirectionUpstreamToClient)
		case upstream.TranscriptionDelta:
			t := ensureTurn()
			if t.canceled {
				return
			}
			t.appendTranscript(e.Text)
			_ = s.sendTurnJSON(t.id, protocol.TextChunk{Type: "text_chunk", TurnID: t.id, Delta: e.Text})
		case upstream.InputTranscription:
			_ = s.sendJSON(protocol.UserTranscription{Type: "user_transcription", Text: e.Text})
		case upstream.TurnComplete:
			commitTurn()
		case upstream.Interrupted:
			interruptTurn("upstream")
		case upstream.Fault:
			s.metrics.RecordUpstreamFault()
			if e.Fatal {
				s.logger.Warn("fatal upstream fault", "code", e.Code, "message", e.Message)
				_ = s.sendSessionError(protocol.CodeUpstream, e.Message, true)
				s.endSession(protocol.ReasonUpstreamClosed)
				return
			}
			s.logger.Warn("upstream fault", "code", e.Code, "message", e.Message)
			_ = s.sendSessionError(protocol.CodeUpstream, e.Message, false)
		}
	}

loop:
	for {
		select {
		case <-s.ctx.Done():
			break loop
		case frame, ok := <-readCh:
			if !ok {
				readCh = nil
				continue
			}
			if frame.err != nil {
				s.logger.Info("client connection closed", "error", frame.err)
				s.endQuiet("client_disconnected")
				break loop
			}
			if s.cfg.ReadTimeout > 0 {
				_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			}
			if frame.messageType != websocket.TextMessage {
				s.logger.Warn("dropping non-text client frame", "message_type", frame.messageType)
				continue
			}
			handleClientMessage(frame.data)
		case ev, ok := <-upEvents:
			if !ok {
				upEvents = nil
				s.logger.Warn("upstream event stream closed")
				_ = s.sendSessionError(protocol.CodeUpstream, "speech backend closed the session", true)
				s.endSession(protocol.ReasonUpstreamClosed)
				continue
			}
			handleUpstreamEvent(ev)
		case err, ok := <-writerErrCh:
			if !ok {
				writerErrCh = nil
				continue
			}
			if err != nil {
				s.logger.Info("writer stopped", "error", err)
				runErr = err
			}
			s.endQuiet("client_disconnected")
			break loop
		case <-maxSessionC:
			s.logger.Info("max session duration reached")
			s.endSession(protocol.ReasonMaxDuration)
		case <-turnTimerC():
			s.logger.Warn("turn timed out")
			_ = s.sendSessionError(protocol.CodeUpstream, "no response from speech backend", false)
			interruptTurn("turn_timeout")
			disarmTurnTimer()
		}
	}

	// An in-flight turn at shutdown is discarded, never archived.
	if active != nil && !active.canceled {
		s.logger.Debug("discarding incomplete turn at shutdown", "turn_id", active.id)
	}
	active = nil

	flushAndClose()
	return runErr
}

// Cancel force-ends the session, used by the tracker during shutdown.
func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.endSession(protocol.ReasonServerShutdown)
}

// SendNotice delivers a non-fatal advisory error frame, used for drain
// warnings.
func (s *Session) SendNotice(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendSessionError(code, message, false)
}

func (s *Session) endSession(reason string) {
	s.endOnce.Do(func() {
		s.endReason.Store(reason)
		_ = s.sendJSONPriority(protocol.SessionEnded{Type: "session_ended", Reason: reason})
		s.cancel()
	})
}

// endQuiet records the reason without emitting a frame, for paths where the
// socket is already gone.
func (s *Session) endQuiet(reason string) {
	s.endOnce.Do(func() {
		s.endReason.Store(reason)
		s.cancel()
	})
}

func (s *Session) sendTurnAudio(turnID string, seq uint64, pcm []byte) error {
	if s.cfg.AudioTransport == protocol.AudioTransportBinary {
		header := protocol.ServerAudioChunkHeader{
			Type:   "audio_chunk_header",
			TurnID: turnID,
			Seq:    seq,
			Bytes:  len(pcm),
		}
		return s.sendTurnBinaryPair(turnID, header, pcm)
	}
	return s.sendTurnJSON(turnID, protocol.ServerAudioChunk{
		Type:    "audio_chunk",
		TurnID:  turnID,
		Seq:     seq,
		Payload: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *Session) sendSessionError(code, message string, fatal bool) error {
	msg := protocol.ServerError{Type: "error", Code: code, Message: message, Fatal: fatal}
	if fatal {
		return s.sendJSONPriority(msg)
	}
	return s.sendJSON(msg)
}

func (s *Session) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{textPayload: payload})
}

func (s *Session) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{textPayload: payload})
}

func (s *Session) sendTurnJSON(turnID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{
		turnBound:   true,
		turnID:      turnID,
		textPayload: payload,
	})
}

func (s *Session) sendTurnBinaryPair(turnID string, header any, data []byte) error {
	headerPayload, err := json.Marshal(header)
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return s.enqueueNormal(outboundFrame{
		turnBound: true,
		turnID:    turnID,
		pair:      &binaryPair{header: headerPayload, data: buf},
	})
}

func (s *Session) enqueueNormal(frame outboundFrame) error {
	if frame.turnBound && s.isTurnCanceled(frame.turnID) {
		return nil
	}
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Session) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) cancelTurn(turnID string) {
	turnID = strings.TrimSpace(turnID)
	if turnID == "" {
		return
	}

	raw := s.canceledTurns.Load()
	state, ok := raw.(canceledTurnState)
	if !ok {
		state = canceledTurnState{set: make(map[string]struct{}), order: nil}
	}
	if _, exists := state.set[turnID]; exists {
		return
	}

	nextSet := make(map[string]struct{}, len(state.set)+1)
	for k := range state.set {
		nextSet[k] = struct{}{}
	}
	nextOrder := make([]string, 0, len(state.order)+1)
	nextOrder = append(nextOrder, state.order...)
	nextOrder = append(nextOrder, turnID)
	nextSet[turnID] = struct{}{}

	for len(nextOrder) > maxCanceledTurnIDs {
		evict := nextOrder[0]
		nextOrder = nextOrder[1:]
		delete(nextSet, evict)
	}

	s.canceledTurns.Store(canceledTurnState{set: nextSet, order: nextOrder})
}

func (s *Session) isTurnCanceled(turnID string) bool {
	turnID = strings.TrimSpace(turnID)
	if turnID == "" {
		return false
	}
	raw := s.canceledTurns.Load()
	state, ok := raw.(canceledTurnState)
	if !ok || state.set == nil {
		return false
	}
	_, exists := state.set[turnID]
	return exists
}
