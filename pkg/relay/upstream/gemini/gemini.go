// Package gemini adapts the Gemini Live BidiGenerateContent websocket
// protocol to the upstream.Session contract.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxwire-ai/voxwire/pkg/relay/upstream"
)

const (
	// DefaultBaseURL is the Gemini Live websocket endpoint base.
	DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// DefaultModel is used when neither the session nor the provider names one.
	DefaultModel = "gemini-2.0-flash-live-001"

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// Server frames can carry several seconds of base64 audio.
	maxMessageBytes = 16 << 20

	dialTimeout       = 15 * time.Second
	writeTimeout      = 10 * time.Second
	keepaliveInterval = 20 * time.Second

	eventQueueSize = 64
)

// Provider opens Gemini Live sessions. APIKey is required; the zero values of
// the remaining fields select defaults.
type Provider struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  *slog.Logger
}

// Connect dials the Live endpoint, sends the setup message, and primes the
// session with any prior conversation context. The Ready event is emitted once
// the server acknowledges setup.
func (p *Provider) Connect(ctx context.Context, cfg upstream.SessionConfig) (upstream.Session, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}

	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = strings.TrimSpace(p.Model)
	}
	if model == "" {
		model = DefaultModel
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	header.Set("x-goog-api-key", p.APIKey)
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, base+bidiPath, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gemini: dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("gemini: dial failed: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	s := &session{
		conn:          conn,
		logger:        logger.With("upstream", "gemini"),
		inputRate:     cfg.InputSampleRate,
		events:        make(chan upstream.Event, eventQueueSize),
		closed:        make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}

	if err := s.writeJSON(newSetupMessage(model, cfg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("gemini: send setup: %w", err)
	}
	if len(cfg.Context) > 0 {
		if err := s.writeJSON(newContextMessage(cfg.Context)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("gemini: send context: %w", err)
		}
	}

	go s.receiveLoop()
	go s.keepaliveLoop()
	return s, nil
}

type session struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	inputRate int

	writeMu sync.Mutex

	events        chan upstream.Event
	closeOnce     sync.Once
	closed        chan struct{}
	keepaliveDone chan struct{}
}

func (s *session) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	rate := s.inputRate
	if rate <= 0 {
		rate = 16000
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", rate),
			Data:     base64.StdEncoding.EncodeToString(pcm),
		}},
	}}
	return s.writeJSON(msg)
}

func (s *session) SendAudioStreamEnd() error {
	end := true
	return s.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{AudioStreamEnd: &end}})
}

func (s *session) SendText(text string) error {
	msg := clientContentMessage{ClientContent: clientContent{
		Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}}
	return s.writeJSON(msg)
}

func (s *session) SendImage(data []byte, mimeType string) error {
	if len(data) == 0 {
		return nil
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []mediaChunk{{
			MIMEType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(data),
		}},
	}}
	return s.writeJSON(msg)
}

// Interrupt is not part of the Live protocol; the service handles barge-in
// through its own voice activity detection and reports it via the
// serverContent.interrupted flag.
func (s *session) Interrupt() error {
	return upstream.ErrUnsupported
}

func (s *session) Events() <-chan upstream.Event {
	return s.events
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.conn.Close()
	})
	return nil
}

func (s *session) writeJSON(v any) error {
	select {
	case <-s.closed:
		return upstream.ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *session) receiveLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.emit(upstream.Fault{
					Code:    "upstream_closed",
					Message: fmt.Sprintf("connection lost: %v", err),
					Fatal:   true,
				})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("skipping malformed server frame", "error", err)
			continue
		}
		if !s.dispatch(msg) {
			return
		}
	}
}

// dispatch translates one server frame into zero or more events. Text parts
// riding modelTurn are discarded here; spoken-output transcripts arrive only
// through outputTranscription.
func (s *session) dispatch(msg serverMessage) bool {
	if msg.SetupComplete != nil {
		return s.emit(upstream.Ready{})
	}
	if msg.Error != nil {
		return s.emit(upstream.Fault{
			Code:    msg.Error.Status,
			Message: msg.Error.Message,
			Fatal:   true,
		})
	}
	sc := msg.ServerContent
	if sc == nil {
		return true
	}

	if sc.Interrupted {
		if !s.emit(upstream.Interrupted{}) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		for _, pt := range sc.ModelTurn.Parts {
			if pt.InlineData == nil || !strings.HasPrefix(pt.InlineData.MIMEType, "audio/") {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(pt.InlineData.Data)
			if err != nil {
				s.logger.Warn("skipping undecodable audio part", "error", err)
				continue
			}
			if !s.emit(upstream.Audio{PCM: pcm}) {
				return false
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(upstream.InputTranscription{Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(upstream.TranscriptionDelta{Text: sc.OutputTranscription.Text}) {
			return false
		}
	}
	if sc.TurnComplete {
		if !s.emit(upstream.TurnComplete{}) {
			return false
		}
	}
	return true
}

func (s *session) emit(ev upstream.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func (s *session) keepaliveLoop() {
	defer close(s.keepaliveDone)
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func newSetupMessage(model string, cfg upstream.SessionConfig) setupMessage {
	setup := setupPayload{
		Model: "models/" + model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &transcriptionConfig{},
		OutputAudioTranscription: &transcriptionConfig{},
	}
	if voice := strings.TrimSpace(cfg.VoiceID); voice != "" {
		setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: &voiceConfig{
				PrebuiltVoiceConfig: &prebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if instructions := strings.TrimSpace(cfg.Instructions); instructions != "" {
		setup.SystemInstruction = &systemInstruction{Parts: []part{{Text: instructions}}}
	}
	return setupMessage{Setup: setup}
}

func newContextMessage(items []upstream.ContextItem) clientContentMessage {
	turns := make([]contentTurn, 0, len(items))
	for _, item := range items {
		role := item.Role
		if role == "assistant" {
			role = "model"
		}
		if role != "user" && role != "model" {
			role = "user"
		}
		turns = append(turns, contentTurn{Role: role, Parts: []part{{Text: item.Content}}})
	}
	return clientContentMessage{ClientContent: clientContent{Turns: turns, TurnComplete: false}}
}
