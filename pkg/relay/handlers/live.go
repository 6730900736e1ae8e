// Package handlers owns the relay's HTTP surface: the /v1/session websocket
// handshake plus liveness and readiness probes.
package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxwire-ai/voxwire/pkg/relay/archive"
	"github.com/voxwire-ai/voxwire/pkg/relay/auth"
	"github.com/voxwire-ai/voxwire/pkg/relay/config"
	"github.com/voxwire-ai/voxwire/pkg/relay/live/protocol"
	"github.com/voxwire-ai/voxwire/pkg/relay/live/session"
	"github.com/voxwire-ai/voxwire/pkg/relay/live/sessions"
	"github.com/voxwire-ai/voxwire/pkg/relay/metrics"
	"github.com/voxwire-ai/voxwire/pkg/relay/mw"
	"github.com/voxwire-ai/voxwire/pkg/relay/ratelimit"
	"github.com/voxwire-ai/voxwire/pkg/relay/subject"
	"github.com/voxwire-ai/voxwire/pkg/relay/upstream"
)

// LiveHandler handles /v1/session websocket sessions.
type LiveHandler struct {
	Config   config.Config
	Logger   *slog.Logger
	Provider upstream.Provider

	// Validator overrides the static token table built from Config.
	Validator auth.TokenValidator

	// Subjects resolves subject_id context injection. Nil disables it.
	Subjects subject.Provider

	Archiver  archive.Archiver
	Artifacts archive.ArtifactWriter
	Metrics   *metrics.Metrics
	Limiter   *ratelimit.Limiter
	Sessions  *sessions.Tracker

	// IsDraining makes new upgrades refuse during shutdown.
	IsDraining func() bool
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		h.failBeforeUpgrade(w, http.StatusMethodNotAllowed, protocol.CodeBadRequest, "method not allowed", reqID)
		return
	}
	if h.IsDraining != nil && h.IsDraining() {
		h.failBeforeUpgrade(w, http.StatusServiceUnavailable, protocol.CodeOverloaded, "relay is draining", reqID)
		return
	}
	if !h.originAllowed(r) {
		h.failBeforeUpgrade(w, http.StatusForbidden, protocol.CodeUnauthorized, "origin is not allowed", reqID)
		return
	}
	if h.Provider == nil {
		h.failBeforeUpgrade(w, http.StatusInternalServerError, protocol.CodeInternal, "no upstream provider configured", reqID)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.recordHandshakeFailure("upgrade_failed")
		return
	}
	defer conn.Close()

	if h.Config.MaxClientFrameBytes > 0 {
		conn.SetReadLimit(h.Config.MaxClientFrameBytes)
	}

	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.rejectHandshake(conn, protocol.CodeBadRequest, "failed to read start_session")
		return
	}
	if messageType != websocket.TextMessage {
		h.rejectHandshake(conn, protocol.CodeBadRequest, "first frame must be start_session")
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		code, message := protocol.CodeBadRequest, "invalid start_session frame"
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			code, message = decodeErr.Code, decodeErr.Error()
		}
		h.rejectHandshake(conn, code, message)
		return
	}
	start, ok := decoded.(protocol.StartSession)
	if !ok {
		h.rejectHandshake(conn, protocol.CodeBadRequest, "first frame must be start_session")
		return
	}

	principal, authErr := h.resolvePrincipal(r.Context(), r, start)
	if authErr != nil {
		h.rejectHandshake(conn, protocol.CodeUnauthorized, authErr.Error())
		return
	}

	var permit *ratelimit.Permit
	if h.Limiter != nil {
		dec := h.Limiter.AcquireSession(principalKey(start, r), time.Now())
		if !dec.Allowed {
			h.rejectHandshake(conn, protocol.CodeOverloaded, "too many active sessions")
			return
		}
		permit = dec.Permit
		defer permit.Release()
	}

	upstreamCfg, subjErr := h.buildUpstreamConfig(r.Context(), principal, start)
	if subjErr != nil {
		h.rejectHandshake(conn, subjErr.code, subjErr.message)
		return
	}

	transport := protocol.NormalizedTransport(start.ModelConfig.AudioTransport)
	sessionID := "s_" + randHex(8)
	startAt := time.Now()
	_ = conn.SetReadDeadline(time.Time{})

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("session accepted",
		"session_id", sessionID,
		"request_id", reqID,
		"principal", principal.ID,
		"transport", transport,
		"start", start.RedactedForLog(),
	)

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		Provider:  h.Provider,
		Upstream:  upstreamCfg,
		Archiver:  h.Archiver,
		Artifacts: h.Artifacts,
		Metrics:   h.Metrics,
		SessionID: sessionID,
		StartTime: startAt,
		Config: session.Config{
			ReadTimeout:            h.Config.ReadTimeout,
			WriteTimeout:           h.Config.WriteTimeout,
			PingInterval:           h.Config.PingInterval,
			MaxSessionDuration:     h.Config.MaxSessionDuration,
			TurnTimeout:            h.Config.TurnTimeout,
			UpstreamTimeout:        h.Config.UpstreamConnectTimeout,
			MaxClientFrameBytes:    h.Config.MaxClientFrameBytes,
			MaxAudioFrameBytes:     h.Config.MaxAudioFrameBytes,
			MaxAudioFPS:            h.Config.MaxAudioFPS,
			MaxAudioBytesPerSecond: h.Config.MaxAudioBytesPerSecond,
			InboundBurstSeconds:    h.Config.InboundBurstSeconds,
			OutboundQueueSize:      h.Config.OutboundQueueSize,
			AudioTransport:         transport,
		},
	})
	if err != nil {
		h.rejectHandshake(conn, protocol.CodeInternal, "failed to initialize session")
		return
	}

	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(sessionID, sessions.Handle{
			End:    s.Cancel,
			Notify: s.SendNotice,
		})
	}
	defer unregister()

	if err := s.Run(); err != nil {
		logger.Warn("session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.AllowedOrigins) == 0 {
		return true
	}
	_, ok := h.Config.AllowedOrigins[origin]
	return ok
}

// resolvePrincipal applies the configured auth mode to the start_session
// token, falling back to an Authorization bearer header when the frame
// carries none.
func (h LiveHandler) resolvePrincipal(ctx context.Context, r *http.Request, start protocol.StartSession) (auth.Principal, error) {
	token := strings.TrimSpace(start.AuthToken)
	if token == "" {
		if bearer, ok := auth.ParseBearer(r); ok {
			token = bearer
		}
	}

	switch h.Config.AuthMode {
	case config.AuthModeRequired:
		if token == "" {
			return auth.Principal{}, fmt.Errorf("missing auth token")
		}
		return h.validator().Validate(ctx, token)
	case config.AuthModeOptional:
		if token != "" {
			return h.validator().Validate(ctx, token)
		}
		return auth.Principal{ID: "anonymous"}, nil
	case config.AuthModeDisabled:
		return auth.Principal{ID: "anonymous"}, nil
	default:
		return auth.Principal{}, fmt.Errorf("invalid auth mode")
	}
}

func (h LiveHandler) validator() auth.TokenValidator {
	if h.Validator != nil {
		return h.Validator
	}
	return &auth.StaticValidator{Tokens: h.Config.AuthTokens}
}

type handshakeError struct {
	code    string
	message string
}

// buildUpstreamConfig merges the client's requested shape with the relay
// defaults and resolves subject context when one was named.
func (h LiveHandler) buildUpstreamConfig(ctx context.Context, principal auth.Principal, start protocol.StartSession) (upstream.SessionConfig, *handshakeError) {
	cfg := upstream.SessionConfig{
		Model:            firstNonEmpty(start.ModelConfig.Model, h.Config.UpstreamModel),
		VoiceID:          firstNonEmpty(start.VoiceID, h.Config.UpstreamVoice),
		Instructions:     start.ModelConfig.Instructions,
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
	}

	subjectID := strings.TrimSpace(start.ModelConfig.SubjectID)
	if subjectID == "" {
		return cfg, nil
	}
	if h.Subjects == nil {
		return cfg, &handshakeError{code: protocol.CodeUnsupported, message: "subject lookup is not configured"}
	}
	sub, err := h.Subjects.Lookup(ctx, principal, subjectID)
	if err != nil {
		if errors.Is(err, subject.ErrNotFound) {
			return cfg, &handshakeError{code: protocol.CodeBadRequest, message: "unknown subject"}
		}
		return cfg, &handshakeError{code: protocol.CodeInternal, message: "subject lookup failed"}
	}
	cfg.Context = subjectContext(sub)
	return cfg, nil
}

// subjectContext converts stored context lines into upstream turns. Lines
// prefixed "assistant:" are attributed to the assistant, the rest to the user.
func subjectContext(sub subject.Subject) []upstream.ContextItem {
	items := make([]upstream.ContextItem, 0, len(sub.Context))
	for _, entry := range sub.Context {
		role := "user"
		if rest, found := strings.CutPrefix(entry, "assistant:"); found {
			role = "assistant"
			entry = strings.TrimSpace(rest)
		}
		if entry == "" {
			continue
		}
		items = append(items, upstream.ContextItem{Role: role, Content: entry})
	}
	return items
}

// principalKey derives the rate-limit bucket key. Tokenless sessions share
// the anonymous bucket.
func principalKey(start protocol.StartSession, r *http.Request) string {
	token := strings.TrimSpace(start.AuthToken)
	if token == "" {
		if bearer, ok := auth.ParseBearer(r); ok {
			token = bearer
		}
	}
	if token == "" {
		return ""
	}
	return ratelimit.PrincipalKey(token)
}

// rejectHandshake reports a post-upgrade handshake failure: one fatal error
// frame, a close frame, and a metrics tick keyed by the error code.
func (h LiveHandler) rejectHandshake(conn *websocket.Conn, code, message string) {
	h.recordHandshakeFailure(code)
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Fatal: true})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(2*time.Second))
}

func (h LiveHandler) failBeforeUpgrade(w http.ResponseWriter, status int, code, message, requestID string) {
	h.recordHandshakeFailure(code)
	mw.WriteError(w, status, code, message, requestID)
}

func (h LiveHandler) recordHandshakeFailure(reason string) {
	if h.Metrics != nil {
		h.Metrics.RecordHandshakeFailure(reason)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		// Extremely unlikely; fall back to something still unique enough.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
